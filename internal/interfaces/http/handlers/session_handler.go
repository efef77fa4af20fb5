package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aikesi233/qzone-transfer/internal/application/services"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/qzone"
	"github.com/aikesi233/qzone-transfer/pkg/utils"
)

type SessionHandler struct {
	container *services.ServiceContainer
}

func NewSessionHandler(container *services.ServiceContainer) *SessionHandler {
	return &SessionHandler{container: container}
}

// Login 设置当前用户凭证并切换任务库
func (h *SessionHandler) Login(c *gin.Context) {
	var req struct {
		Uin     string `json:"uin" binding:"required"`
		PSkey   string `json:"p_skey" binding:"required"`
		HostUin string `json:"host_uin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}

	cred := qzone.Credentials{Uin: req.Uin, PSkey: req.PSkey, HostUin: req.HostUin}
	if err := h.container.Session.SetCurrentUser(cred); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"uin": req.Uin})
}

// Logout 登出，回到default任务库
func (h *SessionHandler) Logout(c *gin.Context) {
	if err := h.container.Session.Logout(); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "已登出"})
}

// Current 查询当前用户
func (h *SessionHandler) Current(c *gin.Context) {
	uin := h.container.Session.CurrentUser()
	utils.Success(c, gin.H{"uin": uin, "logged_in": uin != ""})
}
