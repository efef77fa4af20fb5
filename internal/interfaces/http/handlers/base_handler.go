package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aikesi233/qzone-transfer/internal/interfaces/http/middleware"
	sharederrors "github.com/aikesi233/qzone-transfer/internal/shared/errors"
	"github.com/aikesi233/qzone-transfer/pkg/utils"
)

// respondError 统一错误出口，业务错误按错误码映射HTTP状态
func respondError(c *gin.Context, err error) {
	var serviceErr *sharederrors.ServiceError
	if errors.As(err, &serviceErr) {
		status := middleware.MapErrorCodeToHTTPStatus(serviceErr.Code)
		utils.ErrorWithStatus(c, status, status, serviceErr.Message)
		return
	}
	utils.ErrorWithStatus(c, http.StatusInternalServerError, 500, err.Error())
}

// HealthCheck 健康检查
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "QZone transfer service is running",
	})
}
