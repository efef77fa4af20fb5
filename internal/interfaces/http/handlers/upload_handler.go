package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aikesi233/qzone-transfer/internal/application/services"
	"github.com/aikesi233/qzone-transfer/internal/domain/entities"
	"github.com/aikesi233/qzone-transfer/pkg/utils"
)

type UploadHandler struct {
	container *services.ServiceContainer
}

func NewUploadHandler(container *services.ServiceContainer) *UploadHandler {
	return &UploadHandler{container: container}
}

// CreateBatch 批量创建上传任务，整批共享批次ID和会话ID
func (h *UploadHandler) CreateBatch(c *gin.Context) {
	var req struct {
		Files     []services.UploadFile `json:"files" binding:"required"`
		AlbumID   string                `json:"album_id" binding:"required"`
		AlbumName string                `json:"album_name"`
		SessionID string                `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}

	tasks, err := h.container.Upload.AddBatchTasks(req.Files, req.AlbumID, req.AlbumName, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"added": len(tasks), "tasks": tasks})
}

// CreateTask 创建单个上传任务，独立批次
func (h *UploadHandler) CreateTask(c *gin.Context) {
	var req struct {
		File      services.UploadFile `json:"file" binding:"required"`
		AlbumID   string              `json:"album_id" binding:"required"`
		AlbumName string              `json:"album_name"`
		SessionID string              `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}

	task, err := h.container.Upload.AddTask(req.File, req.AlbumID, req.AlbumName, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"task": task})
}

// ListTasks 分页查询任务
func (h *UploadHandler) ListTasks(c *gin.Context) {
	var query struct {
		Page     int    `form:"page,default=1"`
		PageSize int    `form:"page_size,default=50"`
		Status   string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}
	status := entities.TaskStatus(query.Status)
	if query.Status != "" && !status.IsValid() {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "无效的任务状态: "+query.Status)
		return
	}

	utils.Success(c, h.container.Upload.GetTasks(query.Page, query.PageSize, status))
}

// ListActiveTasks 返回调度窗口的优先级视图
func (h *UploadHandler) ListActiveTasks(c *gin.Context) {
	utils.Success(c, gin.H{"tasks": h.container.Upload.GetActiveTasks()})
}

// RequestTasksPage 显式请求一页任务，结果同时经事件流下发
func (h *UploadHandler) RequestTasksPage(c *gin.Context) {
	var req struct {
		Page     int    `json:"page"`
		PageSize int    `json:"page_size"`
		Status   string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}
	status := entities.TaskStatus(req.Status)
	if req.Status != "" && !status.IsValid() {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "无效的任务状态: "+req.Status)
		return
	}
	utils.Success(c, h.container.Upload.RequestTasksPage(req.Page, req.PageSize, status))
}

// GetTask 查询单个任务
func (h *UploadHandler) GetTask(c *gin.Context) {
	task, err := h.container.Upload.GetTask(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"task": task})
}

// DeleteTask 删除单个任务
func (h *UploadHandler) DeleteTask(c *gin.Context) {
	removed := h.container.Upload.DeleteTasks(c.Param("id"))
	utils.Success(c, gin.H{"removed": removed})
}

// PauseTask 暂停任务，进度与会话被重置
func (h *UploadHandler) PauseTask(c *gin.Context) {
	if err := h.container.Upload.PauseTask(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "任务已暂停"})
}

// ResumeTask 恢复任务，从头重新上传
func (h *UploadHandler) ResumeTask(c *gin.Context) {
	if err := h.container.Upload.ResumeTask(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "任务已恢复"})
}

// RetryTask 重试任务
func (h *UploadHandler) RetryTask(c *gin.Context) {
	if err := h.container.Upload.RetryTask(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "任务已重新排队"})
}

// CancelTask 取消任务
func (h *UploadHandler) CancelTask(c *gin.Context) {
	if err := h.container.Upload.CancelTask(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "任务已取消"})
}

// PauseAll 暂停全部任务
func (h *UploadHandler) PauseAll(c *gin.Context) {
	changed := h.container.Upload.PauseAll()
	utils.Success(c, gin.H{"paused": len(changed)})
}

// CancelAll 停止队列（降级为paused，可整体恢复）
func (h *UploadHandler) CancelAll(c *gin.Context) {
	changed := h.container.Upload.CancelAll()
	utils.Success(c, gin.H{"stopped": len(changed)})
}

// ResumeAll 恢复全部已暂停任务
func (h *UploadHandler) ResumeAll(c *gin.Context) {
	changed := h.container.Upload.ResumeAll()
	utils.Success(c, gin.H{"resumed": len(changed)})
}

// RetryFailed 重试失败任务，可按相册过滤
func (h *UploadHandler) RetryFailed(c *gin.Context) {
	var req struct {
		AlbumID string `json:"album_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}
	retried := h.container.Upload.RetryAllFailed(req.AlbumID)
	utils.Success(c, gin.H{"retried": retried})
}

// ClearCompleted 清除已完成任务，album_id为空时不限相册
func (h *UploadHandler) ClearCompleted(c *gin.Context) {
	removed := h.container.Upload.ClearCompletedTasks(c.Query("album_id"))
	utils.Success(c, gin.H{"removed": removed})
}

// ClearCancelled 清除已取消任务
func (h *UploadHandler) ClearCancelled(c *gin.Context) {
	removed := h.container.Upload.ClearCancelledTasks(c.Query("album_id"))
	utils.Success(c, gin.H{"removed": removed})
}

// GetStats 任务统计
func (h *UploadHandler) GetStats(c *gin.Context) {
	utils.Success(c, h.container.Upload.GetStats())
}

// ListAlbums 按相册聚合统计
func (h *UploadHandler) ListAlbums(c *gin.Context) {
	utils.Success(c, gin.H{"albums": h.container.Upload.GetAlbumsWithStats()})
}

// GetAlbumStats 单个相册的统计
func (h *UploadHandler) GetAlbumStats(c *gin.Context) {
	utils.Success(c, h.container.Upload.GetAlbumStats(c.Param("albumId")))
}

// GetAlbumPending 相册内未终结的任务
func (h *UploadHandler) GetAlbumPending(c *gin.Context) {
	tasks := h.container.Upload.GetPendingTasksByAlbum(c.Param("albumId"))
	utils.Success(c, gin.H{"tasks": tasks})
}

// CancelAlbum 取消相册内的任务（落cancelled终态），可按会话过滤
func (h *UploadHandler) CancelAlbum(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}
	ids := h.container.Upload.CancelTasksByAlbum(c.Param("albumId"), req.SessionID)
	utils.Success(c, gin.H{"cancelled": len(ids), "ids": ids})
}

// GetSessionTasks 查询会话内的任务
func (h *UploadHandler) GetSessionTasks(c *gin.Context) {
	tasks := h.container.Upload.GetTasksBySession(c.Param("sessionId"))
	utils.Success(c, gin.H{"tasks": tasks})
}

// DeleteSession 删除会话内的全部任务
func (h *UploadHandler) DeleteSession(c *gin.Context) {
	removed := h.container.Upload.DeleteTasksBySession(c.Param("sessionId"))
	utils.Success(c, gin.H{"removed": removed})
}

// GetSettings 查询上传设置
func (h *UploadHandler) GetSettings(c *gin.Context) {
	utils.Success(c, h.container.Upload.GetSettings())
}

// UpdateSettings 更新上传设置
func (h *UploadHandler) UpdateSettings(c *gin.Context) {
	var req struct {
		Concurrency *int `json:"concurrency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}
	if req.Concurrency != nil {
		h.container.Upload.SetConcurrency(*req.Concurrency)
	}
	utils.Success(c, h.container.Upload.GetSettings())
}

// SetManagerOpen 任务管理页开关
func (h *UploadHandler) SetManagerOpen(c *gin.Context) {
	var req struct {
		Open bool `json:"open"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}
	h.container.Upload.SetManagerOpen(req.Open)
	utils.Success(c, gin.H{"open": req.Open})
}
