package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aikesi233/qzone-transfer/internal/application/services"
	"github.com/aikesi233/qzone-transfer/internal/domain/entities"
	"github.com/aikesi233/qzone-transfer/pkg/utils"
)

type DownloadHandler struct {
	container *services.ServiceContainer
}

func NewDownloadHandler(container *services.ServiceContainer) *DownloadHandler {
	return &DownloadHandler{container: container}
}

// CreateTask 创建下载任务
func (h *DownloadHandler) CreateTask(c *gin.Context) {
	var req services.DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}

	task, err := h.container.Download.AddTask(req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"task": task})
}

// CreateBatch 批量创建下载任务
func (h *DownloadHandler) CreateBatch(c *gin.Context) {
	var req struct {
		Tasks []services.DownloadRequest `json:"tasks" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}

	added, skipped, err := h.container.Download.AddBatchTasks(req.Tasks)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"added": len(added), "skipped": skipped, "tasks": added})
}

// CreateAlbum 整相册批量入队，服务端生成目录与文件名
func (h *DownloadHandler) CreateAlbum(c *gin.Context) {
	var req struct {
		Album  services.AlbumInfo    `json:"album"`
		Photos []services.AlbumPhoto `json:"photos" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}

	ids, err := h.container.Download.AddAlbumTasks(req.Album, req.Photos)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"added": len(ids), "task_ids": ids})
}

// ListTasks 分页查询任务
func (h *DownloadHandler) ListTasks(c *gin.Context) {
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

	page := h.container.Download.GetTasks(query.Page, query.PageSize, status)
	utils.Success(c, page)
}

// ListActiveTasks 返回调度窗口的优先级视图
func (h *DownloadHandler) ListActiveTasks(c *gin.Context) {
	utils.Success(c, gin.H{"tasks": h.container.Download.GetActiveTasks()})
}

// RequestTasksPage 显式请求一页任务，结果同时经事件流下发
func (h *DownloadHandler) RequestTasksPage(c *gin.Context) {
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
	utils.Success(c, h.container.Download.RequestTasksPage(req.Page, req.PageSize, status))
}

// GetTask 查询单个任务
func (h *DownloadHandler) GetTask(c *gin.Context) {
	task, err := h.container.Download.GetTask(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"task": task})
}

// DeleteTask 删除单个任务，delete_file=true时连同文件一起删除
func (h *DownloadHandler) DeleteTask(c *gin.Context) {
	deleteFile := c.Query("delete_file") == "true"
	removed := h.container.Download.DeleteTask(c.Param("id"), deleteFile)
	utils.Success(c, gin.H{"removed": removed})
}

// PauseTask 暂停任务
func (h *DownloadHandler) PauseTask(c *gin.Context) {
	if err := h.container.Download.PauseTask(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "任务已暂停"})
}

// ResumeTask 恢复任务
func (h *DownloadHandler) ResumeTask(c *gin.Context) {
	if err := h.container.Download.ResumeTask(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "任务已恢复"})
}

// RetryTask 重试任务
func (h *DownloadHandler) RetryTask(c *gin.Context) {
	if err := h.container.Download.RetryTask(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "任务已重新排队"})
}

// CancelTask 取消任务
func (h *DownloadHandler) CancelTask(c *gin.Context) {
	if err := h.container.Download.CancelTask(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"message": "任务已取消"})
}

// PauseAll 暂停全部任务
func (h *DownloadHandler) PauseAll(c *gin.Context) {
	changed := h.container.Download.PauseAll()
	utils.Success(c, gin.H{"paused": len(changed)})
}

// CancelAll 停止队列（降级为paused，可整体恢复）
func (h *DownloadHandler) CancelAll(c *gin.Context) {
	changed := h.container.Download.CancelAll()
	utils.Success(c, gin.H{"stopped": len(changed)})
}

// ResumeAll 恢复全部已暂停任务
func (h *DownloadHandler) ResumeAll(c *gin.Context) {
	changed := h.container.Download.ResumeAll()
	utils.Success(c, gin.H{"resumed": len(changed)})
}

// ClearCompleted 清除已完成任务
func (h *DownloadHandler) ClearCompleted(c *gin.Context) {
	removed := h.container.Download.ClearCompleted()
	utils.Success(c, gin.H{"removed": removed})
}

// ClearAll 清空任务列表
func (h *DownloadHandler) ClearAll(c *gin.Context) {
	removed := h.container.Download.ClearAllTasks()
	utils.Success(c, gin.H{"removed": removed})
}

// GetStats 任务统计
func (h *DownloadHandler) GetStats(c *gin.Context) {
	utils.Success(c, h.container.Download.GetStats())
}

// GetSettings 查询下载设置
func (h *DownloadHandler) GetSettings(c *gin.Context) {
	utils.Success(c, h.container.Download.GetSettings())
}

// UpdateSettings 更新下载设置，只更新请求中出现的字段
func (h *DownloadHandler) UpdateSettings(c *gin.Context) {
	var req struct {
		Concurrency     *int    `json:"concurrency"`
		DownloadDir     *string `json:"download_dir"`
		ReplaceExisting *bool   `json:"replace_existing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}

	if req.Concurrency != nil {
		h.container.Download.SetConcurrency(*req.Concurrency)
	}
	if req.DownloadDir != nil {
		if err := h.container.Download.SetDownloadDir(*req.DownloadDir); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.ReplaceExisting != nil {
		if err := h.container.Download.SetReplaceExisting(*req.ReplaceExisting); err != nil {
			respondError(c, err)
			return
		}
	}
	utils.Success(c, h.container.Download.GetSettings())
}

// SetManagerOpen 任务管理页开关，影响重量级推送通道
func (h *DownloadHandler) SetManagerOpen(c *gin.Context) {
	var req struct {
		Open bool `json:"open"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithStatus(c, http.StatusBadRequest, 400, "Invalid request: "+err.Error())
		return
	}
	h.container.Download.SetManagerOpen(req.Open)
	utils.Success(c, gin.H{"open": req.Open})
}
