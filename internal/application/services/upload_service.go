package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aikesi233/qzone-transfer/internal/domain/entities"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/config"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/qzone"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/ratelimit"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/store"
	sharederrors "github.com/aikesi233/qzone-transfer/internal/shared/errors"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
	fileutil "github.com/aikesi233/qzone-transfer/pkg/utils/file"
)

const (
	uploadStorePrefix = "upload"
	uploadMemoryCap   = 500

	uploadMinConcurrency = 1
	uploadMaxConcurrency = 5

	// 上传每推进10%持久化一次
	uploadPersistStep = 10

	// 单任务进度直推的节流窗口
	directProgressInterval = 200 * time.Millisecond

	// 终态任务延迟移出调度窗口，保证最后一次推送先送达
	evictDelay = time.Second
)

// UploadFile 批量上传的单个文件描述
type UploadFile struct {
	Path  string `json:"path" binding:"required"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Desc  string `json:"desc"`
	Size  int64  `json:"size"`
}

// UploadSettings 上传设置快照
type UploadSettings struct {
	Concurrency int `json:"concurrency"`
	ChunkSize   int `json:"chunk_size"`
}

// UploadService 上传队列引擎。上传不支持断点续传：
// 暂停会清空进度和会话，恢复后整体重传
type UploadService struct {
	mu sync.Mutex

	cfg    *config.Config
	client *qzone.Client
	db     *store.Store
	pusher *EventPusher

	uin  string
	cred qzone.Credentials

	tasks   map[string]*entities.Task
	cancels map[string]context.CancelFunc

	// 单任务进度直推的节流器，任务结束时清理
	progressThrottles map[string]*ratelimit.Throttle

	concurrency int
	chunkSize   int
}

// NewUploadService 创建上传服务并打开默认用户的任务库
func NewUploadService(cfg *config.Config, client *qzone.Client) (*UploadService, error) {
	s := &UploadService{
		cfg:               cfg,
		client:            client,
		tasks:             map[string]*entities.Task{},
		cancels:           map[string]context.CancelFunc{},
		progressThrottles: map[string]*ratelimit.Throttle{},
		chunkSize:         cfg.Upload.ChunkSize,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = 16384
	}
	if err := s.SetUser(""); err != nil {
		return nil, err
	}
	return s, nil
}

// BindPusher 绑定事件推送器
func (s *UploadService) BindPusher(p *EventPusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pusher = p
}

// SnapshotTasks 返回全量任务的克隆，供推送器使用。
// 窗口内对象携带最新进度，优先于库内的合并写入视图
func (s *UploadService) SnapshotTasks() []*entities.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.db.All()
	snap := make([]*entities.Task, len(all))
	for i, t := range all {
		if w, ok := s.tasks[t.ID]; ok {
			snap[i] = w.Clone()
		} else {
			snap[i] = t
		}
	}
	return snap
}

// SetCredentials 设置QZone登录态并切换到对应用户的任务库
func (s *UploadService) SetCredentials(cred qzone.Credentials) error {
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return s.SetUser(cred.Uin)
}

// SetUser 切换当前用户。相同用户时为空操作。
// 上传任务恢复时不保留半程状态：上次运行遗留的active和waiting
// 全部回退为paused并清空进度与会话
func (s *UploadService) SetUser(uin string) error {
	s.mu.Lock()
	if s.db != nil && s.uin == uin {
		s.mu.Unlock()
		return nil
	}

	if s.db != nil {
		s.softStopLocked()
		if err := s.db.Flush(); err != nil {
			logger.Error("切换用户前落盘失败", "error", err)
		}
	}
	s.tasks = map[string]*entities.Task{}
	s.uin = uin

	db, err := store.Open(s.cfg.Data.Dir, uploadStorePrefix, uin)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.db = db

	for _, t := range db.All() {
		if t.Status == entities.StatusActive || t.Status == entities.StatusWaiting {
			resetUploadState(t)
			t.Status = entities.StatusPaused
			t.Touch()
			db.Put(t)
			db.Save()
		}
	}

	s.concurrency = clampInt(db.GetSettingInt(settingConcurrency, s.cfg.Upload.Concurrency),
		uploadMinConcurrency, uploadMaxConcurrency)

	for _, t := range db.All() {
		if len(s.tasks) >= uploadMemoryCap {
			break
		}
		if !t.Status.IsTerminal() {
			s.tasks[t.ID] = t
		}
	}
	pusher := s.pusher
	s.mu.Unlock()

	if pusher != nil {
		pusher.TriggerUpdate()
	}
	logger.Info("上传任务库已切换", "uin", displayUin(uin), "tasks", db.Count())
	return nil
}

// resetUploadState 清空上传进度与会话，重传时重新协商
func resetUploadState(t *entities.Task) {
	t.Progress = 0
	t.Transferred = 0
	t.Speed = 0
	t.Session = ""
	t.MD5 = ""
}

func (s *UploadService) softStopLocked() {
	for id, cancel := range s.cancels {
		if t, ok := s.tasks[id]; ok && t.Status == entities.StatusActive {
			resetUploadState(t)
			t.Status = entities.StatusPaused
			t.Touch()
			s.db.Put(t)
		}
		cancel()
	}
	s.cancels = map[string]context.CancelFunc{}
	for _, t := range s.tasks {
		if t.Status == entities.StatusWaiting {
			t.Status = entities.StatusPaused
			t.Touch()
			s.db.Put(t)
		}
	}
	s.db.Save()
}

// newBatchID 批次ID：毫秒时间戳*1000000+6位随机数
func newBatchID() int64 {
	return time.Now().UnixMilli()*1000000 + rand.Int63n(1000000)
}

// AddBatchTasks 批量新建上传任务，整批共享一个批次ID。
// sessionID为空时自动生成，用于前端按会话分组
func (s *UploadService) AddBatchTasks(files []UploadFile, albumID, albumName, sessionID string) ([]*entities.Task, error) {
	if len(files) == 0 {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest, "文件列表不能为空")
	}
	if albumID == "" {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest, "相册ID不能为空")
	}
	if sessionID == "" {
		sessionID = fmt.Sprintf("session_%d", time.Now().UnixMilli())
	}
	batchID := newBatchID()

	tasks := make([]*entities.Task, 0, len(files))
	for _, f := range files {
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		title := f.Title
		if title == "" {
			ext := filepath.Ext(name)
			title = name[:len(name)-len(ext)]
		}

		var width, height int
		if dims, err := fileutil.GetImageDimensions(f.Path); err == nil {
			width, height = dims.Width, dims.Height
		} else {
			logger.Warn("获取图片尺寸失败", "file", name, "error", err)
		}

		now := entities.NowMillis()
		tasks = append(tasks, &entities.Task{
			ID:         uuid.New().String(),
			Name:       name,
			Type:       "upload",
			Status:     entities.StatusWaiting,
			Priority:   entities.PriorityNormal,
			CreateTime: now,
			UpdateTime: now,
			FilePath:   f.Path,
			Filename:   name,
			PicTitle:   title,
			PicDesc:    f.Desc,
			PicWidth:   width,
			PicHeight:  height,
			Total:      f.Size,
			BatchID:    batchID,
			SessionID:  sessionID,
			AlbumID:    albumID,
			AlbumName:  albumName,
		})
	}

	// 分块入库，块间让出，大批量入队时不长时间压住调度
	ids := make([]string, len(tasks))
	for start := 0; start < len(tasks); start += addBatchChunk {
		end := start + addBatchChunk
		if end > len(tasks) {
			end = len(tasks)
		}
		s.mu.Lock()
		for i, t := range tasks[start:end] {
			s.db.Put(t)
			if len(s.tasks) < uploadMemoryCap {
				s.tasks[t.ID] = t
			}
			ids[start+i] = t.ID
		}
		s.db.Save()
		s.mu.Unlock()
		if end < len(tasks) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	s.notifyChanged(ids...)
	s.ProcessQueue()

	result := make([]*entities.Task, len(tasks))
	for i, t := range tasks {
		result[i] = t.Clone()
	}
	return result, nil
}

// AddTask 新建单个上传任务，独立批次
func (s *UploadService) AddTask(f UploadFile, albumID, albumName, sessionID string) (*entities.Task, error) {
	tasks, err := s.AddBatchTasks([]UploadFile{f}, albumID, albumName, sessionID)
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// PauseTask 暂停任务并重置进度与会话，恢复后从头上传
func (s *UploadService) PauseTask(id string) error {
	s.mu.Lock()
	task, ok := s.findLocked(id)
	if !ok {
		s.mu.Unlock()
		return sharederrors.NewServiceError(sharederrors.ErrorCodeNotFound, "任务不存在")
	}
	if !task.Status.CanPause() {
		s.mu.Unlock()
		return sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest,
			fmt.Sprintf("当前状态不可暂停: %s", task.Status))
	}
	// 先落paused再撤销协程，避免终态被覆盖为cancelled
	task.Status = entities.StatusPaused
	resetUploadState(task)
	task.Touch()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	s.tasks[task.ID] = task
	s.db.Put(task)
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(id)
	s.ProcessQueue()
	return nil
}

// ResumeTask 恢复暂停的任务，从头重新上传。
// 已在排队或传输中的任务重复恢复是空操作
func (s *UploadService) ResumeTask(id string) error {
	s.mu.Lock()
	task, ok := s.findLocked(id)
	if !ok {
		s.mu.Unlock()
		return sharederrors.NewServiceError(sharederrors.ErrorCodeNotFound, "任务不存在")
	}
	if task.Status == entities.StatusWaiting || task.Status == entities.StatusActive {
		s.mu.Unlock()
		return nil
	}
	if !task.Status.CanResume() {
		s.mu.Unlock()
		return sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest,
			fmt.Sprintf("当前状态不可恢复: %s", task.Status))
	}
	task.Status = entities.StatusWaiting
	task.Error = ""
	resetUploadState(task)
	task.Touch()
	s.tasks[task.ID] = task
	s.db.Put(task)
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(id)
	s.ProcessQueue()
	return nil
}

// CancelTask 取消单个任务
func (s *UploadService) CancelTask(id string) error {
	s.mu.Lock()
	task, ok := s.findLocked(id)
	if !ok {
		s.mu.Unlock()
		return sharederrors.NewServiceError(sharederrors.ErrorCodeNotFound, "任务不存在")
	}
	if task.Status.IsTerminal() {
		s.mu.Unlock()
		return sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest,
			fmt.Sprintf("当前状态不可取消: %s", task.Status))
	}
	task.Status = entities.StatusCancelled
	task.Speed = 0
	task.Touch()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	s.db.Put(task)
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(id)
	s.ProcessQueue()
	return nil
}

// PauseAll 暂停全部传输中和等待中的任务
func (s *UploadService) PauseAll() []string {
	s.mu.Lock()
	var changed []string
	for _, t := range s.db.All() {
		if t.Status.CanPause() {
			// 优先改窗口内对象，传输协程看到的状态才会同步变化
			task := t
			if w, ok := s.tasks[t.ID]; ok {
				task = w
			}
			task.Status = entities.StatusPaused
			resetUploadState(task)
			task.Touch()
			s.db.Put(task)
			changed = append(changed, task.ID)
		}
	}
	for _, cancel := range s.cancels {
		cancel()
	}
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(changed...)
	return changed
}

// CancelAll 停止队列，与PauseAll同义：不落终态，便于整体恢复
func (s *UploadService) CancelAll() []string {
	return s.PauseAll()
}

// ResumeAll 恢复全部已暂停的任务，进度从零重新开始
func (s *UploadService) ResumeAll() []string {
	s.mu.Lock()
	var changed []string
	for _, t := range s.db.All() {
		if t.Status == entities.StatusPaused {
			task := t
			if w, ok := s.tasks[t.ID]; ok {
				task = w
			}
			task.Status = entities.StatusWaiting
			resetUploadState(task)
			task.Touch()
			if _, ok := s.tasks[task.ID]; ok || len(s.tasks) < uploadMemoryCap {
				s.tasks[task.ID] = task
			}
			s.db.Put(task)
			changed = append(changed, task.ID)
		}
	}
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(changed...)
	s.ProcessQueue()
	return changed
}

// RetryTask 重试失败或已取消的任务
func (s *UploadService) RetryTask(id string) error {
	s.mu.Lock()
	task, ok := s.findLocked(id)
	if !ok {
		s.mu.Unlock()
		return sharederrors.NewServiceError(sharederrors.ErrorCodeNotFound, "任务不存在")
	}
	if !task.Status.CanRetry() {
		s.mu.Unlock()
		return sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest,
			fmt.Sprintf("当前状态不可重试: %s", task.Status))
	}
	s.retryLocked(task)
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(id)
	s.ProcessQueue()
	return nil
}

func (s *UploadService) retryLocked(task *entities.Task) {
	task.Status = entities.StatusWaiting
	task.Error = ""
	resetUploadState(task)
	task.RetryCount++
	task.LastRetryTime = entities.NowMillis()
	task.Touch()
	s.tasks[task.ID] = task
	s.db.Put(task)
}

// RetryAllFailed 重试失败任务，albumID非空时仅限该相册，返回重试数量
func (s *UploadService) RetryAllFailed(albumID string) int {
	s.mu.Lock()
	var ids []string
	for _, t := range s.db.All() {
		if t.Status != entities.StatusError {
			continue
		}
		if albumID != "" && t.AlbumID != albumID {
			continue
		}
		task := t
		if w, ok := s.tasks[t.ID]; ok {
			task = w
		}
		s.retryLocked(task)
		ids = append(ids, task.ID)
	}
	if len(ids) > 0 {
		s.db.Save()
	}
	s.mu.Unlock()

	s.notifyChanged(ids...)
	s.ProcessQueue()
	return len(ids)
}

// DeleteTasks 删除任务（硬删除），传输中的先撤销
func (s *UploadService) DeleteTasks(ids ...string) int {
	s.mu.Lock()
	for _, id := range ids {
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
		delete(s.tasks, id)
	}
	removed := s.db.Delete(ids...)
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(ids...)
	s.ProcessQueue()
	return removed
}

// DeleteTasksBySession 删除指定会话的全部任务
func (s *UploadService) DeleteTasksBySession(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	matched := s.db.Filter(func(t *entities.Task) bool {
		return t.SessionID == sessionID
	})
	ids := make([]string, len(matched))
	for i, t := range matched {
		ids[i] = t.ID
	}
	return s.DeleteTasks(ids...)
}

// CancelTasksByAlbum 取消指定相册的未终结任务（落cancelled终态），
// sessionID非空时额外要求会话匹配
func (s *UploadService) CancelTasksByAlbum(albumID, sessionID string) []string {
	s.mu.Lock()
	var ids []string
	for _, t := range s.db.All() {
		if t.AlbumID != albumID || t.Status.IsTerminal() {
			continue
		}
		if sessionID != "" && t.SessionID != sessionID {
			continue
		}
		task := t
		if w, ok := s.tasks[t.ID]; ok {
			task = w
		}
		task.Status = entities.StatusCancelled
		task.Speed = 0
		task.Touch()
		if cancel, ok := s.cancels[task.ID]; ok {
			cancel()
		}
		s.db.Put(task)
		ids = append(ids, task.ID)
	}
	if len(ids) > 0 {
		s.db.Save()
	}
	s.mu.Unlock()

	s.notifyChanged(ids...)
	s.ProcessQueue()
	logger.Info("按相册取消任务", "album", albumID, "session", sessionID, "count", len(ids))
	return ids
}

// ClearCompletedTasks 清除已完成任务，albumID非空时仅限该相册
func (s *UploadService) ClearCompletedTasks(albumID string) int {
	return s.clearByStatus(entities.StatusCompleted, albumID)
}

// ClearCancelledTasks 清除已取消任务，albumID非空时仅限该相册
func (s *UploadService) ClearCancelledTasks(albumID string) int {
	return s.clearByStatus(entities.StatusCancelled, albumID)
}

func (s *UploadService) clearByStatus(status entities.TaskStatus, albumID string) int {
	matched := s.db.Filter(func(t *entities.Task) bool {
		if t.Status != status {
			return false
		}
		return albumID == "" || t.AlbumID == albumID
	})
	ids := make([]string, len(matched))
	for i, t := range matched {
		ids[i] = t.ID
	}
	return s.DeleteTasks(ids...)
}

// GetTask 按ID查询任务快照
func (s *UploadService) GetTask(id string) (*entities.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.findLocked(id)
	if !ok {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeNotFound, "任务不存在")
	}
	return task.Clone(), nil
}

// GetTasks 分页查询任务，status为空时不过滤
func (s *UploadService) GetTasks(page, pageSize int, status entities.TaskStatus) *entities.TaskPage {
	s.mu.Lock()
	all := s.db.All()
	tasks := make([]*entities.Task, 0, len(all))
	for _, t := range all {
		if w, ok := s.tasks[t.ID]; ok {
			t = w.Clone()
		}
		if status != "" && t.Status != status {
			continue
		}
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	entities.SortForDisplay(tasks)
	return paginate(tasks, page, pageSize)
}

// GetTasksBySession 查询指定会话的任务，已取消的不计入
func (s *UploadService) GetTasksBySession(sessionID string) []*entities.Task {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*entities.Task
	for _, t := range s.db.All() {
		if t.SessionID == sessionID && t.Status != entities.StatusCancelled {
			result = append(result, t.Clone())
		}
	}
	return result
}

// GetPendingTasksByAlbum 查询指定相册的未终结任务
func (s *UploadService) GetPendingTasksByAlbum(albumID string) []*entities.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*entities.Task
	for _, t := range s.db.All() {
		if t.AlbumID == albumID && !t.Status.IsTerminal() {
			result = append(result, t.Clone())
		}
	}
	return result
}

// GetAlbumStats 统计指定相册的任务
func (s *UploadService) GetAlbumStats(albumID string) entities.AlbumStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := entities.AlbumStats{AlbumID: albumID}
	var tasks []*entities.Task
	for _, t := range s.db.All() {
		if t.AlbumID == albumID {
			if result.AlbumName == "" {
				result.AlbumName = t.AlbumName
			}
			tasks = append(tasks, t)
		}
	}
	result.Stats = entities.CountStats(tasks)
	return result
}

// GetAlbumsWithStats 按相册聚合统计全部任务
func (s *UploadService) GetAlbumsWithStats() []entities.AlbumStats {
	s.mu.Lock()
	grouped := map[string][]*entities.Task{}
	names := map[string]string{}
	var order []string
	for _, t := range s.db.All() {
		if _, ok := grouped[t.AlbumID]; !ok {
			order = append(order, t.AlbumID)
			names[t.AlbumID] = t.AlbumName
		}
		grouped[t.AlbumID] = append(grouped[t.AlbumID], t)
	}
	s.mu.Unlock()

	result := make([]entities.AlbumStats, 0, len(order))
	for _, albumID := range order {
		result = append(result, entities.AlbumStats{
			AlbumID:   albumID,
			AlbumName: names[albumID],
			Stats:     entities.CountStats(grouped[albumID]),
		})
	}
	return result
}

// GetActiveTasks 返回调度窗口的优先级裁剪视图，传输中的任务必定包含
func (s *UploadService) GetActiveTasks() []*entities.Task {
	s.mu.Lock()
	window := make([]*entities.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		window = append(window, t.Clone())
	}
	s.mu.Unlock()
	return prioritizeAndLimitTasks(window, maxPushedTasks)
}

// RequestTasksPage 显式请求一页任务并经事件通道下发，同时返回该页
func (s *UploadService) RequestTasksPage(page, pageSize int, status entities.TaskStatus) *entities.TaskPage {
	result := s.GetTasks(page, pageSize, status)
	s.mu.Lock()
	pusher := s.pusher
	s.mu.Unlock()
	if pusher != nil {
		pusher.PushTasksPage(result)
	}
	return result
}

// GetStats 统计各状态任务数
func (s *UploadService) GetStats() entities.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entities.CountStats(s.db.All())
}

// GetSettings 返回当前上传设置
func (s *UploadService) GetSettings() UploadSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return UploadSettings{Concurrency: s.concurrency, ChunkSize: s.chunkSize}
}

// SetConcurrency 设置并发上限并立即生效，超出1-5时收敛到边界
func (s *UploadService) SetConcurrency(n int) int {
	n = clampInt(n, uploadMinConcurrency, uploadMaxConcurrency)
	s.mu.Lock()
	s.concurrency = n
	db := s.db
	s.mu.Unlock()

	if err := db.SetSetting(settingConcurrency, n); err != nil {
		logger.Error("保存并发设置失败", "error", err)
	}
	s.ProcessQueue()
	return n
}

// SetManagerOpen 任务管理页开关，透传给推送器
func (s *UploadService) SetManagerOpen(open bool) {
	s.mu.Lock()
	pusher := s.pusher
	s.mu.Unlock()
	if pusher != nil {
		pusher.SetManagerOpen(open)
	}
}

// Flush 立即落盘
func (s *UploadService) Flush() error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	return db.Flush()
}

// Shutdown 软停止全部任务并落盘
func (s *UploadService) Shutdown() error {
	s.mu.Lock()
	s.softStopLocked()
	db := s.db
	s.mu.Unlock()
	return db.Flush()
}

// ProcessQueue 调度等待中的任务占用空闲槽位
func (s *UploadService) ProcessQueue() {
	s.mu.Lock()
	if s.cred.Uin == "" || s.cred.PSkey == "" {
		s.mu.Unlock()
		return
	}
	slots := s.concurrency - len(s.cancels)
	if slots <= 0 {
		s.mu.Unlock()
		return
	}

	if len(s.tasks) < uploadMemoryCap {
		for _, t := range s.db.All() {
			if len(s.tasks) >= uploadMemoryCap {
				break
			}
			if t.Status == entities.StatusWaiting {
				if _, ok := s.tasks[t.ID]; !ok {
					s.tasks[t.ID] = t
				}
			}
		}
	}

	var waiting []*entities.Task
	for _, t := range s.tasks {
		if t.Status == entities.StatusWaiting {
			if _, running := s.cancels[t.ID]; !running {
				waiting = append(waiting, t)
			}
		}
	}
	entities.SortForQueue(waiting)

	var started []string
	for i := 0; i < slots && i < len(waiting); i++ {
		task := waiting[i]
		task.Status = entities.StatusActive
		task.Speed = 0
		task.Progress = 0
		task.Touch()
		s.db.Put(task)
		ctx, cancel := context.WithCancel(context.Background())
		s.cancels[task.ID] = cancel
		started = append(started, task.ID)
		go s.runTask(ctx, task)
	}
	if len(started) > 0 {
		s.db.Save()
	}
	s.mu.Unlock()

	for _, id := range started {
		s.pushProgressDirect(id, true)
	}
	s.notifyChanged(started...)
}

// runTask 执行单个上传任务，结束后释放槽位并延迟触发下一轮调度
func (s *UploadService) runTask(ctx context.Context, task *entities.Task) {
	err := s.upload(ctx, task)

	s.mu.Lock()
	delete(s.cancels, task.ID)
	if err != nil {
		if ctx.Err() != nil {
			// 暂停方已落paused时不覆盖，否则视为取消
			if task.Status != entities.StatusPaused {
				task.Status = entities.StatusCancelled
				task.Touch()
			}
			task.Speed = 0
		} else if !task.Status.IsTerminal() {
			task.Status = entities.StatusError
			task.Error = err.Error()
			task.Speed = 0
			task.Touch()
			logger.Error("上传失败", "task", task.ID, "name", task.Name, "error", err)
		}
	}
	if task.Status.IsTerminal() {
		// 延迟移出调度窗口，让最终状态先推送出去
		id := task.ID
		time.AfterFunc(evictDelay, func() {
			s.mu.Lock()
			delete(s.tasks, id)
			delete(s.progressThrottles, id)
			s.mu.Unlock()
		})
	}
	s.db.Put(task)
	s.db.Save()
	s.mu.Unlock()

	s.pushProgressDirect(task.ID, true)
	s.notifyChanged(task.ID)
	time.AfterFunc(requeueDelay, s.ProcessQueue)
}

// upload 整体上传流程：协商会话后按16KB分片顺序上传
func (s *UploadService) upload(ctx context.Context, task *entities.Task) error {
	s.mu.Lock()
	cred := s.cred
	chunkSize := s.chunkSize
	needInit := task.Session == "" || task.MD5 == ""
	s.mu.Unlock()

	if needInit {
		if err := s.initializeUpload(ctx, task, cred); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(task.FilePath)
	if err != nil {
		return fmt.Errorf("文件已被移动或删除，无法读取: %w", err)
	}

	s.mu.Lock()
	task.Total = int64(len(data))
	session := task.Session
	checksum := task.MD5
	s.mu.Unlock()

	total := int64(len(data))
	var offset int64
	var lastBytes int64
	lastTime := time.Now()
	lastPersisted := 0
	completed := false

	for offset < total {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		end := offset + int64(chunkSize)
		if end > total {
			end = total
		}
		chunk := base64.StdEncoding.EncodeToString(data[offset:end])
		seq := int(offset / int64(chunkSize))

		result, err := s.client.FileUpload(ctx, cred, qzone.ChunkUploadRequest{
			Session:   session,
			Offset:    offset,
			Data:      chunk,
			End:       end,
			Seq:       seq,
			Checksum:  checksum,
			SliceSize: chunkSize,
		})
		if err != nil {
			return err
		}

		offset = end
		now := time.Now()

		s.mu.Lock()
		task.Transferred = offset
		progressChanged := false
		if total > 0 {
			newProgress := int(offset * 100 / total)
			progressChanged = newProgress != task.Progress
			task.Progress = newProgress
		}
		speedUpdated := false
		if elapsed := now.Sub(lastTime); elapsed >= speedInterval {
			task.Speed = (offset - lastBytes) * int64(time.Second) / int64(elapsed)
			lastBytes = offset
			lastTime = now
			speedUpdated = true
		}
		persist := task.Progress >= lastPersisted+uploadPersistStep
		if persist {
			lastPersisted = task.Progress
			s.db.Put(task)
		}
		s.mu.Unlock()

		if persist {
			s.db.Save()
		}
		if progressChanged || speedUpdated {
			s.pushProgressDirect(task.ID, false)
		}

		if result.Completed {
			completed = true
			break
		}
	}

	if !completed && offset < total {
		return fmt.Errorf("上传中断于 %d/%d", offset, total)
	}

	s.mu.Lock()
	task.Progress = 100
	task.Transferred = total
	task.Speed = 0
	task.Status = entities.StatusCompleted
	task.Touch()
	s.mu.Unlock()

	logger.Info("上传完成", "task", task.ID, "name", task.Name, "bytes", total)
	return nil
}

// initializeUpload 计算MD5并协商上传会话，同批次的进度信息一并上报
func (s *UploadService) initializeUpload(ctx context.Context, task *entities.Task, cred qzone.Credentials) error {
	if cred.Uin == "" || cred.PSkey == "" {
		return sharederrors.NewServiceError(sharederrors.ErrorCodeUnauthorized, "用户认证信息不完整")
	}

	info, err := fileutil.GetInfo(task.FilePath)
	if err != nil {
		return sharederrors.NewServiceErrorWithCause(sharederrors.ErrorCodeInvalidRequest,
			"文件已被移动或删除，无法上传", err)
	}

	md5sum, err := fileutil.CalculateMD5(task.FilePath)
	if err != nil {
		return fmt.Errorf("无法计算文件MD5: %w", err)
	}

	s.mu.Lock()
	task.MD5 = md5sum
	task.Total = info.FileSize
	multiPic := s.batchInfoLocked(task)
	req := qzone.BatchControlRequest{
		Checksum:  md5sum,
		FileLen:   info.FileSize,
		AlbumID:   task.AlbumID,
		AlbumName: task.AlbumName,
		Filename:  task.Filename,
		PicTitle:  task.PicTitle,
		PicDesc:   task.PicDesc,
		PicWidth:  task.PicWidth,
		PicHeight: task.PicHeight,
		BatchID:   task.BatchID,
		MultiPic:  multiPic,
	}
	s.mu.Unlock()

	result, err := s.client.FileBatchControl(ctx, cred, req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	task.Session = result.Session
	task.BatchID = result.BatchID
	s.db.Put(task)
	s.mu.Unlock()
	return nil
}

// batchInfoLocked 统计同批次任务的上传进度。
// iCurUpload为批内序号加上已完成和已失败的数量，从1开始
func (s *UploadService) batchInfoLocked(task *entities.Task) *qzone.MultiPicInfo {
	var batch []*entities.Task
	for _, t := range s.db.All() {
		if t.BatchID == task.BatchID {
			batch = append(batch, t)
		}
	}
	completed, failed, index := 0, 0, 0
	for i, t := range batch {
		if t.ID == task.ID {
			index = i
		}
		switch t.Status {
		case entities.StatusCompleted:
			completed++
		case entities.StatusError:
			failed++
		}
	}
	return &qzone.MultiPicInfo{
		BatUploadNum: len(batch),
		CurUpload:    index + 1 + completed + failed,
		SuccNum:      completed,
		FailNum:      failed,
	}
}

// pushProgressDirect 单任务进度直推，绕过推送器的扫描循环。
// immediate为false时经过200ms节流
func (s *UploadService) pushProgressDirect(id string, immediate bool) {
	s.mu.Lock()
	pusher := s.pusher
	task, ok := s.findLocked(id)
	var snapshot *entities.Task
	if ok {
		snapshot = task.Clone()
	}
	var throttle *ratelimit.Throttle
	if !immediate {
		throttle = s.progressThrottles[id]
		if throttle == nil {
			throttle = ratelimit.NewThrottle(directProgressInterval)
			s.progressThrottles[id] = throttle
		}
	}
	s.mu.Unlock()

	if pusher == nil || snapshot == nil {
		return
	}
	publish := func() {
		pusher.sink.Publish("upload:task-progress", snapshot)
	}
	if immediate {
		publish()
		return
	}
	throttle.Do(publish)
}

func (s *UploadService) findLocked(id string) (*entities.Task, bool) {
	if t, ok := s.tasks[id]; ok {
		return t, true
	}
	return s.db.Get(id)
}

func (s *UploadService) notifyChanged(ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	pusher := s.pusher
	s.mu.Unlock()
	if pusher != nil {
		pusher.TriggerUpdate(ids...)
	}
}
