package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aikesi233/qzone-transfer/internal/domain/entities"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/config"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/qzone"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/store"
	sharederrors "github.com/aikesi233/qzone-transfer/internal/shared/errors"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
	fileutil "github.com/aikesi233/qzone-transfer/pkg/utils/file"
)

const (
	downloadStorePrefix = "download"
	downloadMemoryCap   = 1000

	downloadMinConcurrency = 1
	downloadMaxConcurrency = 10

	// 传输过程中的刷新间隔
	speedInterval    = 500 * time.Millisecond
	progressInterval = 200 * time.Millisecond

	// 下载每推进5%持久化一次
	downloadPersistStep = 5

	// 槽位释放后延迟调度，让状态写入先完成
	requeueDelay = 100 * time.Millisecond

	copyBufferSize = 32 * 1024
)

// 用户级设置键
const (
	settingConcurrency     = "concurrency"
	settingDownloadDir     = "download_dir"
	settingReplaceExisting = "replace_existing"
)

// DownloadRequest 新建下载任务参数
type DownloadRequest struct {
	URL          string `json:"url" binding:"required"`
	Filename     string `json:"filename"`
	Directory    string `json:"directory"`
	Type         string `json:"type"`
	Priority     int    `json:"priority"`
	AlbumID      string `json:"album_id"`
	AlbumName    string `json:"album_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// AlbumInfo 相册元数据
type AlbumInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PhotoExif 照片EXIF信息中本引擎关心的字段
type PhotoExif struct {
	OriginalTime string `json:"originalTime"`
}

// AlbumPhoto 相册照片元数据，字段与QZone相册接口的返回对齐
type AlbumPhoto struct {
	ID           string     `json:"id"`
	LLoc         string     `json:"lloc"`
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	Raw          string     `json:"raw"`
	Pre          string     `json:"pre"`
	Size         int64      `json:"size"`
	IsVideo      bool       `json:"is_video"`
	ModifyTime   int64      `json:"modifytime"`
	RawShootTime string     `json:"rawshoottime"`
	ShootTime    string     `json:"shoottime"`
	Exif         *PhotoExif `json:"exif"`
}

// DownloadSettings 下载设置快照
type DownloadSettings struct {
	Concurrency     int    `json:"concurrency"`
	DownloadDir     string `json:"download_dir"`
	ReplaceExisting bool   `json:"replace_existing"`
}

// DownloadService 下载队列引擎。任务全量存于用户任务库，
// 内存中维护一个未完成任务的调度窗口，按并发上限拉起传输协程
type DownloadService struct {
	mu sync.Mutex

	cfg    *config.Config
	client *qzone.Client
	db     *store.Store
	pusher *EventPusher

	uin  string
	cred qzone.Credentials

	tasks   map[string]*entities.Task // 调度窗口
	cancels map[string]context.CancelFunc

	concurrency     int
	downloadDir     string
	replaceExisting bool
}

// NewDownloadService 创建下载服务并打开默认用户的任务库
func NewDownloadService(cfg *config.Config, client *qzone.Client) (*DownloadService, error) {
	s := &DownloadService{
		cfg:     cfg,
		client:  client,
		tasks:   map[string]*entities.Task{},
		cancels: map[string]context.CancelFunc{},
	}
	if err := s.SetUser(""); err != nil {
		return nil, err
	}
	return s, nil
}

// BindPusher 绑定事件推送器
func (s *DownloadService) BindPusher(p *EventPusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pusher = p
}

// SnapshotTasks 返回全量任务的克隆，供推送器使用。
// 窗口内对象携带最新进度，优先于库内的合并写入视图
func (s *DownloadService) SnapshotTasks() []*entities.Task {
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
func (s *DownloadService) SetCredentials(cred qzone.Credentials) error {
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return s.SetUser(cred.Uin)
}

// SetUser 切换当前用户。相同用户时为空操作；
// 切换前落盘并软停止全部任务，之后换库、恢复异常状态并重载设置
func (s *DownloadService) SetUser(uin string) error {
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

	db, err := store.Open(s.cfg.Data.Dir, downloadStorePrefix, uin)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.db = db

	// 上次运行异常退出时留下的active状态回退为waiting
	for _, t := range db.All() {
		if t.Status == entities.StatusActive {
			t.Status = entities.StatusWaiting
			t.Speed = 0
			t.Touch()
			db.Put(t)
			db.Save()
		}
	}

	s.concurrency = clampInt(db.GetSettingInt(settingConcurrency, s.cfg.Download.Concurrency),
		downloadMinConcurrency, downloadMaxConcurrency)
	s.downloadDir = db.GetSettingString(settingDownloadDir, s.cfg.Download.Dir)
	s.replaceExisting = db.GetSettingBool(settingReplaceExisting, s.cfg.Download.ReplaceExisting)

	s.loadWindowLocked()
	pusher := s.pusher
	s.mu.Unlock()

	if pusher != nil {
		pusher.TriggerUpdate()
	}
	logger.Info("下载任务库已切换", "uin", displayUin(uin), "tasks", db.Count())
	return nil
}

// loadWindowLocked 把未终结任务装入调度窗口，窗口有容量上限
func (s *DownloadService) loadWindowLocked() {
	for _, t := range s.db.All() {
		if len(s.tasks) >= downloadMemoryCap {
			break
		}
		if !t.Status.IsTerminal() {
			s.tasks[t.ID] = t
		}
	}
}

// softStopLocked 软停止：传输中和等待中的任务全部转为paused
func (s *DownloadService) softStopLocked() {
	for id, cancel := range s.cancels {
		if t, ok := s.tasks[id]; ok && t.Status == entities.StatusActive {
			t.Status = entities.StatusPaused
			t.Speed = 0
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

// AddTask 新建下载任务。同URL同文件名的未终结任务视为重复，返回已有任务
func (s *DownloadService) AddTask(req DownloadRequest) (*entities.Task, error) {
	if req.URL == "" {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest, "下载地址不能为空")
	}

	filename := fileutil.SanitizeFilename(req.Filename)
	taskType := req.Type
	if taskType == "" {
		if fileutil.IsVideoFile(filename) {
			taskType = "video"
		} else {
			taskType = "image"
		}
	}
	priority := req.Priority
	if priority == 0 {
		priority = entities.PriorityNormal
	}

	s.mu.Lock()
	for _, t := range s.db.All() {
		if t.URL == req.URL && t.Filename == filename && !t.Status.IsTerminal() {
			dup := t.Clone()
			s.mu.Unlock()
			return dup, nil
		}
	}

	task := &entities.Task{
		ID:           uuid.New().String(),
		Name:         filename,
		Type:         taskType,
		Status:       entities.StatusWaiting,
		Priority:     priority,
		CreateTime:   entities.NowMillis(),
		UpdateTime:   entities.NowMillis(),
		URL:          req.URL,
		Filename:     filename,
		Directory:    req.Directory,
		ThumbnailURL: req.ThumbnailURL,
		AlbumID:      req.AlbumID,
		AlbumName:    req.AlbumName,
	}
	s.db.Put(task)
	if len(s.tasks) < downloadMemoryCap {
		s.tasks[task.ID] = task
	}
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(task.ID)
	s.ProcessQueue()
	return task.Clone(), nil
}

// 批量入队的分块大小，块间让出避免长时间压住调度
const addBatchChunk = 1000

// AddBatchTasks 批量新建下载任务，重复任务被跳过计入skipped
func (s *DownloadService) AddBatchTasks(reqs []DownloadRequest) (added []*entities.Task, skipped int, err error) {
	for i, req := range reqs {
		if i > 0 && i%addBatchChunk == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		before := s.db.Count()
		task, addErr := s.AddTask(req)
		if addErr != nil {
			return added, skipped, addErr
		}
		if s.db.Count() == before {
			skipped++
			continue
		}
		added = append(added, task)
	}
	return added, skipped, nil
}

// AddAlbumTasks 批量添加整个相册的下载任务。
// 相册目录为 下载目录/用户/相册名，照片按块入库，块间让出
func (s *DownloadService) AddAlbumTasks(album AlbumInfo, photos []AlbumPhoto) ([]string, error) {
	if len(photos) == 0 {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest, "照片列表不能为空")
	}

	s.mu.Lock()
	uin := s.uin
	baseDir := s.downloadDir
	s.mu.Unlock()

	if uin == "" {
		uin = "unknown"
	}
	albumName := album.Name
	if albumName == "" {
		albumName = "未命名相册"
	}
	albumDir := filepath.Join(baseDir,
		fileutil.SanitizeFilename(uin), fileutil.SanitizeFilename(albumName))
	albumID := album.ID
	if albumID == "" {
		albumID = album.Name
	}

	ids := make([]string, 0, len(photos))
	for start := 0; start < len(photos); start += addBatchChunk {
		end := start + addBatchChunk
		if end > len(photos) {
			end = len(photos)
		}

		batchIDs := make([]string, 0, end-start)
		s.mu.Lock()
		for _, p := range photos[start:end] {
			url := p.Raw
			if url == "" {
				url = p.URL
			}
			if url == "" {
				url = p.Pre
			}
			thumb := p.Pre
			if thumb == "" {
				thumb = p.URL
			}
			taskType := "image"
			if p.IsVideo {
				taskType = "video"
			}
			filename := photoFilename(p)
			now := entities.NowMillis()
			task := &entities.Task{
				ID:           uuid.New().String(),
				Name:         filename,
				Type:         taskType,
				Status:       entities.StatusWaiting,
				Priority:     entities.PriorityNormal,
				CreateTime:   now,
				UpdateTime:   now,
				URL:          url,
				Filename:     filename,
				Directory:    albumDir,
				ThumbnailURL: thumb,
				AlbumID:      albumID,
				AlbumName:    album.Name,
				Total:        p.Size,
			}
			s.db.Put(task)
			if len(s.tasks) < downloadMemoryCap {
				s.tasks[task.ID] = task
			}
			batchIDs = append(batchIDs, task.ID)
		}
		s.db.Save()
		s.mu.Unlock()

		ids = append(ids, batchIDs...)
		s.notifyChanged(batchIDs...)
		if end < len(photos) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	s.ProcessQueue()
	logger.Info("相册任务已入队", "album", albumName, "count", len(ids))
	return ids, nil
}

// photoDateName 形如2023-05-01的照片名，可兜底提取日期
var photoDateName = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// photoFilename 生成相册照片的落盘文件名：日期_时间_名称_唯一ID.扩展名。
// lloc是最可靠的唯一标识，照片名可能重复
func photoFilename(p AlbumPhoto) string {
	uniqueID := p.LLoc
	if uniqueID == "" {
		uniqueID = p.ID
	}
	if uniqueID == "" {
		uniqueID = fmt.Sprintf("%d", entities.NowMillis())
	}

	var dateStr, timeStr string
	if t, ok := photoTime(p); ok {
		dateStr = t.UTC().Format("20060102")
		timeStr = t.UTC().Format("150405")
	} else if photoDateName.MatchString(p.Name) {
		dateStr = strings.ReplaceAll(p.Name, "-", "")
		timeStr = "000000"
	}

	ext := ".jpg"
	if p.IsVideo {
		ext = ".mp4"
	}
	baseName := p.Name
	if baseName == "" {
		baseName = "photo_" + uniqueID
	}
	return fmt.Sprintf("%s_%s_%s_%s%s", dateStr, timeStr,
		fileutil.SanitizeFilename(baseName), fileutil.SanitizeFilename(uniqueID), ext)
}

// photoTime 提取照片时间，优先级：EXIF拍摄时间 > 修改时间 > 拍摄时间字段
func photoTime(p AlbumPhoto) (time.Time, bool) {
	if p.Exif != nil && p.Exif.OriginalTime != "" {
		if t, err := time.Parse("2006:01:02 15:04:05", p.Exif.OriginalTime); err == nil {
			return t, true
		}
	}
	if p.ModifyTime > 0 {
		return time.Unix(p.ModifyTime, 0), true
	}
	shoot := p.RawShootTime
	if shoot == "" {
		shoot = p.ShootTime
	}
	if shoot != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", shoot); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// PauseTask 暂停任务。暂停优先于取消：先落状态再撤销传输协程
func (s *DownloadService) PauseTask(id string) error {
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
	task.Status = entities.StatusPaused
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

// ResumeTask 恢复暂停的任务。下载不支持断点续传，恢复后从头传输；
// 进度已满且目标文件仍在时直接判定完成。
// 已在排队或传输中的任务重复恢复是空操作
func (s *DownloadService) ResumeTask(id string) error {
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

	if task.Progress == 100 && fileutil.Exists(s.targetPathLocked(task)) {
		task.Status = entities.StatusCompleted
		task.Touch()
		s.db.Put(task)
		s.db.Save()
		s.mu.Unlock()
		s.notifyChanged(id)
		return nil
	}

	task.Status = entities.StatusWaiting
	task.Error = ""
	task.Touch()
	s.tasks[task.ID] = task
	s.db.Put(task)
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(id)
	s.ProcessQueue()
	return nil
}

// CancelTask 取消单个任务，终态任务不可取消
func (s *DownloadService) CancelTask(id string) error {
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
func (s *DownloadService) PauseAll() []string {
	s.mu.Lock()
	var changed []string
	for _, t := range s.db.All() {
		if !t.Status.CanPause() {
			continue
		}
		// 优先改窗口内对象，传输协程看到的状态才会同步变化
		task := t
		if w, ok := s.tasks[t.ID]; ok {
			task = w
		}
		task.Status = entities.StatusPaused
		task.Speed = 0
		task.Touch()
		s.db.Put(task)
		changed = append(changed, task.ID)
	}
	for _, cancel := range s.cancels {
		cancel()
	}
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(changed...)
	return changed
}

// CancelAll 停止队列。与单个取消不同，这里不落cancelled终态，
// 统一降级为paused，便于之后整体恢复
func (s *DownloadService) CancelAll() []string {
	return s.PauseAll()
}

// ResumeAll 恢复全部已暂停的任务
func (s *DownloadService) ResumeAll() []string {
	s.mu.Lock()
	var changed []string
	for _, t := range s.db.All() {
		if t.Status != entities.StatusPaused {
			continue
		}
		task := t
		if w, ok := s.tasks[t.ID]; ok {
			task = w
		}
		task.Status = entities.StatusWaiting
		task.Touch()
		if _, ok := s.tasks[task.ID]; ok || len(s.tasks) < downloadMemoryCap {
			s.tasks[task.ID] = task
		}
		s.db.Put(task)
		changed = append(changed, task.ID)
	}
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(changed...)
	s.ProcessQueue()
	return changed
}

// RetryTask 重试失败或已取消的任务
func (s *DownloadService) RetryTask(id string) error {
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
	task.Status = entities.StatusWaiting
	task.Error = ""
	task.Progress = 0
	task.Transferred = 0
	task.Speed = 0
	task.RetryCount++
	task.LastRetryTime = entities.NowMillis()
	task.Touch()
	s.tasks[task.ID] = task
	s.db.Put(task)
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(id)
	s.ProcessQueue()
	return nil
}

// DeleteTasks 删除任务（硬删除），传输中的先撤销
func (s *DownloadService) DeleteTasks(ids ...string) int {
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

// DeleteTask 删除单个任务，deleteFile为true时连同已下载的文件一起删除（尽力而为）
func (s *DownloadService) DeleteTask(id string, deleteFile bool) int {
	if deleteFile {
		s.mu.Lock()
		var target string
		if task, ok := s.findLocked(id); ok {
			target = s.targetPathLocked(task)
		}
		s.mu.Unlock()
		if target != "" {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				logger.Warn("删除下载文件失败", "path", target, "error", err)
			}
		}
	}
	return s.DeleteTasks(id)
}

// ClearAllTasks 清空任务列表：软停止队列后删除全部任务
func (s *DownloadService) ClearAllTasks() int {
	s.mu.Lock()
	s.softStopLocked()
	all := s.db.All()
	ids := make([]string, len(all))
	for i, t := range all {
		ids[i] = t.ID
	}
	s.mu.Unlock()
	return s.DeleteTasks(ids...)
}

// ClearCompleted 清除全部已完成任务，返回删除数量
func (s *DownloadService) ClearCompleted() int {
	completed := s.db.Filter(func(t *entities.Task) bool {
		return t.Status == entities.StatusCompleted
	})
	ids := make([]string, len(completed))
	for i, t := range completed {
		ids[i] = t.ID
	}
	return s.DeleteTasks(ids...)
}

// GetTask 按ID查询任务快照
func (s *DownloadService) GetTask(id string) (*entities.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.findLocked(id)
	if !ok {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeNotFound, "任务不存在")
	}
	return task.Clone(), nil
}

// GetTasks 分页查询任务，status为空时不过滤。结果按展示优先级排序
func (s *DownloadService) GetTasks(page, pageSize int, status entities.TaskStatus) *entities.TaskPage {
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

// GetActiveTasks 返回调度窗口的优先级裁剪视图，传输中的任务必定包含
func (s *DownloadService) GetActiveTasks() []*entities.Task {
	s.mu.Lock()
	window := make([]*entities.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		window = append(window, t.Clone())
	}
	s.mu.Unlock()
	return prioritizeAndLimitTasks(window, maxPushedTasks)
}

// RequestTasksPage 显式请求一页任务并经事件通道下发，同时返回该页
func (s *DownloadService) RequestTasksPage(page, pageSize int, status entities.TaskStatus) *entities.TaskPage {
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
func (s *DownloadService) GetStats() entities.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entities.CountStats(s.db.All())
}

// GetSettings 返回当前下载设置
func (s *DownloadService) GetSettings() DownloadSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DownloadSettings{
		Concurrency:     s.concurrency,
		DownloadDir:     s.downloadDir,
		ReplaceExisting: s.replaceExisting,
	}
}

// SetConcurrency 设置并发上限并立即生效，超出1-10时收敛到边界
func (s *DownloadService) SetConcurrency(n int) int {
	n = clampInt(n, downloadMinConcurrency, downloadMaxConcurrency)
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

// SetDownloadDir 设置默认下载目录
func (s *DownloadService) SetDownloadDir(dir string) error {
	if dir == "" {
		return sharederrors.NewServiceError(sharederrors.ErrorCodeInvalidRequest, "下载目录不能为空")
	}
	s.mu.Lock()
	s.downloadDir = dir
	db := s.db
	s.mu.Unlock()
	return db.SetSetting(settingDownloadDir, dir)
}

// SetReplaceExisting 设置目标文件已存在时的处理策略
func (s *DownloadService) SetReplaceExisting(replace bool) error {
	s.mu.Lock()
	s.replaceExisting = replace
	db := s.db
	s.mu.Unlock()
	return db.SetSetting(settingReplaceExisting, replace)
}

// SetManagerOpen 任务管理页开关，透传给推送器
func (s *DownloadService) SetManagerOpen(open bool) {
	s.mu.Lock()
	pusher := s.pusher
	s.mu.Unlock()
	if pusher != nil {
		pusher.SetManagerOpen(open)
	}
}

// Flush 立即落盘
func (s *DownloadService) Flush() error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	return db.Flush()
}

// Shutdown 软停止全部任务并落盘
func (s *DownloadService) Shutdown() error {
	s.mu.Lock()
	s.softStopLocked()
	db := s.db
	s.mu.Unlock()
	return db.Flush()
}

// ProcessQueue 调度等待中的任务占用空闲槽位
func (s *DownloadService) ProcessQueue() {
	s.mu.Lock()
	slots := s.concurrency - len(s.cancels)
	if slots <= 0 {
		s.mu.Unlock()
		return
	}

	s.backfillWindowLocked()

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

	s.notifyChanged(started...)
}

// backfillWindowLocked 调度窗口未满时从任务库补充等待中的任务
func (s *DownloadService) backfillWindowLocked() {
	if len(s.tasks) >= downloadMemoryCap {
		return
	}
	for _, t := range s.db.All() {
		if len(s.tasks) >= downloadMemoryCap {
			return
		}
		if t.Status == entities.StatusWaiting {
			if _, ok := s.tasks[t.ID]; !ok {
				s.tasks[t.ID] = t
			}
		}
	}
}

// runTask 执行单个下载任务，结束后释放槽位并延迟触发下一轮调度
func (s *DownloadService) runTask(ctx context.Context, task *entities.Task) {
	err := s.transfer(ctx, task)

	s.mu.Lock()
	delete(s.cancels, task.ID)
	if err != nil {
		if ctx.Err() != nil {
			// 被暂停或取消撤销，状态已由操作方落好，
			// 这里只清理残缺文件和速度
			task.Speed = 0
			task.Progress = 0
			task.Transferred = 0
		} else if !task.Status.IsTerminal() {
			task.Status = entities.StatusError
			task.Error = err.Error()
			task.Speed = 0
			task.Touch()
			logger.Error("下载失败", "task", task.ID, "name", task.Name, "error", err)
		}
	}
	if task.Status.IsTerminal() {
		delete(s.tasks, task.ID)
	}
	s.db.Put(task)
	s.db.Save()
	s.mu.Unlock()

	s.notifyChanged(task.ID)
	time.AfterFunc(requeueDelay, s.ProcessQueue)
}

func (s *DownloadService) targetPathLocked(task *entities.Task) string {
	dir := task.Directory
	if dir == "" {
		dir = s.downloadDir
	}
	return filepath.Join(dir, fileutil.SanitizeFilename(task.Filename))
}

// transfer 实际传输。返回错误时由调用方决定终态
func (s *DownloadService) transfer(ctx context.Context, task *entities.Task) error {
	s.mu.Lock()
	target := s.targetPathLocked(task)
	replace := s.replaceExisting
	cred := s.cred
	task.Progress = 0
	task.Transferred = 0
	task.Speed = 0
	s.mu.Unlock()

	if fileutil.Exists(target) {
		if !replace {
			// 目标已存在且不替换，直接判定完成
			s.mu.Lock()
			info, _ := fileutil.GetInfo(target)
			if info != nil {
				task.Total = info.FileSize
				task.Transferred = info.FileSize
			}
			task.Progress = 100
			task.Status = entities.StatusCompleted
			task.Touch()
			s.mu.Unlock()
			return nil
		}
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("删除已有文件失败: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("创建下载目录失败: %w", err)
	}

	body, total, err := s.client.FetchResource(ctx, task.URL, cred)
	if err != nil {
		return err
	}
	defer body.Close()

	s.mu.Lock()
	if total > 0 {
		task.Total = total
	}
	s.mu.Unlock()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}

	removePartial := func() {
		out.Close()
		os.Remove(target)
	}

	buf := make([]byte, copyBufferSize)
	var transferred int64
	var lastSpeedBytes int64
	lastSpeedAt := time.Now()
	lastProgressAt := time.Time{}
	lastPersisted := 0

	for {
		if ctx.Err() != nil {
			removePartial()
			return ctx.Err()
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				removePartial()
				return fmt.Errorf("写入文件失败: %w", writeErr)
			}
			transferred += int64(n)

			now := time.Now()
			s.mu.Lock()
			if now.Sub(lastProgressAt) >= progressInterval {
				lastProgressAt = now
				task.Transferred = transferred
				if task.Total > 0 {
					// 响应声明的长度可能小于实际字节数，进度封顶100
					progress := int(transferred * 100 / task.Total)
					if progress > 100 {
						progress = 100
					}
					task.Progress = progress
				}
			}
			if elapsed := now.Sub(lastSpeedAt); elapsed >= speedInterval {
				task.Speed = (transferred - lastSpeedBytes) * int64(time.Second) / int64(elapsed)
				lastSpeedBytes = transferred
				lastSpeedAt = now
			}
			persist := task.Progress >= lastPersisted+downloadPersistStep
			if persist {
				lastPersisted = task.Progress
				s.db.Put(task)
			}
			s.mu.Unlock()

			if persist {
				s.db.Save()
				s.notifyChanged(task.ID)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			removePartial()
			return fmt.Errorf("读取响应失败: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(target)
		return fmt.Errorf("关闭文件失败: %w", err)
	}

	s.mu.Lock()
	task.Transferred = transferred
	if task.Total == 0 {
		task.Total = transferred
	}
	task.Progress = 100
	task.Speed = 0
	task.Status = entities.StatusCompleted
	task.Touch()
	s.mu.Unlock()

	logger.Info("下载完成", "task", task.ID, "name", task.Name, "bytes", transferred)
	return nil
}

// findLocked 先查调度窗口，再查任务库
func (s *DownloadService) findLocked(id string) (*entities.Task, bool) {
	if t, ok := s.tasks[id]; ok {
		return t, true
	}
	return s.db.Get(id)
}

func (s *DownloadService) notifyChanged(ids ...string) {
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

func clampInt(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func paginate(tasks []*entities.Task, page, pageSize int) *entities.TaskPage {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	total := len(tasks)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &entities.TaskPage{
		Tasks: tasks[start:end],
		Pagination: entities.Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
		},
	}
}

// displayUin 日志展示用，未登录时显示default
func displayUin(uin string) string {
	if uin == "" {
		return "default"
	}
	return uin
}
