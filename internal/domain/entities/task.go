package entities

import (
	"sort"
	"time"
)

// TaskStatus 传输任务状态
type TaskStatus string

const (
	StatusWaiting   TaskStatus = "waiting"   // 等待调度
	StatusActive    TaskStatus = "active"    // 传输中
	StatusPaused    TaskStatus = "paused"    // 已暂停
	StatusCompleted TaskStatus = "completed" // 已完成
	StatusError     TaskStatus = "error"     // 传输失败
	StatusCancelled TaskStatus = "cancelled" // 已取消
)

// 任务优先级，数值越小越先被调度
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// IsValid 检查状态是否有效
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusPaused, StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断是否为终态（completed/cancelled）
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanPause 判断是否可以暂停
func (s TaskStatus) CanPause() bool {
	return s == StatusActive || s == StatusWaiting
}

// CanResume 判断是否可以恢复
func (s TaskStatus) CanResume() bool {
	return s == StatusPaused
}

// CanRetry 判断是否可以重试
func (s TaskStatus) CanRetry() bool {
	return s == StatusError || s == StatusCancelled
}

// Task 传输任务实体，下载和上传方向共用一套字段，
// 方向专属字段在序列化时按需省略
type Task struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     string     `json:"type"` // image / video / upload
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`    // 0-100
	Transferred int64   `json:"transferred"` // 已传输字节数
	Total    int64      `json:"total"`       // 总字节数，协商前可能为0
	Speed    int64      `json:"speed"`       // 瞬时速度 B/s
	Priority int        `json:"priority"`

	CreateTime   int64  `json:"create_time"` // Unix毫秒
	UpdateTime   int64  `json:"update_time"`
	CompleteTime int64  `json:"complete_time,omitempty"`
	Error        string `json:"error,omitempty"`

	// 下载方向
	URL          string `json:"url,omitempty"`
	Filename     string `json:"filename,omitempty"`
	Directory    string `json:"directory,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`

	// 上传方向
	FilePath      string `json:"file_path,omitempty"`
	PicTitle      string `json:"pic_title,omitempty"`
	PicDesc       string `json:"pic_desc,omitempty"`
	PicWidth      int    `json:"pic_width,omitempty"`
	PicHeight     int    `json:"pic_height,omitempty"`
	BatchID       int64  `json:"batch_id,omitempty"`   // 批次ID，上传协商用
	SessionID     string `json:"session_id,omitempty"` // 会话ID，前端分组用
	Session       string `json:"session,omitempty"`    // 远端分配的上传会话
	MD5           string `json:"md5,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`
	LastRetryTime int64  `json:"last_retry_time,omitempty"`

	// 分组
	AlbumID   string `json:"album_id,omitempty"`
	AlbumName string `json:"album_name,omitempty"`
}

// Touch 更新update_time，首次进入completed时记录complete_time
func (t *Task) Touch() {
	t.UpdateTime = NowMillis()
	if t.Status == StatusCompleted && t.CompleteTime == 0 {
		t.CompleteTime = t.UpdateTime
	}
}

// Clone 返回任务的浅拷贝，用于跨协程推送快照
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// NowMillis 当前Unix毫秒时间戳
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// statusRank 展示用状态优先级：active > waiting > paused > error > completed > cancelled
func statusRank(s TaskStatus) int {
	switch s {
	case StatusActive:
		return 1
	case StatusWaiting:
		return 2
	case StatusPaused:
		return 3
	case StatusError:
		return 4
	case StatusCompleted:
		return 5
	case StatusCancelled:
		return 6
	default:
		return 7
	}
}

// SortForDisplay 按状态优先级排序；active/waiting内部按创建时间正序（先创建先传输），
// 其余状态按创建时间倒序（最新的在前，便于查看）
func SortForDisplay(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		ra, rb := statusRank(a.Status), statusRank(b.Status)
		if ra != rb {
			return ra < rb
		}
		if a.Status == StatusActive || a.Status == StatusWaiting {
			return a.CreateTime < b.CreateTime
		}
		return a.CreateTime > b.CreateTime
	})
}

// SortForQueue 调度用排序：优先级升序，同优先级按创建时间升序
func SortForQueue(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreateTime < b.CreateTime
	})
}

// Stats 各状态任务数统计；Unfinished为waiting+active+paused，驱动角标显示
type Stats struct {
	Total      int `json:"total"`
	Waiting    int `json:"waiting"`
	Active     int `json:"active"`
	Paused     int `json:"paused"`
	Completed  int `json:"completed"`
	Error      int `json:"error"`
	Cancelled  int `json:"cancelled"`
	Unfinished int `json:"unfinished"`
}

// CountStats 扫描任务列表统计各状态数量
func CountStats(tasks []*Task) Stats {
	stats := Stats{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case StatusWaiting:
			stats.Waiting++
		case StatusActive:
			stats.Active++
		case StatusPaused:
			stats.Paused++
		case StatusCompleted:
			stats.Completed++
		case StatusError:
			stats.Error++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	stats.Unfinished = stats.Waiting + stats.Active + stats.Paused
	return stats
}

// DetailedStatus 首页摘要状态
type DetailedStatus struct {
	Active        int    `json:"active"`
	Waiting       int    `json:"waiting"`
	Paused        int    `json:"paused"`
	Total         int    `json:"total"`
	PrimaryStatus string `json:"primary_status"` // idle / paused / active
}

// DetailedStatusOf 由统计信息归纳首页摘要：有活跃或等待任务即为active，
// 否则有暂停任务为paused，全空为idle
func DetailedStatusOf(stats Stats) DetailedStatus {
	primary := "idle"
	if stats.Active+stats.Waiting > 0 {
		primary = "active"
	} else if stats.Paused > 0 {
		primary = "paused"
	}
	return DetailedStatus{
		Active:        stats.Active,
		Waiting:       stats.Waiting,
		Paused:        stats.Paused,
		Total:         stats.Active + stats.Waiting + stats.Paused,
		PrimaryStatus: primary,
	}
}

// TaskChange 任务变更推送项；Deleted为true时为墓碑，仅携带标识字段
type TaskChange struct {
	ID       string `json:"id"`
	AlbumID  string `json:"album_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
	Task     *Task  `json:"task,omitempty"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// TaskPage 分页任务列表
type TaskPage struct {
	Tasks      []*Task    `json:"tasks"`
	Pagination Pagination `json:"pagination"`
}

// AlbumStats 按相册聚合的任务统计
type AlbumStats struct {
	AlbumID   string `json:"album_id"`
	AlbumName string `json:"album_name"`
	Stats
}
