package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aikesi233/qzone-transfer/internal/domain/entities"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
)

const (
	docVersion = "1.0.0"
	// 落盘合并窗口，窗口内的多次Save只产生一次写入
	defaultFlushDelay = 500 * time.Millisecond
)

// document 单用户任务库的磁盘结构
type document struct {
	Version  string                 `json:"version"`
	Owner    string                 `json:"owner"`
	Tasks    []*entities.Task       `json:"tasks"`
	Settings map[string]interface{} `json:"settings"`
}

// Store 基于单个JSON文件的任务库，每个用户一个文件。
// 写入做了合并：Save只标记脏并调度延迟落盘，Flush立即写入。
// 库内任务对象不向外暴露，出入均为克隆，
// 延迟落盘的序列化因此不会与调用方的修改并发
type Store struct {
	mu         sync.Mutex
	path       string
	doc        *document
	dirty      bool
	timer      *time.Timer
	flushDelay time.Duration
}

// Open 打开指定用户的任务库，文件名为 <prefix>_<uin>.json，
// uin为空时使用default。文件缺失或损坏时静默重建为空库
func Open(dir, prefix, uin string) (*Store, error) {
	if uin == "" {
		uin = "default"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", prefix, uin))
	s := &Store{
		path:       path,
		flushDelay: defaultFlushDelay,
		doc: &document{
			Version:  docVersion,
			Owner:    uin,
			Tasks:    []*entities.Task{},
			Settings: map[string]interface{}{},
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("读取任务库失败: %w", err)
		}
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		// 文件损坏时不中断启动，重建空库
		logger.Warn("任务库文件损坏，已重建", "path", path, "error", err)
		return s, nil
	}
	if doc.Tasks == nil {
		doc.Tasks = []*entities.Task{}
	}
	if doc.Settings == nil {
		doc.Settings = map[string]interface{}{}
	}
	doc.Version = docVersion
	doc.Owner = uin
	s.doc = &doc
	return s, nil
}

// Path 返回任务库文件路径
func (s *Store) Path() string {
	return s.path
}

// Owner 返回任务库所属用户
func (s *Store) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Owner
}

// All 返回全部任务的克隆。库内对象不对外暴露，
// 修改后需Put回写才会生效
func (s *Store) All() []*entities.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*entities.Task, len(s.doc.Tasks))
	for i, t := range s.doc.Tasks {
		tasks[i] = t.Clone()
	}
	return tasks
}

// Count 返回任务总数
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Tasks)
}

// Get 按ID查找任务，返回克隆
func (s *Store) Get(id string) (*entities.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.doc.Tasks {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	return nil, false
}

// Put 插入或按ID替换任务。入库的是克隆，
// 调用方之后对task的修改不会进入库内
func (s *Store) Put(task *entities.Task) {
	clone := task.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.doc.Tasks {
		if t.ID == task.ID {
			s.doc.Tasks[i] = clone
			return
		}
	}
	s.doc.Tasks = append(s.doc.Tasks, clone)
}

// Delete 删除指定ID的任务，返回实际删除数量
func (s *Store) Delete(ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.doc.Tasks[:0]
	removed := 0
	for _, t := range s.doc.Tasks {
		if _, ok := idSet[t.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.doc.Tasks = kept
	return removed
}

// Filter 返回满足条件任务的克隆
func (s *Store) Filter(pred func(*entities.Task) bool) []*entities.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*entities.Task
	for _, t := range s.doc.Tasks {
		if pred(t) {
			result = append(result, t.Clone())
		}
	}
	return result
}

// ReplaceAll 整体替换任务列表
func (s *Store) ReplaceAll(tasks []*entities.Task) {
	cloned := make([]*entities.Task, len(tasks))
	for i, t := range tasks {
		cloned[i] = t.Clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Tasks = cloned
}

// GetSetting 读取用户级设置
func (s *Store) GetSetting(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.doc.Settings[key]
	return v, ok
}

// GetSettingInt 读取整型设置，缺失或类型不符时返回默认值。
// JSON反序列化的数字为float64，这里统一转换
func (s *Store) GetSettingInt(key string, def int) int {
	v, ok := s.GetSetting(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// GetSettingBool 读取布尔设置，缺失或类型不符时返回默认值
func (s *Store) GetSettingBool(key string, def bool) bool {
	v, ok := s.GetSetting(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// GetSettingString 读取字符串设置，缺失或类型不符时返回默认值
func (s *Store) GetSettingString(key string, def string) string {
	v, ok := s.GetSetting(key)
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok {
		return def
	}
	return str
}

// SetSetting 写入用户级设置并立即落盘
func (s *Store) SetSetting(key string, value interface{}) error {
	s.mu.Lock()
	s.doc.Settings[key] = value
	s.dirty = true
	s.mu.Unlock()
	return s.Flush()
}

// Save 标记脏并调度延迟落盘，合并窗口内的重复调用
func (s *Store) Save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.flushDelay, func() {
		if err := s.Flush(); err != nil {
			logger.Error("任务库落盘失败", "path", s.path, "error", err)
		}
	})
}

// Flush 立即落盘，取消未触发的延迟写入。无脏数据时直接返回
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("序列化任务库失败: %w", err)
	}
	s.dirty = false
	path := s.path
	s.mu.Unlock()

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入任务库失败: %w", err)
	}
	return nil
}

// Close 关闭任务库，写出未落盘的数据
func (s *Store) Close() error {
	return s.Flush()
}
