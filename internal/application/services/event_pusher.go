package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aikesi233/qzone-transfer/internal/domain/entities"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/ratelimit"
)

// EventSink 事件出口，由接口层实现（SSE广播等）
type EventSink interface {
	Publish(event string, payload interface{})
}

// TaskSource 推送器的数据源，返回的任务必须是快照，
// 推送器不持有源的锁
type TaskSource interface {
	SnapshotTasks() []*entities.Task
}

const (
	// 各推送通道的节流窗口
	activeCountInterval    = 100 * time.Millisecond
	detailedStatusInterval = 200 * time.Millisecond
	statsInterval          = 500 * time.Millisecond
	activeTasksInterval    = 300 * time.Millisecond
	changedTasksInterval   = 200 * time.Millisecond

	// 变更批量推送的分批大小和批间延迟
	changeBatchSize    = 20
	changeBatchStagger = 50 * time.Millisecond

	// 活跃任务列表单次推送上限
	maxPushedTasks = 100

	// 扫描循环间隔：有传输或待推变更时用活跃间隔
	sweepIdleInterval   = 2000 * time.Millisecond
	sweepActiveInterval = 200 * time.Millisecond
)

// EventPusher 多级节流的差量事件推送器。
// 轻量通道（角标计数、摘要状态）始终推送；
// 重量通道（统计、活跃任务列表）仅在任务管理页打开时推送；
// 变更任务按快照去重后分批推送，消失的任务以墓碑下发
type EventPusher struct {
	prefix string
	source TaskSource
	sink   EventSink

	mu          sync.Mutex
	managerOpen bool
	changed     map[string]struct{}
	snapshots   map[string]string         // id -> 上次推送的快照串
	lastMeta    map[string]*entities.Task // 墓碑所需的最后已知元数据
	lastCount   int
	lastStatus  string
	lastStats   string
	lastActive  string

	countThrottle   *ratelimit.Throttle
	statusThrottle  *ratelimit.Throttle
	statsThrottle   *ratelimit.Throttle
	tasksThrottle   *ratelimit.Throttle
	changesThrottle *ratelimit.Throttle

	stopCh chan struct{}
	kickCh chan struct{}
	wg     sync.WaitGroup
}

// NewEventPusher 创建推送器，prefix为事件名前缀（download/upload）
func NewEventPusher(prefix string, source TaskSource, sink EventSink) *EventPusher {
	return &EventPusher{
		prefix:          prefix,
		source:          source,
		sink:            sink,
		changed:         map[string]struct{}{},
		snapshots:       map[string]string{},
		lastMeta:        map[string]*entities.Task{},
		lastCount:       -1,
		countThrottle:   ratelimit.NewThrottle(activeCountInterval),
		statusThrottle:  ratelimit.NewThrottle(detailedStatusInterval),
		statsThrottle:   ratelimit.NewThrottle(statsInterval),
		tasksThrottle:   ratelimit.NewThrottle(activeTasksInterval),
		changesThrottle: ratelimit.NewThrottle(changedTasksInterval),
		stopCh:          make(chan struct{}),
		kickCh:          make(chan struct{}, 1),
	}
}

// Start 启动扫描循环
func (p *EventPusher) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
}

// Stop 停止扫描循环，丢弃未推送的变更
func (p *EventPusher) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.countThrottle.Cancel()
	p.statusThrottle.Cancel()
	p.statsThrottle.Cancel()
	p.tasksThrottle.Cancel()
	p.changesThrottle.Cancel()
}

// SetManagerOpen 标记任务管理页开关状态，打开时清空去重缓存并立即全量推送
func (p *EventPusher) SetManagerOpen(open bool) {
	p.mu.Lock()
	p.managerOpen = open
	if open {
		p.lastStats = ""
		p.lastActive = ""
		p.lastCount = -1
		p.lastStatus = ""
	}
	p.mu.Unlock()
	if open {
		p.push()
	}
}

// TriggerUpdate 登记任务变更。不带参数表示全量刷新（如用户切换），
// 会清空去重缓存并把当前全部任务标记为变更
func (p *EventPusher) TriggerUpdate(changedIDs ...string) {
	p.mu.Lock()
	if len(changedIDs) == 0 {
		p.snapshots = map[string]string{}
		p.lastCount = -1
		p.lastStatus = ""
		p.lastStats = ""
		p.lastActive = ""
		for id := range p.lastMeta {
			p.changed[id] = struct{}{}
		}
	}
	for _, id := range changedIDs {
		p.changed[id] = struct{}{}
	}
	p.mu.Unlock()
	p.kick()
}

// PushTasksPage 响应显式的分页请求，直接下发不参与节流去重
func (p *EventPusher) PushTasksPage(page *entities.TaskPage) {
	p.sink.Publish(p.prefix+":tasks-page", page)
}

// kick 唤醒扫描循环尽快处理
func (p *EventPusher) kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

func (p *EventPusher) sweepLoop() {
	defer p.wg.Done()
	timer := time.NewTimer(sweepIdleInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.kickCh:
		case <-timer.C:
		}

		active := p.push()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if active {
			timer.Reset(sweepActiveInterval)
		} else {
			timer.Reset(sweepIdleInterval)
		}
	}
}

// push 执行一轮推送，返回是否仍处于活跃状态（有传输中任务或待推变更）
func (p *EventPusher) push() bool {
	tasks := p.source.SnapshotTasks()
	stats := entities.CountStats(tasks)

	p.mu.Lock()
	for _, t := range tasks {
		p.lastMeta[t.ID] = t
	}
	managerOpen := p.managerOpen
	p.mu.Unlock()

	p.pushActiveCount(stats)
	p.pushDetailedStatus(stats)
	if managerOpen {
		p.pushStats(stats)
		p.pushActiveTasks(tasks)
	}
	p.pushChanges()

	p.mu.Lock()
	pending := len(p.changed) > 0
	p.mu.Unlock()
	return stats.Active > 0 || pending
}

func (p *EventPusher) pushActiveCount(stats entities.Stats) {
	p.mu.Lock()
	if stats.Unfinished == p.lastCount {
		p.mu.Unlock()
		return
	}
	p.lastCount = stats.Unfinished
	p.mu.Unlock()

	count := stats.Unfinished
	p.countThrottle.Do(func() {
		p.sink.Publish(p.prefix+":active-count", map[string]interface{}{"count": count})
	})
}

func (p *EventPusher) pushDetailedStatus(stats entities.Stats) {
	status := entities.DetailedStatusOf(stats)
	key := fmt.Sprintf("%d:%d:%d:%s", status.Active, status.Waiting, status.Paused, status.PrimaryStatus)

	p.mu.Lock()
	if key == p.lastStatus {
		p.mu.Unlock()
		return
	}
	p.lastStatus = key
	p.mu.Unlock()

	p.statusThrottle.Do(func() {
		p.sink.Publish(p.prefix+":status-update", status)
	})
}

func (p *EventPusher) pushStats(stats entities.Stats) {
	key := fmt.Sprintf("%+v", stats)

	p.mu.Lock()
	if key == p.lastStats {
		p.mu.Unlock()
		return
	}
	p.lastStats = key
	p.mu.Unlock()

	p.statsThrottle.Do(func() {
		p.sink.Publish(p.prefix+":stats-update", stats)
	})
}

func (p *EventPusher) pushActiveTasks(tasks []*entities.Task) {
	limited := prioritizeAndLimitTasks(tasks, maxPushedTasks)

	parts := make([]string, len(limited))
	for i, t := range limited {
		parts[i] = taskSnapshot(t)
	}
	key := strings.Join(parts, "|")

	p.mu.Lock()
	if key == p.lastActive {
		p.mu.Unlock()
		return
	}
	p.lastActive = key
	p.mu.Unlock()

	p.tasksThrottle.Do(func() {
		p.sink.Publish(p.prefix+":active-tasks", map[string]interface{}{
			"tasks": limited,
			"total": len(tasks),
		})
	})
}

// pushChanges 调度一次变更推送。变更集在节流回调触发时才结算，
// 被节流窗口吞掉的调用登记的变更会累积到下一次触发，不会丢失
func (p *EventPusher) pushChanges() {
	p.mu.Lock()
	pending := len(p.changed) > 0
	p.mu.Unlock()
	if !pending {
		return
	}
	p.changesThrottle.Do(p.flushChanges)
}

// flushChanges 在触发时刻重取快照并消费变更集
func (p *EventPusher) flushChanges() {
	tasks := p.source.SnapshotTasks()
	byID := make(map[string]*entities.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	p.mu.Lock()
	var changes []entities.TaskChange
	for id := range p.changed {
		if t, ok := byID[id]; ok {
			snap := taskSnapshot(t)
			if p.snapshots[id] == snap {
				continue
			}
			p.snapshots[id] = snap
			p.lastMeta[id] = t
			changes = append(changes, entities.TaskChange{ID: id, Task: t})
		} else {
			// 任务已消失，推送墓碑
			change := entities.TaskChange{ID: id, Deleted: true}
			if meta, ok := p.lastMeta[id]; ok {
				change.AlbumID = meta.AlbumID
				change.Filename = meta.Filename
			}
			changes = append(changes, change)
			delete(p.snapshots, id)
			delete(p.lastMeta, id)
		}
	}
	p.changed = map[string]struct{}{}
	p.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })

	total := (len(changes) + changeBatchSize - 1) / changeBatchSize
	for i := 0; i < len(changes); i += changeBatchSize {
		end := i + changeBatchSize
		if end > len(changes) {
			end = len(changes)
		}
		batch := changes[i:end]
		index := i / changeBatchSize
		if index > 0 {
			time.Sleep(changeBatchStagger)
		}
		p.sink.Publish(p.prefix+":task-changes", map[string]interface{}{
			"changes": batch,
			"batch":   index + 1,
			"total":   total,
		})
	}
}

// taskSnapshot 任务去重快照串，覆盖前端可见的变化维度
func taskSnapshot(t *entities.Task) string {
	return fmt.Sprintf("%s:%s:%d:%d", t.ID, t.Status, t.Progress, t.Speed)
}

// prioritizeAndLimitTasks 裁剪推送列表：传输中的任务全部保留，
// 剩余名额按展示顺序补齐
func prioritizeAndLimitTasks(tasks []*entities.Task, limit int) []*entities.Task {
	if len(tasks) <= limit {
		sorted := make([]*entities.Task, len(tasks))
		copy(sorted, tasks)
		entities.SortForDisplay(sorted)
		return sorted
	}

	var active, rest []*entities.Task
	for _, t := range tasks {
		if t.Status == entities.StatusActive {
			active = append(active, t)
		} else {
			rest = append(rest, t)
		}
	}
	entities.SortForDisplay(rest)

	result := make([]*entities.Task, 0, limit)
	result = append(result, active...)
	for _, t := range rest {
		if len(result) >= limit {
			break
		}
		result = append(result, t)
	}
	entities.SortForDisplay(result)
	return result
}
