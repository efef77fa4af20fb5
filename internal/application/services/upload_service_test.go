package services

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aikesi233/qzone-transfer/internal/domain/entities"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/config"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/qzone"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/store"
)

// fakeQZone 模拟sliceUpload后端，按会话重组分片
type fakeQZone struct {
	mu       sync.Mutex
	fileLen  int64
	received map[string][]byte
	chunks   int
	block    chan struct{} // 非nil时FileUpload阻塞
	srv      *httptest.Server
}

func newFakeQZone() *fakeQZone {
	f := &fakeQZone{received: map[string][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/FileBatchControl/", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		reqs := payload["control_req"].([]interface{})
		req := reqs[0].(map[string]interface{})
		f.mu.Lock()
		f.fileLen = int64(req["file_len"].(float64))
		f.mu.Unlock()
		w.Write([]byte(`{"ret":0,"data":{"session":"sess-1"}}`))
	})
	mux.HandleFunc("/FileUpload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		block := f.block
		f.mu.Unlock()
		if block != nil {
			<-block
		}

		var payload struct {
			Session string `json:"session"`
			Offset  int64  `json:"offset"`
			Data    string `json:"data"`
			End     int64  `json:"end"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		chunk, _ := base64.StdEncoding.DecodeString(payload.Data)

		f.mu.Lock()
		f.received[payload.Session] = append(f.received[payload.Session], chunk...)
		f.chunks++
		done := payload.End >= f.fileLen
		f.mu.Unlock()

		flag := "0"
		if done {
			flag = "1"
		}
		w.Write([]byte(`{"ret":0,"data":{"flag":` + flag + `}}`))
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeQZone) assembled(session string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.received[session]...)
}

func newUploadService(t *testing.T, cfg *config.Config, baseURL string) *UploadService {
	t.Helper()
	s, err := NewUploadService(cfg, qzone.NewClient(baseURL, 0))
	if err != nil {
		t.Fatalf("创建上传服务失败: %v", err)
	}
	return s
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	data := bytes.Repeat([]byte("qzone-photo-data"), size/16+1)[:size]
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loginUpload(t *testing.T, s *UploadService) {
	t.Helper()
	if err := s.SetCredentials(qzone.Credentials{Uin: "10001", PSkey: "abc"}); err != nil {
		t.Fatal(err)
	}
}

func TestUploadCompletes(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)
	loginUpload(t, s)

	// 3个16KB分片加一个尾分片
	path := writeTempFile(t, 16384*3+100)
	tasks, err := s.AddBatchTasks([]UploadFile{{Path: path, Name: "photo.jpg"}}, "album1", "旅行", "")
	if err != nil {
		t.Fatalf("AddBatchTasks失败: %v", err)
	}
	task := tasks[0]

	waitFor(t, 10*time.Second, func() bool {
		got, _ := s.GetTask(task.ID)
		return got != nil && got.Status == entities.StatusCompleted
	}, "上传完成")

	original, _ := os.ReadFile(path)
	if !bytes.Equal(fake.assembled("sess-1"), original) {
		t.Error("服务端重组内容与原文件不符")
	}

	got, _ := s.GetTask(task.ID)
	if got.Progress != 100 {
		t.Errorf("完成后进度应为100，实际 %d", got.Progress)
	}
	sum := md5.Sum(original)
	if got.MD5 != hex.EncodeToString(sum[:]) {
		t.Errorf("MD5不符: %s", got.MD5)
	}
	if got.Session == "" {
		t.Error("完成任务应保留协商的会话")
	}

	f := fake
	f.mu.Lock()
	chunks := f.chunks
	f.mu.Unlock()
	if chunks != 4 {
		t.Errorf("应上传4个分片，实际 %d", chunks)
	}
}

func TestUploadWaitsForCredentials(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	path := writeTempFile(t, 100)
	tasks, err := s.AddBatchTasks([]UploadFile{{Path: path}}, "album1", "旅行", "")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	got, _ := s.GetTask(tasks[0].ID)
	if got.Status != entities.StatusWaiting {
		t.Errorf("未登录时任务应保持waiting，实际 %s", got.Status)
	}

	// 登录后自动跟进调度
	loginUpload(t, s)
	waitFor(t, 10*time.Second, func() bool {
		g, _ := s.GetTask(tasks[0].ID)
		return g != nil && g.Status == entities.StatusCompleted
	}, "登录后自动上传")
}

func TestUploadPauseResetsProgressAndSession(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()
	block := make(chan struct{})
	fake.mu.Lock()
	fake.block = block
	fake.mu.Unlock()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)
	loginUpload(t, s)

	path := writeTempFile(t, 16384*4)
	tasks, _ := s.AddBatchTasks([]UploadFile{{Path: path}}, "album1", "旅行", "")
	task := tasks[0]

	waitFor(t, 5*time.Second, func() bool {
		got, _ := s.GetTask(task.ID)
		return got != nil && got.Status == entities.StatusActive
	}, "任务开始上传")

	if err := s.PauseTask(task.ID); err != nil {
		t.Fatalf("PauseTask失败: %v", err)
	}
	close(block)

	got, _ := s.GetTask(task.ID)
	if got.Status != entities.StatusPaused {
		t.Fatalf("状态应为paused，实际 %s", got.Status)
	}
	if got.Progress != 0 || got.Transferred != 0 {
		t.Errorf("暂停应重置进度，实际 progress=%d transferred=%d", got.Progress, got.Transferred)
	}
	if got.Session != "" || got.MD5 != "" {
		t.Error("暂停应清空会话和MD5，恢复时重新协商")
	}

	// 恢复后从头上传直至完成
	fake.mu.Lock()
	fake.block = nil
	fake.mu.Unlock()
	if err := s.ResumeTask(task.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, func() bool {
		g, _ := s.GetTask(task.ID)
		return g != nil && g.Status == entities.StatusCompleted
	}, "恢复后上传完成")
}

func TestUploadBatchSharesBatchAndSession(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	p1 := writeTempFile(t, 50)
	p2 := writeTempFile(t, 60)
	tasks, err := s.AddBatchTasks([]UploadFile{{Path: p1}, {Path: p2}}, "album1", "旅行", "")
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].BatchID == 0 || tasks[0].BatchID != tasks[1].BatchID {
		t.Error("同批任务应共享批次ID")
	}
	if tasks[0].SessionID == "" || tasks[0].SessionID != tasks[1].SessionID {
		t.Error("同批任务应共享会话ID")
	}
	if !strings.HasPrefix(tasks[0].SessionID, "session_") {
		t.Errorf("自动生成的会话ID格式不符: %s", tasks[0].SessionID)
	}
}

func TestBatchInfoCounting(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	now := entities.NowMillis()
	mk := func(id string, st entities.TaskStatus) *entities.Task {
		return &entities.Task{ID: id, Status: st, BatchID: 77, CreateTime: now}
	}
	s.db.Put(mk("a", entities.StatusCompleted))
	s.db.Put(mk("b", entities.StatusError))
	s.db.Put(mk("c", entities.StatusActive))
	target := mk("d", entities.StatusWaiting)
	s.db.Put(target)

	s.mu.Lock()
	info := s.batchInfoLocked(target)
	s.mu.Unlock()

	if info.BatUploadNum != 4 {
		t.Errorf("批次总数应为4，实际 %d", info.BatUploadNum)
	}
	// 批内下标3，加1，再加已完成1和已失败1
	if info.CurUpload != 6 {
		t.Errorf("iCurUpload应为6，实际 %d", info.CurUpload)
	}
	if info.SuccNum != 1 || info.FailNum != 1 {
		t.Errorf("成功/失败计数不符: %+v", info)
	}
}

func TestCancelTasksByAlbum(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	now := entities.NowMillis()
	s.db.Put(&entities.Task{ID: "a", Status: entities.StatusWaiting, AlbumID: "al1", SessionID: "s1", CreateTime: now})
	s.db.Put(&entities.Task{ID: "b", Status: entities.StatusWaiting, AlbumID: "al1", SessionID: "s2", CreateTime: now})
	s.db.Put(&entities.Task{ID: "c", Status: entities.StatusCompleted, AlbumID: "al1", SessionID: "s1", CreateTime: now})
	s.db.Put(&entities.Task{ID: "d", Status: entities.StatusWaiting, AlbumID: "al2", SessionID: "s1", CreateTime: now})

	ids := s.CancelTasksByAlbum("al1", "s1")
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("应只取消al1+s1的未终结任务: %v", ids)
	}
	got, _ := s.GetTask("a")
	if got.Status != entities.StatusCancelled {
		t.Errorf("按相册取消应落cancelled终态，实际 %s", got.Status)
	}

	// 不带会话过滤时覆盖整个相册
	ids = s.CancelTasksByAlbum("al1", "")
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("应取消剩余的b: %v", ids)
	}
}

func TestSessionAndAlbumQueries(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	now := entities.NowMillis()
	s.db.Put(&entities.Task{ID: "a", Status: entities.StatusWaiting, AlbumID: "al1", AlbumName: "旅行", SessionID: "s1", CreateTime: now})
	s.db.Put(&entities.Task{ID: "b", Status: entities.StatusCancelled, AlbumID: "al1", AlbumName: "旅行", SessionID: "s1", CreateTime: now})
	s.db.Put(&entities.Task{ID: "c", Status: entities.StatusCompleted, AlbumID: "al2", AlbumName: "美食", SessionID: "s2", CreateTime: now})

	if got := s.GetTasksBySession("s1"); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("会话查询应排除已取消任务: %v", got)
	}
	if got := s.GetPendingTasksByAlbum("al1"); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("相册未终结查询不符: %v", got)
	}

	albums := s.GetAlbumsWithStats()
	if len(albums) != 2 {
		t.Fatalf("应有2个相册，实际 %d", len(albums))
	}
	al1 := s.GetAlbumStats("al1")
	if al1.AlbumName != "旅行" || al1.Total != 2 || al1.Cancelled != 1 {
		t.Errorf("相册统计不符: %+v", al1)
	}
}

func TestRetryAllFailedByAlbum(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	now := entities.NowMillis()
	s.db.Put(&entities.Task{ID: "a", Status: entities.StatusError, AlbumID: "al1", CreateTime: now})
	s.db.Put(&entities.Task{ID: "b", Status: entities.StatusError, AlbumID: "al2", CreateTime: now})
	s.db.Put(&entities.Task{ID: "c", Status: entities.StatusCancelled, AlbumID: "al1", CreateTime: now})

	if n := s.RetryAllFailed("al1"); n != 1 {
		t.Errorf("al1应重试1个，实际 %d", n)
	}
	got, _ := s.GetTask("a")
	if got.Status != entities.StatusWaiting || got.RetryCount != 1 {
		t.Errorf("重试后状态不符: %s retry=%d", got.Status, got.RetryCount)
	}
	// cancelled不属于失败重试范围
	got, _ = s.GetTask("c")
	if got.Status != entities.StatusCancelled {
		t.Errorf("cancelled任务不应被全量重试: %s", got.Status)
	}

	if n := s.RetryAllFailed(""); n != 1 {
		t.Errorf("不限相册应重试剩余1个，实际 %d", n)
	}
}

func TestClearAndDeleteBySession(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	now := entities.NowMillis()
	s.db.Put(&entities.Task{ID: "a", Status: entities.StatusCompleted, AlbumID: "al1", SessionID: "s1", CreateTime: now})
	s.db.Put(&entities.Task{ID: "b", Status: entities.StatusCancelled, AlbumID: "al1", SessionID: "s1", CreateTime: now})
	s.db.Put(&entities.Task{ID: "c", Status: entities.StatusCompleted, AlbumID: "al2", SessionID: "s2", CreateTime: now})

	if n := s.ClearCompletedTasks("al1"); n != 1 {
		t.Errorf("应清除al1的1个已完成任务，实际 %d", n)
	}
	if n := s.ClearCancelledTasks(""); n != 1 {
		t.Errorf("应清除1个已取消任务，实际 %d", n)
	}
	if n := s.DeleteTasksBySession("s2"); n != 1 {
		t.Errorf("按会话删除应删1个，实际 %d", n)
	}
	if s.GetStats().Total != 0 {
		t.Errorf("应已清空，实际 %d", s.GetStats().Total)
	}
}

func TestUploadCrashRecoveryDemotesToPaused(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)

	db, err := store.Open(cfg.Data.Dir, "upload", "default")
	if err != nil {
		t.Fatal(err)
	}
	db.Put(&entities.Task{ID: "a", Status: entities.StatusActive, Progress: 55, Session: "sess-x", MD5: "m", CreateTime: entities.NowMillis()})
	db.Put(&entities.Task{ID: "b", Status: entities.StatusWaiting, CreateTime: entities.NowMillis()})
	db.Save()
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}

	s := newUploadService(t, cfg, fake.srv.URL)
	for _, id := range []string{"a", "b"} {
		got, err := s.GetTask(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != entities.StatusPaused {
			t.Errorf("任务%s应回退为paused，实际 %s", id, got.Status)
		}
	}
	got, _ := s.GetTask("a")
	if got.Progress != 0 || got.Session != "" || got.MD5 != "" {
		t.Error("恢复时应清空半程上传状态")
	}
}

func TestUploadConcurrencyClamp(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	if got := s.SetConcurrency(99); got != uploadMaxConcurrency {
		t.Errorf("上传并发上限应为%d，实际 %d", uploadMaxConcurrency, got)
	}
	if got := s.SetConcurrency(-1); got != uploadMinConcurrency {
		t.Errorf("上传并发下限应为%d，实际 %d", uploadMinConcurrency, got)
	}
}

func TestUploadResumeAllResetsPausedTasks(t *testing.T) {
	fake := newFakeQZone()
	defer fake.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, fake.srv.URL)

	// 未登录时任务停在waiting，便于确定性地暂停再恢复
	path := writeTempFile(t, 100)
	tasks, err := s.AddBatchTasks([]UploadFile{{Path: path}, {Path: path}}, "album-1", "测试相册", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.PauseAll()) != 2 {
		t.Fatal("应暂停2个任务")
	}

	resumed := s.ResumeAll()
	if len(resumed) != 2 {
		t.Fatalf("应恢复2个任务，实际 %d", len(resumed))
	}
	for _, task := range tasks {
		got, _ := s.GetTask(task.ID)
		if got.Status != entities.StatusWaiting {
			t.Errorf("恢复后应为waiting，实际 %s", got.Status)
		}
		if got.Progress != 0 || got.Session != "" {
			t.Error("恢复时应清空半程上传状态")
		}
	}
}

func TestUploadResumeQueuedTaskIsNoOp(t *testing.T) {
	f := newFakeQZone()
	defer f.srv.Close()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, f.srv.URL)

	// 未登录，任务停在waiting
	path := writeTempFile(t, 64)
	tasks, err := s.AddBatchTasks([]UploadFile{{Path: path}}, "al1", "相册", "")
	if err != nil {
		t.Fatal(err)
	}
	id := tasks[0].ID

	if err := s.ResumeTask(id); err != nil {
		t.Errorf("waiting任务恢复应为空操作，实际 %v", err)
	}
	if err := s.ResumeTask(id); err != nil {
		t.Errorf("重复恢复应为空操作，实际 %v", err)
	}
	got, _ := s.GetTask(id)
	if got.Status != entities.StatusWaiting {
		t.Errorf("空操作不应改变状态，实际 %s", got.Status)
	}
}

// 维护任务的定时落盘与传输中的进度写并发执行时，
// 库内序列化的对象与引擎手里的对象互相隔离
func TestUploadFlushDuringTransfer(t *testing.T) {
	f := newFakeQZone()
	defer f.srv.Close()

	f.mu.Lock()
	f.block = make(chan struct{})
	f.mu.Unlock()

	cfg := testConfig(t)
	s := newUploadService(t, cfg, f.srv.URL)
	loginUpload(t, s)

	path := writeTempFile(t, 64*1024)
	tasks, err := s.AddBatchTasks([]UploadFile{{Path: path}}, "al1", "相册", "")
	if err != nil {
		t.Fatal(err)
	}
	id := tasks[0].ID

	waitFor(t, 5*time.Second, func() bool {
		got, _ := s.GetTask(id)
		return got.Status == entities.StatusActive
	}, "任务进入传输")

	// 传输期间反复落盘，与引擎的状态写并发
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			if err := s.Flush(); err != nil {
				t.Errorf("传输期间落盘失败: %v", err)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	<-done

	f.mu.Lock()
	close(f.block)
	f.block = nil
	f.mu.Unlock()

	waitFor(t, 10*time.Second, func() bool {
		got, _ := s.GetTask(id)
		return got.Status == entities.StatusCompleted
	}, "任务完成")
}
