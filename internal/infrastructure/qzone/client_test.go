package qzone

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGTK(t *testing.T) {
	cases := []struct {
		pskey string
		want  int
	}{
		{"", 5381},
		{"abc", 193485963},
	}
	for _, c := range cases {
		if got := GTK(c.pskey); got != c.want {
			t.Errorf("GTK(%q) = %d, want %d", c.pskey, got, c.want)
		}
	}
}

func TestExtractCallbackJSON(t *testing.T) {
	plain := []byte(`{"ret":0}`)
	if got := extractCallbackJSON(plain); string(got) != `{"ret":0}` {
		t.Errorf("纯JSON应原样返回: %s", got)
	}

	wrapped := []byte(`_Callback({"ret":0,"msg":"ok"});`)
	if got := extractCallbackJSON(wrapped); string(got) != `{"ret":0,"msg":"ok"}` {
		t.Errorf("JSONP包装应被剥离: %s", got)
	}
}

func TestFileBatchControl(t *testing.T) {
	var captured map[string]interface{}
	var gotPath, gotCookie string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotCookie = r.Header.Get("Cookie")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		w.Write([]byte(`{"ret":0,"msg":"","data":{"session":"sess-123"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0)
	cred := Credentials{Uin: "10001", PSkey: "abc"}
	result, err := client.FileBatchControl(context.Background(), cred, BatchControlRequest{
		Checksum:  "d41d8cd98f00b204e9800998ecf8427e",
		FileLen:   1024,
		AlbumID:   "album1",
		AlbumName: "旅行",
		Filename:  "photo.jpg",
		PicWidth:  800,
		PicHeight: 600,
		BatchID:   42,
		MultiPic:  &MultiPicInfo{BatUploadNum: 3, CurUpload: 1},
	})
	if err != nil {
		t.Fatalf("FileBatchControl失败: %v", err)
	}
	if result.Session != "sess-123" {
		t.Errorf("session应为sess-123，实际 %s", result.Session)
	}
	if result.BatchID != 42 {
		t.Errorf("显式批次ID应原样使用，实际 %d", result.BatchID)
	}

	if !strings.Contains(gotPath, "/FileBatchControl/d41d8cd98f00b204e9800998ecf8427e") {
		t.Errorf("请求路径应含checksum: %s", gotPath)
	}
	if !strings.Contains(gotPath, "g_tk=193485963") {
		t.Errorf("请求应携带g_tk: %s", gotPath)
	}
	if gotCookie != "uin=10001;p_skey=abc" {
		t.Errorf("Cookie不符: %s", gotCookie)
	}

	reqs, ok := captured["control_req"].([]interface{})
	if !ok || len(reqs) != 1 {
		t.Fatalf("control_req应为单元素数组: %v", captured)
	}
	req := reqs[0].(map[string]interface{})
	if req["appid"] != "pic_qzone" {
		t.Errorf("appid不符: %v", req["appid"])
	}
	if req["file_len"].(float64) != 1024 {
		t.Errorf("file_len不符: %v", req["file_len"])
	}
	biz := req["biz_req"].(map[string]interface{})
	if biz["sAlbumID"] != "album1" {
		t.Errorf("sAlbumID不符: %v", biz["sAlbumID"])
	}
	if biz["sPicTitle"] != "photo.jpg" {
		t.Errorf("标题为空时应回退为文件名: %v", biz["sPicTitle"])
	}
	if biz["iBatchID"].(float64) != 42 {
		t.Errorf("iBatchID不符: %v", biz["iBatchID"])
	}
	multi := biz["mutliPicInfo"].(map[string]interface{})
	if multi["iBatUploadNum"].(float64) != 3 || multi["iCurUpload"].(float64) != 1 {
		t.Errorf("mutliPicInfo不符: %v", multi)
	}
}

func TestFileBatchControlRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ret":-4001,"msg":"not login"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0)
	_, err := client.FileBatchControl(context.Background(), Credentials{Uin: "1", PSkey: "x"}, BatchControlRequest{Checksum: "md5"})
	if err == nil {
		t.Fatal("ret非0应返回错误")
	}
	if !strings.Contains(err.Error(), "not login") {
		t.Errorf("错误消息应包含远端msg: %v", err)
	}
}

func TestFileUpload(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		w.Write([]byte(`{"ret":0,"data":{"flag":1}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0)
	result, err := client.FileUpload(context.Background(), Credentials{Uin: "10001", PSkey: "abc"}, ChunkUploadRequest{
		Session:   "sess-123",
		Offset:    16384,
		Data:      "aGVsbG8=",
		End:       32768,
		Seq:       1,
		Checksum:  "md5",
		SliceSize: 16384,
	})
	if err != nil {
		t.Fatalf("FileUpload失败: %v", err)
	}
	if !result.Completed {
		t.Error("flag=1时Completed应为true")
	}

	if captured["session"] != "sess-123" {
		t.Errorf("session不符: %v", captured["session"])
	}
	if captured["offset"].(float64) != 16384 {
		t.Errorf("offset不符: %v", captured["offset"])
	}
	if captured["end"].(float64) != 32768 {
		t.Errorf("end不符: %v", captured["end"])
	}
	if captured["cmd"] != "FileUpload" {
		t.Errorf("cmd不符: %v", captured["cmd"])
	}
	biz := captured["biz_req"].(map[string]interface{})
	if biz["iUploadType"].(float64) != 2 {
		t.Errorf("分片上传iUploadType应为2: %v", biz)
	}
}

func TestFetchResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("User-Agent"), "Mozilla/5.0") {
			t.Errorf("应使用浏览器UA，实际 %s", r.Header.Get("User-Agent"))
		}
		if r.Header.Get("Cookie") != "uin=10001;p_skey=abc" {
			t.Errorf("Cookie不符: %s", r.Header.Get("Cookie"))
		}
		w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	client := NewClient("", 0)
	body, size, err := client.FetchResource(context.Background(), srv.URL+"/photo.jpg", Credentials{Uin: "10001", PSkey: "abc"})
	if err != nil {
		t.Fatalf("FetchResource失败: %v", err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if string(data) != "image-bytes" {
		t.Errorf("响应内容不符: %s", data)
	}
	if size != int64(len("image-bytes")) {
		t.Errorf("内容长度不符: %d", size)
	}
}

func TestFetchResourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient("", 0)
	_, _, err := client.FetchResource(context.Background(), srv.URL+"/missing.jpg", Credentials{})
	if err == nil {
		t.Fatal("非2xx应返回错误")
	}
}
