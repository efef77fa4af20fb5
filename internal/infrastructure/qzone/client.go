package qzone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aikesi233/qzone-transfer/internal/infrastructure/ratelimit"
	sharederrors "github.com/aikesi233/qzone-transfer/internal/shared/errors"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
)

const (
	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	defaultBaseURL = "https://h5.qzone.qq.com/webapp/json/sliceUpload"
)

// Client QZone接口客户端，所有请求经过QPS限制器
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// NewClient 创建QZone客户端，qps为0时不限流
func NewClient(baseURL string, qps int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: ratelimit.NewRateLimiter(qps),
	}
}

// GTK 由p_skey计算g_tk签名
func GTK(pskey string) int {
	n := 5381
	for _, c := range []byte(pskey) {
		n += (n << 5) + int(c)
	}
	return n & 2147483647
}

func cookieOf(cred Credentials) string {
	return fmt.Sprintf("uin=%s;p_skey=%s", cred.Uin, cred.PSkey)
}

// FetchResource 以浏览器身份发起流式GET，返回响应体和内容长度。
// 凭证非空时携带登录Cookie，content-length未知时返回-1
func (c *Client) FetchResource(ctx context.Context, rawURL string, cred Credentials) (io.ReadCloser, int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)
	if cred.Uin != "" {
		req.Header.Set("Cookie", cookieOf(cred))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("请求资源失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, sharederrors.NewServiceError(sharederrors.ErrorCodeRemoteError,
			fmt.Sprintf("资源响应异常: HTTP %d", resp.StatusCode))
	}
	return resp.Body, resp.ContentLength, nil
}

// FileBatchControl 协商上传会话。远端ret非0或未返回session时报错
func (c *Client) FileBatchControl(ctx context.Context, cred Credentials, req BatchControlRequest) (*BatchControlResult, error) {
	batchID := req.BatchID
	if batchID == 0 {
		batchID = time.Now().UnixMilli()*1000 + rand.Int63n(1000)
	}

	picTitle := req.PicTitle
	if picTitle == "" {
		picTitle = req.Filename
	}

	payload := batchControlPayload{
		ControlReq: []controlReqPayload{{
			Uin: cred.Host(),
			Token: tokenPayload{
				Type:  4,
				Data:  cred.PSkey,
				Appid: 5,
			},
			Appid:     "pic_qzone",
			Checksum:  req.Checksum,
			CheckType: 0,
			FileLen:   req.FileLen,
			Env: envPayload{
				Refer:      "qzone",
				DeviceInfo: "h5",
			},
			Model: 0,
			BizReq: bizReqPayload{
				PicTitle:     picTitle,
				PicDesc:      req.PicDesc,
				AlbumName:    req.AlbumName,
				AlbumID:      req.AlbumID,
				UploadType:   3,
				BatchID:      batchID,
				PicWidth:     req.PicWidth,
				PicHight:     req.PicHeight,
				NeedFeeds:    1,
				UploadTime:   time.Now().Unix(),
				MultiPicInfo: req.MultiPic,
			},
			Session:   "",
			AsyUpload: 0,
			Cmd:       "FileUpload",
		}},
	}

	url := fmt.Sprintf("%s/FileBatchControl/%s?g_tk=%d", c.baseURL, req.Checksum, GTK(cred.PSkey))
	resp, err := c.postJSON(ctx, url, cred, payload)
	if err != nil {
		return nil, err
	}
	if resp.Ret != 0 {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeRemoteError,
			fmt.Sprintf("初始化上传失败: %s (ret=%d)", resp.Msg, resp.Ret))
	}
	if resp.Data.Session == "" {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeRemoteError, "初始化上传失败: 未返回session")
	}
	return &BatchControlResult{Session: resp.Data.Session, BatchID: batchID}, nil
}

// FileUpload 上传单个分片，flag为1表示远端已收齐全部分片
func (c *Client) FileUpload(ctx context.Context, cred Credentials, req ChunkUploadRequest) (*ChunkUploadResult, error) {
	payload := chunkPayload{
		Uin:       cred.Host(),
		Appid:     "pic_qzone",
		Session:   req.Session,
		Offset:    req.Offset,
		Data:      req.Data,
		Checksum:  req.Checksum,
		CheckType: 0,
		Retry:     0,
		Seq:       req.Seq,
		End:       req.End,
		Cmd:       "FileUpload",
		SliceSize: req.SliceSize,
		BizReq:    chunkBizReqPayload{UploadType: 2},
	}

	url := c.baseURL + "/FileUpload"
	resp, err := c.postJSON(ctx, url, cred, payload)
	if err != nil {
		return nil, err
	}
	if resp.Ret != 0 {
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeRemoteError,
			fmt.Sprintf("上传分片失败: %s (ret=%d)", resp.Msg, resp.Ret))
	}
	return &ChunkUploadResult{Flag: resp.Data.Flag, Completed: resp.Data.Flag == 1}, nil
}

func (c *Client) postJSON(ctx context.Context, url string, cred Credentials, payload interface{}) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", cookieOf(cred))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn("QZone接口响应异常", "url", url, "status", resp.StatusCode)
		return nil, sharederrors.NewServiceError(sharederrors.ErrorCodeRemoteError,
			fmt.Sprintf("QZone接口响应异常: HTTP %d", resp.StatusCode))
	}

	var result apiResponse
	if err := json.Unmarshal(extractCallbackJSON(data), &result); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &result, nil
}

var callbackPattern = regexp.MustCompile(`(?s)^\s*[a-zA-Z_$][\w$.]*\s*\(\s*(\{.*\})\s*\)\s*;?\s*$`)

// extractCallbackJSON 剥离JSONP回调包装，纯JSON响应原样返回
func extractCallbackJSON(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return trimmed
	}
	if m := callbackPattern.FindSubmatch(trimmed); m != nil {
		return m[1]
	}
	return trimmed
}
