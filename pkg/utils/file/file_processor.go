package file

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Info 文件基本信息
type Info struct {
	FileName     string
	FileSize     int64
	FilePath     string
	ModifiedTime time.Time
}

// Dimensions 图片尺寸
type Dimensions struct {
	Width  int
	Height int
}

// CalculateMD5 流式计算文件的MD5哈希值
func CalculateMD5(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open file for md5: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GetInfo 获取文件信息，文件不存在时返回错误
func GetInfo(filePath string) (*Info, error) {
	if filePath == "" {
		return nil, fmt.Errorf("文件路径为空")
	}

	stat, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("文件不存在或无法访问: %w", err)
	}

	return &Info{
		FileName:     filepath.Base(filePath),
		FileSize:     stat.Size(),
		FilePath:     filePath,
		ModifiedTime: stat.ModTime(),
	}, nil
}

// GetImageDimensions 读取图片头部获取宽高，非图片或解码失败时返回0x0
func GetImageDimensions(filePath string) (Dimensions, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Dimensions{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Dimensions{}, err
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

// Exists 检查路径是否存在
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

var (
	invalidChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	controlChars = regexp.MustCompile(`[\x00-\x1f\x{80}-\x{9f}]`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

// SanitizeFilename 清理文件名中的非法字符，空结果回退为unnamed
func SanitizeFilename(name string) string {
	if name == "" {
		name = "unnamed"
	}
	s := invalidChars.ReplaceAllString(name, "_")
	s = controlChars.ReplaceAllString(s, "")
	s = strings.TrimLeft(s, ".")
	s = strings.TrimRight(s, ".")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > 255 {
		s = s[:255]
	}
	if s == "" {
		return "unnamed"
	}
	return s
}

// IsVideoFile 根据扩展名判断是否为视频文件
func IsVideoFile(filePath string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), ".")
	switch ext {
	case "mp4", "mov", "avi", "flv", "wmv", "mkv", "webm", "mpg", "mpeg":
		return true
	}
	return false
}
