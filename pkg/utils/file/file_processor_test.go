package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"photo.jpg", "photo.jpg"},
		{`a<b>c:d"e/f\g|h?i*j.png`, "a_b_c_d_e_f_g_h_i_j.png"},
		{"...hidden...", "hidden"},
		{"  a   b  ", "a b"},
		{"", "unnamed"},
		{"///", "unnamed"},
		{"带\x01控制\x1f字符.jpg", "带控制字符.jpg"},
	}
	for _, c := range cases {
		if got := SanitizeFilename(c.in); got != c.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := strings.Repeat("a", 300) + ".jpg"
	if got := SanitizeFilename(long); len(got) != 255 {
		t.Errorf("超长文件名应截断到255，实际 %d", len(got))
	}
}

func TestIsVideoFile(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"a.mp4", true},
		{"b.MOV", true},
		{"c.webm", true},
		{"d.jpg", false},
		{"e.png", false},
		{"noext", false},
	}
	for _, c := range cases {
		if got := IsVideoFile(c.path); got != c.want {
			t.Errorf("IsVideoFile(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestCalculateMD5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	sum, err := CalculateMD5(path)
	if err != nil {
		t.Fatal(err)
	}
	if sum != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("md5不符: %s", sum)
	}

	if _, err := CalculateMD5(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("文件不存在应返回错误")
	}
}

func TestGetInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	info, err := GetInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.FileName != "photo.jpg" || info.FileSize != 10 {
		t.Errorf("文件信息不符: %+v", info)
	}

	if _, err := GetInfo(""); err == nil {
		t.Error("空路径应返回错误")
	}
	if _, err := GetInfo(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("文件不存在应返回错误")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if Exists(path) {
		t.Error("文件尚未创建")
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("文件已创建")
	}
}

func TestGetImageDimensions(t *testing.T) {
	// 1x1像素的PNG
	png := []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
		0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
		0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
		0x42, 0x60, 0x82,
	}
	path := filepath.Join(t.TempDir(), "dot.png")
	if err := os.WriteFile(path, png, 0644); err != nil {
		t.Fatal(err)
	}

	dim, err := GetImageDimensions(path)
	if err != nil {
		t.Fatal(err)
	}
	if dim.Width != 1 || dim.Height != 1 {
		t.Errorf("尺寸应为1x1，实际 %dx%d", dim.Width, dim.Height)
	}

	bad := filepath.Join(t.TempDir(), "not-image.txt")
	if err := os.WriteFile(bad, []byte("plain text"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := GetImageDimensions(bad); err == nil {
		t.Error("非图片文件应返回错误")
	}
}
