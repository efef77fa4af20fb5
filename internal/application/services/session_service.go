package services

import (
	"sync"

	"github.com/aikesi233/qzone-transfer/internal/infrastructure/qzone"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
)

// SessionService 当前用户会话。登录/切换用户时同时切换
// 两个队列引擎的凭证与任务库，登出时回到default库
type SessionService struct {
	mu       sync.Mutex
	current  qzone.Credentials
	download *DownloadService
	upload   *UploadService
}

func NewSessionService(download *DownloadService, upload *UploadService) *SessionService {
	return &SessionService{download: download, upload: upload}
}

// SetCurrentUser 切换当前用户，uin相同时只刷新凭证
func (s *SessionService) SetCurrentUser(cred qzone.Credentials) error {
	s.mu.Lock()
	s.current = cred
	s.mu.Unlock()

	if err := s.download.SetCredentials(cred); err != nil {
		return err
	}
	if err := s.upload.SetCredentials(cred); err != nil {
		return err
	}

	logger.Info("当前用户已切换", "uin", displayUin(cred.Uin))
	// 凭证就绪后补一次调度，等待中的任务立即跟进
	s.download.ProcessQueue()
	s.upload.ProcessQueue()
	return nil
}

// Logout 登出，清空凭证并回到default任务库
func (s *SessionService) Logout() error {
	return s.SetCurrentUser(qzone.Credentials{})
}

// CurrentUser 返回当前uin，未登录时为空
func (s *SessionService) CurrentUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Uin
}
