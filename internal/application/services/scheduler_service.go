package services

import (
	"github.com/robfig/cron/v3"

	"github.com/aikesi233/qzone-transfer/internal/infrastructure/config"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
)

// SchedulerService 周期性维护任务：按配置的cron表达式
// 定期把两个任务库落盘并输出队列概况
type SchedulerService struct {
	cfg      *config.MaintenanceConfig
	cron     *cron.Cron
	download *DownloadService
	upload   *UploadService
}

func NewSchedulerService(cfg *config.MaintenanceConfig, download *DownloadService, upload *UploadService) *SchedulerService {
	return &SchedulerService{
		cfg:      cfg,
		cron:     cron.New(),
		download: download,
		upload:   upload,
	}
}

// Start 注册并启动维护任务，未启用时为空操作
func (s *SchedulerService) Start() error {
	if !s.cfg.Enabled {
		logger.Info("维护任务未启用")
		return nil
	}

	_, err := s.cron.AddFunc(s.cfg.FlushCron, s.flush)
	if err != nil {
		return err
	}

	s.cron.Start()
	logger.Info("维护任务已启动", "cron", s.cfg.FlushCron)
	return nil
}

// Stop 停止维护任务，等待进行中的执行完成
func (s *SchedulerService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *SchedulerService) flush() {
	if err := s.download.Flush(); err != nil {
		logger.Error("下载任务库定期落盘失败", "error", err)
	}
	if err := s.upload.Flush(); err != nil {
		logger.Error("上传任务库定期落盘失败", "error", err)
	}

	dl := s.download.GetStats()
	ul := s.upload.GetStats()
	logger.Debug("队列概况",
		"download_unfinished", dl.Unfinished, "download_total", dl.Total,
		"upload_unfinished", ul.Unfinished, "upload_total", ul.Total)
}
