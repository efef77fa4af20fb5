package services

import (
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/config"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/qzone"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/telegram"
)

// MultiSink 事件扇出，把同一事件发给多个出口
type MultiSink []EventSink

func (m MultiSink) Publish(event string, payload interface{}) {
	for _, sink := range m {
		sink.Publish(event, payload)
	}
}

// ServiceContainer 服务装配。sink由接口层提供（SSE广播器），
// 这里在其上叠加Telegram通知旁路
type ServiceContainer struct {
	Config   *config.Config
	QZone    *qzone.Client
	Telegram *telegram.Client

	Download *DownloadService
	Upload   *UploadService
	Session  *SessionService

	Scheduler      *SchedulerService
	DownloadPusher *EventPusher
	UploadPusher   *EventPusher
}

// NewServiceContainer 装配全部服务并启动推送器与维护任务
func NewServiceContainer(cfg *config.Config, sink EventSink) (*ServiceContainer, error) {
	client := qzone.NewClient(cfg.QZone.UploadBaseURL, cfg.QZone.QPS)

	var tg *telegram.Client
	if cfg.Telegram.Enabled {
		tg = telegram.NewClient(&cfg.Telegram)
	}

	download, err := NewDownloadService(cfg, client)
	if err != nil {
		return nil, err
	}
	upload, err := NewUploadService(cfg, client)
	if err != nil {
		return nil, err
	}

	out := sink
	if tg != nil {
		notifier := NewNotificationService(&cfg.Telegram, tg)
		out = MultiSink{sink, notifier}
	}

	downloadPusher := NewEventPusher("download", download, out)
	uploadPusher := NewEventPusher("upload", upload, out)
	download.BindPusher(downloadPusher)
	upload.BindPusher(uploadPusher)
	downloadPusher.Start()
	uploadPusher.Start()

	scheduler := NewSchedulerService(&cfg.Maintenance, download, upload)
	if err := scheduler.Start(); err != nil {
		return nil, err
	}

	return &ServiceContainer{
		Config:         cfg,
		QZone:          client,
		Telegram:       tg,
		Download:       download,
		Upload:         upload,
		Session:        NewSessionService(download, upload),
		Scheduler:      scheduler,
		DownloadPusher: downloadPusher,
		UploadPusher:   uploadPusher,
	}, nil
}

// Shutdown 停止推送与维护任务，软停止队列并落盘
func (c *ServiceContainer) Shutdown() error {
	c.Scheduler.Stop()
	c.DownloadPusher.Stop()
	c.UploadPusher.Stop()

	var firstErr error
	if err := c.Download.Shutdown(); err != nil {
		firstErr = err
	}
	if err := c.Upload.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
