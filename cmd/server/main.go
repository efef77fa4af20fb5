package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/aikesi233/qzone-transfer/internal/application/services"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/config"
	"github.com/aikesi233/qzone-transfer/internal/interfaces/http/handlers"
	"github.com/aikesi233/qzone-transfer/internal/interfaces/http/routes"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// 初始化日志
	if err := logger.Init(logger.Options{
		Level:        cfg.Log.Level,
		Format:       cfg.Log.Format,
		Colorize:     cfg.Log.Colorize,
		ReportCaller: cfg.Log.ReportCaller,
	}); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 事件广播器是推送器与前端之间的唯一出口
	broadcaster := handlers.NewEventBroadcaster()

	// 初始化服务容器
	container, err := services.NewServiceContainer(cfg, broadcaster)
	if err != nil {
		log.Fatal("Failed to initialize service container:", err)
	}

	// 初始化路由
	router := gin.New()
	routes.NewRoutesConfig(container, broadcaster).SetupRoutes(router)

	// 设置信号处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// 启动服务器
	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		logger.Info("Starting server", "address", addr)
		if err := router.Run(addr); err != nil {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// 等待退出信号
	<-quit
	logger.Info("Shutting down server...")

	// 软停止队列并落盘
	if err := container.Shutdown(); err != nil {
		logger.Error("Shutdown with error", "error", err)
	}
	logger.Info("Server stopped")
}
