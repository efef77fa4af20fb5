package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Data        DataConfig        `mapstructure:"data"`
	Download    DownloadConfig    `mapstructure:"download"`
	Upload      UploadConfig      `mapstructure:"upload"`
	QZone       QZoneConfig       `mapstructure:"qzone"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"` // 用户任务数据库所在目录
}

type DownloadConfig struct {
	Dir             string `mapstructure:"dir"`              // 默认下载目录
	Concurrency     int    `mapstructure:"concurrency"`      // 默认并发数，1-10
	ReplaceExisting bool   `mapstructure:"replace_existing"` // 目标文件已存在时是否替换
}

type UploadConfig struct {
	Concurrency int `mapstructure:"concurrency"` // 默认并发数，1-5
	ChunkSize   int `mapstructure:"chunk_size"`  // 分片大小（字节）
}

type QZoneConfig struct {
	UploadBaseURL string `mapstructure:"upload_base_url"`
	QPS           int    `mapstructure:"qps"` // 每秒请求数限制，0为不限制
}

type TelegramConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	BotToken string  `mapstructure:"bot_token"`
	ChatIDs  []int64 `mapstructure:"chat_ids"`
}

type MaintenanceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	FlushCron string `mapstructure:"flush_cron"` // 定期落盘的cron表达式
}

type LogConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	Colorize     bool   `mapstructure:"colorize"`
	ReportCaller bool   `mapstructure:"report_caller"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// 默认值
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", "8090")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("data.dir", "./data")
	viper.SetDefault("download.dir", "./downloads")
	viper.SetDefault("download.concurrency", 3)
	viper.SetDefault("download.replace_existing", false)
	viper.SetDefault("upload.concurrency", 1)
	viper.SetDefault("upload.chunk_size", 16384)
	viper.SetDefault("qzone.upload_base_url", "https://h5.qzone.qq.com/webapp/json/sliceUpload")
	viper.SetDefault("qzone.qps", 50)
	viper.SetDefault("telegram.enabled", false)
	viper.SetDefault("maintenance.enabled", true)
	viper.SetDefault("maintenance.flush_cron", "*/5 * * * *")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.colorize", true)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
