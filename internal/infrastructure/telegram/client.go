package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aikesi233/qzone-transfer/internal/infrastructure/config"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
)

// Client Telegram通知客户端，用于队列完成等事件的外部通知。
// bot初始化失败时降级为空客户端，发送调用返回错误但不影响主流程
type Client struct {
	config *config.TelegramConfig
	bot    *tgbotapi.BotAPI
}

func NewClient(cfg *config.TelegramConfig) *Client {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Error("Failed to create Telegram bot", "error", err)
		return &Client{
			config: cfg,
			bot:    nil,
		}
	}

	logger.Info("Telegram bot connected successfully", "username", bot.Self.UserName)

	return &Client{
		config: cfg,
		bot:    bot,
	}
}

func (c *Client) SendMessage(chatID int64, text string) error {
	return c.SendMessageWithParseMode(chatID, text, "")
}

func (c *Client) SendMessageWithParseMode(chatID int64, text, parseMode string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	msg := tgbotapi.NewMessage(chatID, cleanUTF8(text))
	if parseMode != "" {
		msg.ParseMode = parseMode
	}

	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// Broadcast 向配置的所有chat发送消息，单个失败不中断
func (c *Client) Broadcast(text string) {
	for _, chatID := range c.config.ChatIDs {
		if err := c.SendMessage(chatID, text); err != nil {
			logger.Warn("Telegram通知发送失败", "chat_id", chatID, "error", err)
		}
	}
}

// cleanUTF8 确保文本是有效的UTF-8编码
func cleanUTF8(text string) string {
	if !utf8.ValidString(text) {
		return strings.ToValidUTF8(text, "?")
	}
	return text
}
