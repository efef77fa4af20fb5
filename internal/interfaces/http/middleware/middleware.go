package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	sharederrors "github.com/aikesi233/qzone-transfer/internal/shared/errors"
	"github.com/aikesi233/qzone-transfer/pkg/logger"
)

// CORSMiddleware 跨域支持，桌面前端以file协议或本地端口访问
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 请求日志，事件流等长连接不记录耗时
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
		)
	}
}

// RecoverMiddleware 捕获panic并转换为500错误
func RecoverMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("handler panic", "path", c.Request.URL.Path, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Internal server error",
					"code":  sharederrors.ErrorCodeInternalError,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// MapErrorCodeToHTTPStatus 将业务错误码映射到HTTP状态码
func MapErrorCodeToHTTPStatus(code sharederrors.ErrorCode) int {
	switch code {
	case sharederrors.ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case sharederrors.ErrorCodeNotFound:
		return http.StatusNotFound
	case sharederrors.ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case sharederrors.ErrorCodeConflict:
		return http.StatusConflict
	case sharederrors.ErrorCodeRemoteError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
