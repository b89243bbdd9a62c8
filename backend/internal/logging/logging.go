package logging

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var consoleIO = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

func newLogger(io io.Writer, level zerolog.Level) zerolog.Logger {
	logger := zerolog.New(io).With().Timestamp().Logger()
	return logger.Level(level)
}

// New 返回进程日志；console=true 时输出人类可读格式，否则为 JSON 行。
// 无法识别的 level 回退到 info。
func New(level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if console {
		return newLogger(consoleIO, lvl)
	}
	return newLogger(os.Stdout, lvl)
}

// NewWithWriter 用于测试
func NewWithWriter(w io.Writer, level zerolog.Level) zerolog.Logger {
	return newLogger(w, level)
}

// GinLogger 把每个请求记录为一行结构化日志
func GinLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		default:
			ev = log.Debug()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("http request")
	}
}
