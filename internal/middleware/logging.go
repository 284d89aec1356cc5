// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"askdocs-go/pkg/log"
)

// 请求与响应体只记录前 maxLoggedBody 个字节
const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		w.body.Write(b[:min(room, len(b))])
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
// 上传的文件内容与 WebSocket 升级请求不记录请求体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 记录请求开始时间
		startTime := time.Now()

		var requestBody []byte
		if c.Request.Body != nil && loggableBody(c) {
			requestBody, _ = io.ReadAll(c.Request.Body)
			// 将读取的请求体重新设置回 c.Request.Body，以便后续处理函数可以正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		if c.GetHeader("Upgrade") == "" {
			c.Writer = blw
		}

		// 处理请求
		c.Next()

		logged := string(requestBody)
		if len(logged) > maxLoggedBody {
			logged = logged[:maxLoggedBody] + "...(truncated)"
		}
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"organization", c.GetHeader(OrganizationHeader),
			"requestBody", logged,
			"responseBody", blw.body.String(),
		)
	}
}

func loggableBody(c *gin.Context) bool {
	ct := c.ContentType()
	return !strings.HasPrefix(ct, "multipart/") && ct != "application/octet-stream"
}
