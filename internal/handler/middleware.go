package handler

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/metrics"
)

const (
	// HeaderUserID carries the acting user.
	HeaderUserID = "X-User-ID"
	// HeaderRequestID is echoed back on every response.
	HeaderRequestID = "X-Request-ID"

	requestIDKey = "request_id"

	apiRequestCount = "return_workflow.api.request_count"
)

// RequestID assigns a request id when the caller did not send one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// HTTPLogger logs each request and records request count and latency.
func HTTPLogger(log *logger.Logger, rec *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		tags := []string{
			"path:" + path,
			"method:" + c.Request.Method,
			"http_status_code:" + strconv.Itoa(status),
		}
		rec.Incr(apiRequestCount, tags...)
		rec.Timing("http", start, tags...)

		evt := log.Info()
		if status >= http.StatusInternalServerError {
			evt = log.Error()
		}
		evt.
			Str("request_id", c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Str("user_id", c.GetHeader(HeaderUserID)).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("[access]")
	}
}

// HTTPRecovery turns a panic into a 500 envelope.
func HTTPRecovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Str("request_id", c.GetString(requestIDKey)).
					Str("stack", string(debug.Stack())).
					Msg(fmt.Sprintf("Panic occurred: %v", err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, Response{
					Success: false,
					Message: "서버 오류가 발생했습니다",
				})
			}
		}()
		c.Next()
	}
}

// CORS allows the asset management pages to call the API.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", HeaderUserID, HeaderRequestID}
	cfg.ExposeHeaders = []string{HeaderRequestID}
	return cors.New(cfg)
}
