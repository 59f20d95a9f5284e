// Package httpapi serves the thread API over HTTP with gin.
package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jacentio/directmsg/internal/logging"
	"github.com/jacentio/directmsg/internal/metrics"
	"github.com/jacentio/directmsg/transport"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler adapts a transport.Service to gin.
type Handler struct {
	svc     transport.Service
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. logger and m may be nil.
func NewHandler(svc transport.Service, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger, metrics: m}
}

// RouterConfig holds the engine-level options.
type RouterConfig struct {
	// CORSOrigins lists the allowed origins. Empty disables CORS; "*"
	// allows any origin.
	CORSOrigins []string
}

// NewRouter builds the engine with every route and middleware installed.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(h.requestID(), h.accessLog(), h.recovery())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(corsMiddleware(cfg.CORSOrigins))
	}
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, transport.Envelope{
			StatusCode:  http.StatusNotFound,
			Message:     "route not found",
			ContentType: "application/json",
		})
	})
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes adds the API routes to r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	{
		v1.POST("/sendDirectMessage", h.SendDirectMessage)
		v1.POST("/replyDirectMessage", h.ReplyDirectMessage)
		v1.GET("/listDMFor", h.ListDMFor)
		v1.GET("/listReplies", h.ListReplies)
		v1.GET("/messages/:id", h.GetMessage)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
}

// SendDirectMessage handles POST /v1/sendDirectMessage.
func (h *Handler) SendDirectMessage(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	c.JSON(transport.Send(c.Request.Context(), h.svc, c.GetHeader("Content-Type"), body))
}

// ReplyDirectMessage handles POST /v1/replyDirectMessage.
func (h *Handler) ReplyDirectMessage(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	c.JSON(transport.Reply(c.Request.Context(), h.svc, c.GetHeader("Content-Type"), body))
}

// ListDMFor returns the texts addressed to the username query key.
func (h *Handler) ListDMFor(c *gin.Context) {
	c.JSON(transport.ListInbox(c.Request.Context(), h.svc, c.Query("username")))
}

// ListReplies reads the MessageId query key. The key is case sensitive.
func (h *Handler) ListReplies(c *gin.Context) {
	c.JSON(transport.ListReplies(c.Request.Context(), h.svc, c.Query("MessageId")))
}

// GetMessage returns the whole thread under :id.
func (h *Handler) GetMessage(c *gin.Context) {
	c.JSON(transport.GetMessage(c.Request.Context(), h.svc, c.Param("id")))
}

func (h *Handler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, transport.Envelope{
			StatusCode:  http.StatusRequestEntityTooLarge,
			Message:     "request body too large",
			ContentType: "application/json",
		})
		return nil, false
	}
	return body, true
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", RequestIDHeader}
	config.ExposeHeaders = []string{RequestIDHeader}
	for _, o := range origins {
		if o == "*" {
			config.AllowAllOrigins = true
			return cors.New(config)
		}
	}
	config.AllowOrigins = origins
	return cors.New(config)
}

func (h *Handler) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithRequestID(c.Request.Context(), c.GetHeader(RequestIDHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, logging.RequestID(ctx))
		c.Next()
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		h.metrics.ObserveRequest(route, status)

		log := logging.FromContext(c.Request.Context(), h.logger)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			log.Info("http_request", fields...)
		default:
			log.Debug("http_request", fields...)
		}
	}
}

func (h *Handler) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logging.FromContext(c.Request.Context(), h.logger).Error("http_panic",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, transport.Envelope{
			StatusCode:  http.StatusInternalServerError,
			Message:     http.StatusText(http.StatusInternalServerError),
			ContentType: "application/json",
		})
	})
}
