package workerruntime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ghosthands/core/internal/platform/ctxutil"
	"github.com/ghosthands/core/internal/platform/logger"
)

// statusServer exposes the worker's liveness endpoints to whatever
// orchestrator manages the fleet (k8s readiness probe, ASG lifecycle
// hook, or a plain load balancer health check).
type statusServer struct {
	runtime *Runtime
	addr    string
	log     *logger.Logger
}

func newStatusServer(runtime *Runtime, port string, log *logger.Logger) *statusServer {
	if port == "" {
		port = "8080"
	}
	return &statusServer{runtime: runtime, addr: ":" + port, log: log.With("component", "StatusServer")}
}

func (s *statusServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(attachTraceContext())

	r.GET("/worker/status", s.handleStatus)
	r.GET("/worker/health", s.handleHealth)
	r.POST("/worker/drain", s.handleDrain)
	return r
}

// Run starts the status HTTP server and blocks until ctx is
// cancelled, then shuts it down with a short grace period — this
// endpoint has no in-flight work of its own worth waiting on.
func (s *statusServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("status server shutdown error", "error", err)
	}
	return nil
}

func (s *statusServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"worker_id":  s.runtime.workerID,
		"draining":   s.runtime.Draining(),
		"started_at": s.runtime.startedAt,
		"uptime_sec": int(time.Since(s.runtime.startedAt).Seconds()),
	})
}

// handleHealth is the readiness probe target: 200 while idle/active,
// 503 once draining so an orchestrator stops sending new traffic
// (irrelevant to job pickup itself, but meaningful if the worker also
// fronts the callback-receiving side of a deployment).
func (s *statusServer) handleHealth(c *gin.Context) {
	if s.runtime.Draining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *statusServer) handleDrain(c *gin.Context) {
	s.runtime.Drain()
	c.JSON(http.StatusOK, gin.H{"status": "draining"})
}

const (
	headerTraceID   = "X-Trace-Id"
	headerRequestID = "X-Request-Id"
)

// attachTraceContext stamps every status-server request with a
// trace/request ID pair, reusing an inbound span's trace ID when one
// is already attached by an upstream proxy's OTel instrumentation.
func attachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		traceID := strings.TrimSpace(c.GetHeader(headerTraceID))
		if traceID == "" {
			if spanCtx := trace.SpanContextFromContext(c.Request.Context()); spanCtx.HasTraceID() {
				traceID = spanCtx.TraceID().String()
			}
		}
		if traceID == "" {
			traceID = uuid.New().String()
		}
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{TraceID: traceID, RequestID: reqID})
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(headerTraceID, traceID)
		c.Writer.Header().Set(headerRequestID, reqID)
		c.Next()
	}
}
