// Package httpapi serves the task tools over plain HTTP/JSON with gin, and
// MCP over a WebSocket upgrade on the same listener.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/mcp"
	"github.com/vinayprograms/taskkit/telemetry"
	"github.com/vinayprograms/taskkit/tools"
	"github.com/vinayprograms/taskkit/transport"
)

// maxBodyBytes bounds a tool call request body.
const maxBodyBytes = 1 << 20

// Options configures the HTTP surface.
type Options struct {
	Addr           string
	AllowedOrigins []string
	Logger         *logging.Logger
}

// Server is the HTTP front end. It implements shutdown.ShutdownHandler.
type Server struct {
	registry *tools.Registry
	mcp      *mcp.Server
	log      *logging.Logger
	origins  []string
	engine   *gin.Engine
	http     *http.Server

	// sessions holds live WebSocket MCP sessions, which http.Server.Shutdown
	// does not track. Add is only called under mu while closing is false.
	mu           sync.Mutex
	closing      bool
	sessions     sync.WaitGroup
	baseCtx      context.Context
	stopSessions context.CancelFunc
}

// New builds the router. Call ListenAndServe to start accepting requests.
func New(reg *tools.Registry, srv *mcp.Server, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:     reg,
		mcp:          srv,
		log:          log.WithComponent("http"),
		origins:      opts.AllowedOrigins,
		baseCtx:      ctx,
		stopSessions: cancel,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.traceMiddleware())
	r.GET("/health", s.health)
	r.GET("/tools", s.listTools)
	r.POST("/tools/:name", s.callTool)
	r.GET("/mcp", s.serveMCP)
	s.engine = r

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until the server stops. It returns nil after a
// graceful shutdown.
func (s *Server) ListenAndServe() error {
	s.log.ServerStart("http", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// OnShutdown stops accepting requests, waits for in-flight calls, then
// ends WebSocket sessions once their pending responses are written.
func (s *Server) OnShutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.http.Shutdown(ctx)
	s.stopSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// traceMiddleware continues a caller's trace and logs each request.
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(telemetry.ExtractHTTP(c.Request.Context(), c.Request.Header))
		start := time.Now()
		c.Next()
		s.log.Debug("http_request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

// GET /health
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tools": len(s.registry.Definitions())})
}

// GET /tools
func (s *Server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.registry.Definitions()})
}

// POST /tools/:name
func (s *Server) callTool(c *gin.Context) {
	name := c.Param("name")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body", "code": string(errors.ErrCodeInvalidInput)})
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large", "code": string(errors.ErrCodeInvalidInput)})
		return
	}

	var args map[string]interface{}
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "arguments must be a JSON object: " + err.Error(), "code": string(errors.ErrCodeInvalidInput)})
			return
		}
	}

	result, isErr := s.registry.Execute(c.Request.Context(), name, args)
	status := http.StatusOK
	if isErr {
		code, _ := result["code"].(string)
		status = StatusFor(errors.ErrorCode(code))
	}
	c.JSON(status, result)
}

// GET /mcp
func (s *Server) serveMCP(c *gin.Context) {
	conn, err := transport.NewWebSocketUpgrader(s.origins...).Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written an error response.
		s.log.Warn("websocket_upgrade_failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if !s.beginSession() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer s.sessions.Done()

	remote := c.Request.RemoteAddr
	s.log.Info("mcp_session_started", map[string]interface{}{"remote": remote})
	start := time.Now()

	t := transport.NewWebSocketTransport(conn, transport.DefaultWebSocketConfig())
	if err := s.mcp.Serve(s.baseCtx, t); err != nil {
		s.log.Warn("mcp_session_error", map[string]interface{}{"remote": remote, "error": err.Error()})
	}
	s.log.Info("mcp_session_ended", map[string]interface{}{
		"remote":      remote,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// beginSession registers a WebSocket session unless shutdown has started.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrCodeUnsupported:
		return http.StatusNotImplemented
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeUnavailable, errors.ErrCodeResourceBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
