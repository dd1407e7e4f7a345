// Package diagnostics exposes a read-only HTTP surface for operator
// introspection — health, the projected ledger, task registry state, and
// recent stream history. Distinct from any conversational front end: every
// route is a plain JSON read with no session-processing side effects.
package diagnostics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/agentctl/internal/ledger"
	"github.com/codeready-toolchain/agentctl/internal/registry"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

// Server wires the read-only diagnostics endpoints to gin.
type Server struct {
	stream *stream.Stream
	ledger *ledger.Store
	reg    *registry.Registry
	start  time.Time
}

// New builds a diagnostics Server over the shared stream, ledger store, and
// task registry. Routes never mutate any of them.
func New(s *stream.Stream, store *ledger.Store, reg *registry.Registry) *Server {
	return &Server{stream: s, ledger: store, reg: reg, start: time.Now()}
}

// Register attaches all diagnostics routes to an existing gin engine, so the
// caller controls the engine's mode and middleware stack.
func (srv *Server) Register(router *gin.Engine) {
	router.GET("/healthz", srv.handleHealthz)
	router.GET("/ledger", srv.handleLedger)
	router.GET("/tasks", srv.handleTasks)
	router.GET("/events/recent", srv.handleRecentEvents)
}

func (srv *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"uptime_sec": int(time.Since(srv.start).Seconds()),
	})
}

// handleLedger returns the current projected ledger as structured JSON. The
// rendered markdown file (.opencode/LEDGER.md) remains the human-facing view;
// this is the machine-facing equivalent for tooling.
func (srv *Server) handleLedger(c *gin.Context) {
	c.JSON(http.StatusOK, srv.ledger.Current())
}

func (srv *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks":   srv.reg.Summary(),
		"pending": srv.reg.ByStatus(registry.StatusPending),
		"running": srv.reg.ByStatus(registry.StatusRunning),
	})
}

// handleRecentEvents returns the most recent events from the history ring,
// optionally narrowed by limit, stream_id, and type query params.
func (srv *Server) handleRecentEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	filter := stream.Filter{
		StreamID: c.Query("stream_id"),
		Type:     stream.EventType(c.Query("type")),
	}
	c.JSON(http.StatusOK, gin.H{
		"events": srv.stream.History(limit, filter),
	})
}
