// agentctl runs the orchestrator core: the durable event stream, task
// registry, supervisor, ledger projector, checkpoint/HITL subsystem, and
// learning extractor that make up the orchestrator core. It wires
// those components to a Runtime (here, the in-memory development fallback —
// a real deployment supplies a Runtime backed by the external conversational
// runtime) and exposes a read-only diagnostics HTTP surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/agentctl/internal/checkpoint"
	"github.com/codeready-toolchain/agentctl/internal/config"
	"github.com/codeready-toolchain/agentctl/internal/diagnostics"
	"github.com/codeready-toolchain/agentctl/internal/ledger"
	"github.com/codeready-toolchain/agentctl/internal/learning"
	"github.com/codeready-toolchain/agentctl/internal/learningstore"
	"github.com/codeready-toolchain/agentctl/internal/orcherr"
	"github.com/codeready-toolchain/agentctl/internal/recovery"
	"github.com/codeready-toolchain/agentctl/internal/registry"
	"github.com/codeready-toolchain/agentctl/internal/runtime"
	"github.com/codeready-toolchain/agentctl/internal/spawner"
	"github.com/codeready-toolchain/agentctl/internal/stream"
	"github.com/codeready-toolchain/agentctl/internal/supervisor"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	opts := config.LoadOptions(*configDir)

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
	log := slog.With("component", "main")

	agentsPath := getEnv("AGENTS_CONFIG_PATH", filepath.Join(*configDir, "agents.yaml"))
	agents, err := config.LoadAgentRegistry(agentsPath)
	if err != nil {
		log.Error("failed to load agent registry", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(opts.StreamPath), 0o755); err != nil {
		log.Error("failed to create stream directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(opts.CheckpointPath, 0o755); err != nil {
		log.Error("failed to create checkpoint directory", "error", err)
		os.Exit(1)
	}

	s, err := stream.New(stream.Options{
		Dir:             filepath.Dir(opts.StreamPath),
		BaseName:        filepath.Base(opts.StreamPath),
		MaxSegmentBytes: int64(opts.MaxStreamSizeMB) * 1024 * 1024,
	})
	if err != nil {
		log.Error("failed to open event stream", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("error closing event stream", "error", err)
		}
	}()

	sessionID := getEnv("ROOT_SESSION_ID", "root")
	ledgerPath := filepath.Join(filepath.Dir(opts.StreamPath), "LEDGER.md")
	snapshot, err := ledger.LoadSnapshot(ledgerPath)
	if err != nil {
		log.Warn("failed to load ledger snapshot, starting fresh", "error", err)
	}
	if snapshot == nil {
		snapshot = ledger.New(sessionID)
	}
	ledgerStore := ledger.NewStore(ledgerPath, snapshot)
	defer func() {
		if err := ledgerStore.Close(); err != nil {
			log.Warn("error closing ledger store", "error", err)
		}
	}()

	// The ledger is a pure projection of the ledger.* event family: every
	// such event appended to the stream is folded into the
	// in-memory projection and debounced to disk here, the one place that
	// bridges the Stream and the Store.
	unsubscribeLedger := s.Subscribe(stream.AnyType, func(ev stream.Event) {
		ledgerStore.ApplyEvent(ev)
	})

	reg := registry.New()
	// Task status changes are observable to the ledger only once they're
	// re-expressed as ledger.task.* events; the registry itself has no
	// notion of ledger task ids beyond what it was given at Register time.
	reg.OnLedgerProject(func(ledgerTaskID string, status registry.Status, result, errMsg string) {
		if ledgerTaskID == "" {
			return
		}
		evType, ok := ledgerEventForStatus(status)
		if !ok {
			return
		}
		_, _ = s.Append(stream.Input{
			Type:     evType,
			StreamID: sessionID,
			Actor:    "registry",
			Payload: stream.Payload{
				"task_id": ledgerTaskID,
				"result":  result,
				"error":   errMsg,
			},
		})
	})

	checkpoints := checkpoint.NewManager(func(cp checkpoint.Checkpoint) {
		log.Warn("checkpoint timed out", "checkpoint_id", cp.ID, "decision_point", cp.DecisionPoint)
		_, _ = s.Append(stream.Input{
			Type:       stream.EventCheckpointRejected,
			StreamID:   cp.StreamID,
			Actor:      "supervisor",
			Payload:    stream.Payload{"checkpoint_id": cp.ID, "reason": "timeout"},
			Checkpoint: &cp,
		})
	}, checkpoint.WithSnapshots(opts.CheckpointPath, opts.MaxCheckpoints))

	rt := runtime.NewInMemory()

	recResult, err := recovery.Resume(s, ledgerStore, reg, checkpoints, opts.StuckThreshold)
	if err != nil {
		log.Error("crash recovery failed", "error", err)
		os.Exit(1)
	}
	log.Info("recovered from event log",
		"events_replayed", recResult.EventsReplayed,
		"last_offset", recResult.LastOffset,
		"hydrated_tasks", len(recResult.HydratedTaskIDs),
		"pending_checkpoints", recResult.PendingCheckpoints)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	known := make(map[string]bool, len(recResult.HydratedTaskIDs))
	for _, id := range recResult.HydratedTaskIDs {
		if t, ok := reg.Get(id); ok && t.SessionID != "" {
			known[t.SessionID] = true
		}
	}
	if closed, err := recovery.SweepOrphanSessions(ctx, rt, known); err != nil {
		log.Warn("startup orphan sweep failed", "error", err)
	} else if len(closed) > 0 {
		log.Info("reaped orphaned runtime sessions at startup", "count", len(closed))
	}

	sp := spawner.New(rt, s, reg, ledgerStore, agents, "coordinator",
		spawner.WithContextPreservation(opts.EnableContextPreservation))

	var persister learning.Persister
	if dsn := os.Getenv("LEARNING_STORE_DSN"); dsn != "" {
		store, err := learningstore.Open(ctx, dsn)
		if err != nil {
			log.Warn("failed to open learning store, falling back to in-memory", "error", err)
			persister = learningstore.NewMemoryStore()
		} else {
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn("error closing learning store", "error", err)
				}
			}()
			persister = store
		}
	} else {
		persister = learningstore.NewMemoryStore()
	}
	if loader, ok := persister.(learning.Loader); ok {
		seedLearningsFromArchive(ctx, loader, ledgerStore, sessionID, log)
	}
	extractor := learning.NewExtractor(sessionID, s, learning.WithPersister(persister))
	unsubscribeLearning := extractor.Subscribe()

	// With HITL disabled a stuck task is still marked stale and its epic
	// paused, but no approval request is raised.
	supCheckpoints := checkpoints
	if !opts.EnableHumanInLoop {
		supCheckpoints = nil
	}
	sup := supervisor.New(rt, reg, s, ledgerStore, supCheckpoints, spawnerRetrier{sp},
		supervisor.WithIntervals(opts.BaseInterval, opts.MaxInterval),
		supervisor.WithStuckThreshold(opts.StuckThreshold),
		supervisor.WithCheckpointTimeout(opts.CheckpointTimeout))
	sup.Start(ctx)

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))
	router := gin.Default()
	diagnostics.New(s, ledgerStore, reg).Register(router)
	// The one mutating route lives here rather than in the read-only
	// diagnostics surface: it is the request-ingestion entry point that
	// decomposes an accepted user request into a supervised epic.
	router.POST("/requests", handleStartEpic(sp, sessionID))

	srv := &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}

	go func() {
		log.Info("diagnostics HTTP server listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("diagnostics server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("error shutting down diagnostics server", "error", err)
	}

	// Shutdown protocol: stop supervisor ticker; reset registry;
	// resolve pending checkpoints as shutdown; flush learning extractor;
	// flush projector; flush stream; release memory store.
	sup.Stop()
	reg.Reset()
	checkpoints.Shutdown()
	unsubscribeLearning()
	unsubscribeLedger()
	if err := ledgerStore.Flush(); err != nil {
		log.Warn("error flushing ledger on shutdown", "error", err)
	}
	cancel()

	log.Info("shutdown complete")
}

// epicRequest is the ingestion payload: a user request decomposed into up
// to three delegations.
type epicRequest struct {
	Title   string `json:"title" binding:"required"`
	Request string `json:"request"`
	Tasks   []struct {
		Agent      string `json:"agent" binding:"required"`
		Prompt     string `json:"prompt" binding:"required"`
		TimeoutMS  int64  `json:"timeout_ms"`
		Complexity string `json:"complexity"`
	} `json:"tasks" binding:"required"`
}

func handleStartEpic(sp *spawner.Spawner, sessionID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req epicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		specs := make([]spawner.TaskSpec, 0, len(req.Tasks))
		for _, t := range req.Tasks {
			specs = append(specs, spawner.TaskSpec{
				AgentName:  t.Agent,
				Prompt:     t.Prompt,
				TimeoutMS:  t.TimeoutMS,
				Complexity: registry.Complexity(t.Complexity),
			})
		}

		epicID, taskIDs, err := sp.StartEpic(c.Request.Context(), sessionID, req.Title, req.Request, specs)
		if err != nil {
			status := http.StatusInternalServerError
			switch orcherr.Code(err) {
			case "MISSING_ARGUMENT", "ACCESS_DENIED", "RECURSION_DETECTED", "AGENT_NOT_FOUND":
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error(), "code": orcherr.Code(err), "epic_id": epicID, "task_ids": taskIDs})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"epic_id": epicID, "task_ids": taskIDs})
	}
}

// seedLearningsFromArchive backfills the ledger's in-memory learning pool
// from the durable archive before the spawner's first context assembly
// (keyword retrieval), so a restart whose ledger
// snapshot lagged or was lost still sees the archive's history.
func seedLearningsFromArchive(ctx context.Context, loader learning.Loader, ledgerStore *ledger.Store, sessionID string, log *slog.Logger) {
	recent, err := loader.Recent(ctx, sessionID, learning.DefaultMaxLearnings)
	if err != nil {
		log.Warn("failed to load recent learnings from archive", "error", err)
		return
	}
	if len(recent) == 0 {
		return
	}

	var decisions, corrections, antiPatterns, preferences []string
	for _, l := range recent {
		switch l.Kind {
		case learning.KindDecision:
			decisions = append(decisions, l.Content)
		case learning.KindCorrection:
			corrections = append(corrections, l.Content)
		case learning.KindAntiPattern:
			antiPatterns = append(antiPatterns, l.Content)
		case learning.KindPreference:
			preferences = append(preferences, l.Content)
		}
	}
	ledgerStore.Mutate(func(l *ledger.Ledger) {
		l.SeedLearnings(decisions, corrections, antiPatterns, preferences)
	})
	log.Info("seeded learning pool from durable archive", "count", len(recent))
}

// ledgerEventForStatus maps a registry.Status to the ledger.task.* event
// type that represents it in the projected ledger, when one exists. Pending
// and stale have no dedicated ledger.task.* event — they're not part of the
// projector's authoritative event set and remain visible only through the
// registry.
func ledgerEventForStatus(status registry.Status) (stream.EventType, bool) {
	switch status {
	case registry.StatusRunning:
		return stream.EventLedgerTaskStarted, true
	case registry.StatusCompleted:
		return stream.EventLedgerTaskCompleted, true
	case registry.StatusFailed, registry.StatusTimeout:
		return stream.EventLedgerTaskFailed, true
	case registry.StatusSuspended:
		return stream.EventLedgerTaskYielded, true
	default:
		return "", false
	}
}

// spawnerRetrier adapts *spawner.Spawner to supervisor.Retrier, so the
// supervisor can re-dispatch a timed-out task without importing the spawner
// package directly.
type spawnerRetrier struct {
	sp *spawner.Spawner
}

func (r spawnerRetrier) Retry(ctx context.Context, t registry.Task) (string, error) {
	return r.sp.Redispatch(ctx, t)
}
