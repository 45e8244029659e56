// Package executor decides where a tool runs and returns its normalized
// result. In-process tools are called directly; everything else gets a fresh
// worker and a Session.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/auxothq/toolhost/internal/worker"
	"github.com/auxothq/toolhost/pkg/invoke"
	"github.com/auxothq/toolhost/pkg/protocol"
	"github.com/auxothq/toolhost/pkg/store"
	"github.com/auxothq/toolhost/pkg/tools"
	"github.com/auxothq/toolhost/pkg/upload"
)

// ModeInProcess is the run-log mode for tools called in the host process.
const ModeInProcess = "inprocess"

// ErrToolNotFound is returned when a tool ID does not resolve.
var ErrToolNotFound = errors.New("tool not found")

// RunLog records executions.
type RunLog interface {
	Append(ctx context.Context, r store.RunRecord) (string, error)
}

// Config wires an Executor.
type Config struct {
	Tools    worker.Resolver
	Spawner  worker.Spawner
	Registry *invoke.Registry
	Uploader upload.Uploader
	RunLog   RunLog // optional

	// Timeout is the default session deadline; a descriptor may override it.
	Timeout time.Duration

	// SpawnRate is workers per second; zero or less disables the limit.
	SpawnRate  float64
	SpawnBurst int

	Logger *slog.Logger
}

// Executor runs tools.
type Executor struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = worker.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.SpawnRate > 0 {
		limit = rate.Limit(cfg.SpawnRate)
	}
	burst := cfg.SpawnBurst
	if burst < 1 {
		burst = 1
	}
	return &Executor{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  cfg.Logger.With("component", "executor"),
	}
}

// Mode returns the worker transport in use.
func (e *Executor) Mode() string {
	if e.cfg.Spawner == nil {
		return ""
	}
	return e.cfg.Spawner.Mode()
}

// Resolve looks a tool up by ID.
func (e *Executor) Resolve(toolID string) (*tools.Descriptor, error) {
	desc, ok := e.cfg.Tools.GetTool(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	return desc, nil
}

// Run resolves req.ToolID and executes it.
func (e *Executor) Run(ctx context.Context, req protocol.RunRequest, onStream func(json.RawMessage) error) (protocol.ToolResult, error) {
	desc, err := e.Resolve(req.ToolID)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return e.Execute(ctx, desc, req, onStream)
}

// Execute runs desc with the request inputs. Stream payloads are delivered to
// onStream synchronously and in order, all before Execute returns.
//
// Execution errors come back in ToolResult.Error; the returned error is for
// dispatch failures only.
func (e *Executor) Execute(ctx context.Context, desc *tools.Descriptor, req protocol.RunRequest, onStream func(json.RawMessage) error) (protocol.ToolResult, error) {
	mode := ModeInProcess
	if desc.IsWorkerRun() {
		mode = e.Mode()
	}
	logger := e.logger.With("tool_id", desc.ID, "mode", mode)
	logger.Info("executing tool")

	start := time.Now()
	var (
		res protocol.ToolResult
		err error
	)
	if desc.IsWorkerRun() {
		res, err = e.executeWorker(ctx, desc, req, onStream, logger)
	} else {
		res, err = e.executeInProcess(ctx, desc, req, onStream, logger)
	}
	duration := time.Since(start)

	rec := store.RunRecord{
		ToolID:     desc.ID,
		Mode:       mode,
		DurationMS: duration.Milliseconds(),
		TeamID:     req.SystemVar.User.TeamID,
		UserID:     req.SystemVar.User.ID,
	}
	switch {
	case err != nil:
		logger.Error("tool execution failed", "error", err, "duration_ms", rec.DurationMS)
		rec.Status, rec.Error = store.StatusFailed, err.Error()
	case res.Error != "":
		logger.Info("tool returned an error", "error", res.Error, "duration_ms", rec.DurationMS)
		rec.Status, rec.Error = store.StatusErrored, res.Error
	default:
		logger.Info("tool execution complete", "duration_ms", rec.DurationMS)
		rec.Status = store.StatusSucceeded
	}
	e.record(ctx, rec, logger)

	return res, err
}

func (e *Executor) timeoutFor(desc *tools.Descriptor) time.Duration {
	if desc.Timeout > 0 {
		return desc.Timeout
	}
	return e.cfg.Timeout
}

func (e *Executor) executeWorker(ctx context.Context, desc *tools.Descriptor, req protocol.RunRequest, onStream func(json.RawMessage) error, logger *slog.Logger) (protocol.ToolResult, error) {
	if e.cfg.Spawner == nil {
		return protocol.ToolResult{}, errors.New("no worker spawner configured")
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return protocol.ToolResult{}, fmt.Errorf("waiting for worker spawn slot: %w", err)
	}
	w, err := e.cfg.Spawner.Spawn(ctx)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("spawning worker: %w", err)
	}

	sess := worker.NewSession(w, worker.SessionConfig{
		Timeout:  e.timeoutFor(desc),
		Registry: e.cfg.Registry,
		Uploader: e.cfg.Uploader,
		Logger:   logger,
	}, onStream)

	return sess.Run(ctx, protocol.RunToolMessage{
		ToolID:      desc.ID,
		ToolDirName: desc.Dir,
		Inputs:      req.Inputs,
		SystemVar:   req.SystemVar,
	})
}

func (e *Executor) executeInProcess(ctx context.Context, desc *tools.Descriptor, req protocol.RunRequest, onStream func(json.RawMessage) error, logger *slog.Logger) (protocol.ToolResult, error) {
	timeout := e.timeoutFor(desc)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tc := &tools.Context{
		SystemVar:  req.SystemVar,
		StreamFunc: onStream,
		Invoker:    invoke.Unavailable{},
		Uploader:   e.cfg.Uploader,
		LogFunc: func(args ...any) {
			logger.Info("tool log", "args", args)
		},
	}

	out, callErr := tools.SafeCall(ctx, desc, req.Inputs, tc)
	var pe *tools.PanicError
	if errors.As(callErr, &pe) {
		logger.Error("tool panicked", "panic", pe.Value, "stack", string(pe.Stack))
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.ToolResult{}, fmt.Errorf("%w after %s", worker.ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return protocol.ToolResult{}, fmt.Errorf("tool execution cancelled: %w", ctx.Err())
	}
	return tools.Normalize(out, callErr)
}

func (e *Executor) record(ctx context.Context, rec store.RunRecord, logger *slog.Logger) {
	if e.cfg.RunLog == nil {
		return
	}
	// The caller may have gone away; the record is still written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := e.cfg.RunLog.Append(ctx, rec); err != nil {
		logger.Warn("recording run", "error", err)
	}
}
