package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/auxothq/toolhost/pkg/invoke"
	"github.com/auxothq/toolhost/pkg/protocol"
	"github.com/auxothq/toolhost/pkg/upload"
)

// DefaultTimeout is the session deadline when none is configured.
const DefaultTimeout = 120 * time.Second

// State is a session lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FatalError is a dispatch failure reported by the worker itself, such as a
// reverse call that failed and escaped the tool.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string { return e.Message }

// SessionConfig holds what a session needs from the host.
type SessionConfig struct {
	Timeout  time.Duration
	Registry *invoke.Registry
	Uploader upload.Uploader
	Logger   *slog.Logger
}

// Session drives one worker through one tool invocation.
//
// A single goroutine (the one calling Run) owns all state, so exactly one
// terminal outcome is ever produced and nothing is delivered after it.
type Session struct {
	id       string
	worker   Worker
	cfg      SessionConfig
	onStream func(json.RawMessage) error
	logger   *slog.Logger
	state    State
}

// NewSession wraps w. onStream may be nil.
func NewSession(w Worker, cfg SessionConfig, onStream func(json.RawMessage) error) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		worker:   w,
		cfg:      cfg,
		onStream: onStream,
		logger:   cfg.Logger.With("component", "worker_session", "session_id", id),
		state:    StateCreated,
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the current state. Only meaningful from the Run goroutine or
// after Run returned.
func (s *Session) State() State { return s.state }

// Run posts msg to the worker and waits for the terminal outcome: done, the
// session deadline, worker exit, or ctx cancellation. The worker is
// terminated before Run returns.
//
// An execution error reported by the tool comes back in ToolResult.Error with
// a nil error. Every other failure is returned as the error.
func (s *Session) Run(ctx context.Context, msg protocol.RunToolMessage) (protocol.ToolResult, error) {
	if s.state != StateCreated {
		return protocol.ToolResult{}, fmt.Errorf("session %s already %s", s.id, s.state)
	}
	s.logger = s.logger.With("tool_id", msg.ToolID)

	// Reverse-call handlers run on their own goroutines and die with the session.
	hctx, cancelHandlers := context.WithCancel(ctx)
	timer := time.NewTimer(s.cfg.Timeout)
	defer func() {
		s.state = StateTerminated
		timer.Stop()
		cancelHandlers()
		s.worker.Terminate()
	}()

	env, err := protocol.NewEnvelope(protocol.TypeRunTool, msg)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	s.state = StateRunning
	if err := s.worker.Post(env); err != nil {
		return protocol.ToolResult{}, fmt.Errorf("posting runTool: %w", err)
	}

	msgs := s.worker.Messages()
	for {
		select {
		case env, ok := <-msgs:
			if !ok {
				if werr := s.worker.Err(); werr != nil {
					return protocol.ToolResult{}, fmt.Errorf("%w: %w", ErrWorkerExited, werr)
				}
				return protocol.ToolResult{}, ErrWorkerExited
			}
			if res, done, err := s.handle(hctx, env, msg.SystemVar); done {
				return res, err
			}

		case <-timer.C:
			s.logger.Warn("session deadline exceeded", "timeout", s.cfg.Timeout.String())
			return protocol.ToolResult{}, fmt.Errorf("%w after %s", ErrTimeout, s.cfg.Timeout)

		case <-ctx.Done():
			s.logger.Info("session cancelled", "reason", ctx.Err())
			return protocol.ToolResult{}, fmt.Errorf("tool execution cancelled: %w", ctx.Err())
		}
	}
}

// handle processes one worker message. done reports a terminal outcome.
func (s *Session) handle(ctx context.Context, env protocol.Envelope, sv protocol.SystemVar) (res protocol.ToolResult, done bool, err error) {
	decoded, derr := protocol.DecodeFromWorker(env)
	if derr != nil {
		s.logger.Warn("ignoring worker message", "error", derr)
		return res, false, nil
	}

	switch m := decoded.(type) {
	case protocol.StreamMessage:
		if s.onStream == nil {
			return res, false, nil
		}
		if err := s.onStream(m.Payload); err != nil {
			s.logger.Debug("stream delivery failed", "error", err)
		}
		return res, false, nil

	case protocol.LogMessage:
		s.logger.Info("tool log", "args", m.Args)
		return res, false, nil

	case protocol.InvokeRequest:
		go s.serveInvoke(ctx, m, sv)
		return res, false, nil

	case protocol.UploadFileRequest:
		go s.serveUpload(ctx, m)
		return res, false, nil

	case protocol.DoneMessage:
		if m.Fatal {
			return res, true, &FatalError{Message: m.Error}
		}
		if m.Error != "" {
			return protocol.ToolResult{Error: m.Error}, true, nil
		}
		return protocol.ToolResult{Output: m.Output}, true, nil
	}
	return res, false, nil
}

func (s *Session) serveInvoke(ctx context.Context, req protocol.InvokeRequest, sv protocol.SystemVar) {
	var reply protocol.Reply
	if s.cfg.Registry == nil {
		reply = protocol.Reply{ID: req.ID, Error: "reverse invoke is not configured"}
	} else {
		reply = s.cfg.Registry.Serve(ctx, req, sv)
	}
	s.reply(protocol.TypeInvoke, reply)
}

func (s *Session) serveUpload(ctx context.Context, req protocol.UploadFileRequest) {
	var reply protocol.Reply
	if s.cfg.Uploader == nil {
		reply = protocol.Reply{ID: req.ID, Error: "file upload is not configured"}
	} else {
		reply = upload.Serve(ctx, s.cfg.Uploader, req)
	}
	s.reply(protocol.TypeUploadFile, reply)
}

func (s *Session) reply(kind protocol.MessageType, r protocol.Reply) {
	env, err := protocol.NewEnvelope(kind, r)
	if err != nil {
		s.logger.Error("encoding reply", "kind", kind, "error", err)
		return
	}
	if err := s.worker.Post(env); err != nil && !errors.Is(err, ErrTerminated) {
		s.logger.Warn("posting reply", "kind", kind, "id", r.ID, "error", err)
	}
}
