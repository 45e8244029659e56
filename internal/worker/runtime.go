package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auxothq/toolhost/pkg/invoke"
	"github.com/auxothq/toolhost/pkg/protocol"
	"github.com/auxothq/toolhost/pkg/tools"
	"github.com/auxothq/toolhost/pkg/upload"
)

// Resolver looks tools up by ID.
type Resolver interface {
	GetTool(id string) (*tools.Descriptor, bool)
}

// RuntimeConfig configures the code running inside a worker.
type RuntimeConfig struct {
	Tools         Resolver
	InvokeTimeout time.Duration
	Logger        *slog.Logger
}

// Serve runs inside a worker. It waits for the runTool message, executes the
// tool, posts done and returns. Reverse calls and uploads made by the tool are
// proxied to the host over port.
func Serve(ctx context.Context, port Port, cfg RuntimeConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	first, err := port.Receive(ctx)
	if err != nil {
		return fmt.Errorf("waiting for runTool: %w", err)
	}
	decoded, err := protocol.DecodeFromHost(first)
	if err != nil {
		return err
	}
	run, ok := decoded.(protocol.RunToolMessage)
	if !ok {
		return fmt.Errorf("expected %s as first message, got %s", protocol.TypeRunTool, first.Type)
	}
	logger = logger.With("tool_id", run.ToolID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := invoke.NewClient(port.Post, cfg.InvokeTimeout)
	proxy := upload.NewProxy(port.Post, cfg.InvokeTimeout)
	go dispatchReplies(ctx, cancel, port, client, proxy, logger)

	desc, ok := cfg.Tools.GetTool(run.ToolID)
	if !ok {
		return postDone(port, protocol.DoneMessage{
			Error: fmt.Sprintf("tool not found in worker: %s", run.ToolID),
			Fatal: true,
		})
	}

	tc := &tools.Context{
		SystemVar: run.SystemVar,
		StreamFunc: func(payload json.RawMessage) error {
			return port.Post(protocol.Envelope{Type: protocol.TypeStream, Data: payload})
		},
		Invoker:  client,
		Uploader: proxy,
		LogFunc: func(args ...any) {
			env, err := protocol.NewEnvelope(protocol.TypeLog, args)
			if err != nil {
				env, _ = protocol.NewEnvelope(protocol.TypeLog, []any{fmt.Sprint(args...)})
			}
			if err := port.Post(env); err != nil {
				logger.Debug("posting log", "error", err)
			}
		},
	}

	out, callErr := tools.SafeCall(ctx, desc, run.Inputs, tc)
	var pe *tools.PanicError
	if errors.As(callErr, &pe) {
		logger.Error("tool panicked", "panic", pe.Value, "stack", string(pe.Stack))
	}

	res, fatal := tools.Normalize(out, callErr)
	if fatal != nil {
		return postDone(port, protocol.DoneMessage{Error: fatal.Error(), Fatal: true})
	}
	return postDone(port, protocol.DoneMessage{Output: res.Output, Error: res.Error})
}

// dispatchReplies routes host replies to the waiting reverse call or upload.
// When the host side goes away the tool context is cancelled.
func dispatchReplies(ctx context.Context, cancel context.CancelFunc, port Port, client *invoke.Client, proxy *upload.Proxy, logger *slog.Logger) {
	for {
		env, err := port.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("host connection closed", "error", err)
				cancel()
			}
			client.Close(err)
			proxy.Close(err)
			return
		}
		decoded, err := protocol.DecodeFromHost(env)
		if err != nil {
			logger.Warn("ignoring host message", "error", err)
			continue
		}
		reply, ok := decoded.(protocol.ReplyMessage)
		if !ok {
			logger.Warn("unexpected host message", "type", env.Type)
			continue
		}
		var matched bool
		switch reply.Kind {
		case protocol.TypeInvoke:
			matched = client.HandleReply(reply.Reply)
		case protocol.TypeUploadFile:
			matched = proxy.HandleReply(reply.Reply)
		}
		if !matched {
			logger.Debug("reply matched no pending call", "kind", reply.Kind, "id", reply.ID)
		}
	}
}

func postDone(port Port, done protocol.DoneMessage) error {
	env, err := protocol.NewEnvelope(protocol.TypeDone, done)
	if err != nil {
		return err
	}
	if err := port.Post(env); err != nil {
		return fmt.Errorf("posting done: %w", err)
	}
	return nil
}
