package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/auxothq/toolhost/pkg/pending"
	"github.com/auxothq/toolhost/pkg/protocol"
)

// Proxy uploads from inside a worker by asking the host over the worker
// protocol. It implements Uploader.
type Proxy struct {
	post  func(protocol.Envelope) error
	calls *pending.Table[protocol.UploadResult]
}

// NewProxy returns a Proxy that posts requests with post and waits up to
// timeout for each reply.
func NewProxy(post func(protocol.Envelope) error, timeout time.Duration) *Proxy {
	return &Proxy{
		post:  post,
		calls: pending.New[protocol.UploadResult](timeout),
	}
}

// Upload sends in to the host and waits for the stored file's URL.
func (p *Proxy) Upload(ctx context.Context, in Input) (Result, error) {
	if len(in.Data) > MaxSize {
		return Result{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(in.Data), MaxSize)
	}
	res, err := p.calls.Call(ctx, func(id string) error {
		env, err := protocol.NewEnvelope(protocol.TypeUploadFile, protocol.UploadFileRequest{
			ID:          id,
			Filename:    in.Filename,
			ContentType: in.ContentType,
			Data:        in.Data,
		})
		if err != nil {
			return err
		}
		return p.post(env)
	})
	if err != nil {
		return Result{}, fmt.Errorf("uploading %s: %w", in.Filename, err)
	}
	return Result{AccessURL: res.AccessURL}, nil
}

// HandleReply completes the upload identified by r.ID.
func (p *Proxy) HandleReply(r protocol.Reply) bool {
	if r.Error != "" {
		return p.calls.Reject(r.ID, errors.New(r.Error))
	}
	var res protocol.UploadResult
	if err := json.Unmarshal(r.Data, &res); err != nil {
		return p.calls.Reject(r.ID, fmt.Errorf("decoding upload reply: %w", err))
	}
	return p.calls.Resolve(r.ID, res)
}

// Close fails every outstanding upload.
func (p *Proxy) Close(err error) {
	p.calls.Close(err)
}

// Serve stores the file described by req with u and builds the reply.
func Serve(ctx context.Context, u Uploader, req protocol.UploadFileRequest) protocol.Reply {
	res, err := u.Upload(ctx, Input{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Data:        req.Data,
	})
	if err != nil {
		return protocol.Reply{ID: req.ID, Error: err.Error()}
	}
	data, err := json.Marshal(protocol.UploadResult{AccessURL: res.AccessURL})
	if err != nil {
		return protocol.Reply{ID: req.ID, Error: err.Error()}
	}
	return protocol.Reply{ID: req.ID, Data: data}
}
