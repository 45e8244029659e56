package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// runLogMaxLen caps the run stream (approximate trimming).
const runLogMaxLen = 10_000

// Run statuses.
const (
	StatusSucceeded = "succeeded" // tool returned output
	StatusErrored   = "errored"   // tool returned an execution error
	StatusFailed    = "failed"    // dispatch failed: timeout, crash, cancellation
)

// RunRecord is one tool execution.
type RunRecord struct {
	ID         string    `json:"id,omitempty"`
	ToolID     string    `json:"toolId"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
	TeamID     string    `json:"teamId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	At         time.Time `json:"at"`
}

// RunLog appends execution records to a capped Redis stream.
type RunLog struct {
	client *redis.Client
	key    string
}

// NewRunLog returns the run log under prefix.
func NewRunLog(client *redis.Client, prefix string) *RunLog {
	return &RunLog{client: client, key: prefix + "runs"}
}

// Append adds r and returns its stream entry ID.
func (l *RunLog) Append(ctx context.Context, r RunRecord) (string, error) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key,
		MaxLen: runLogMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"toolId":     r.ToolID,
			"mode":       r.Mode,
			"status":     r.Status,
			"error":      r.Error,
			"durationMs": r.DurationMS,
			"teamId":     r.TeamID,
			"userId":     r.UserID,
			"at":         r.At.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("appending run record for %s: %w", r.ToolID, err)
	}
	return id, nil
}

// Recent returns up to n records, newest first.
func (l *RunLog) Recent(ctx context.Context, n int64) ([]RunRecord, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.key, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("reading run log: %w", err)
	}
	out := make([]RunRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, parseRunRecord(m))
	}
	return out, nil
}

func parseRunRecord(m redis.XMessage) RunRecord {
	str := func(k string) string {
		s, _ := m.Values[k].(string)
		return s
	}
	r := RunRecord{
		ID:     m.ID,
		ToolID: str("toolId"),
		Mode:   str("mode"),
		Status: str("status"),
		Error:  str("error"),
		TeamID: str("teamId"),
		UserID: str("userId"),
	}
	r.DurationMS, _ = strconv.ParseInt(str("durationMs"), 10, 64)
	r.At, _ = time.Parse(time.RFC3339Nano, str("at"))
	return r
}
