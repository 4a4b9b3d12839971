// Package assessment wraps the risk pipeline with everything a running
// service needs around it: a live weight configuration, an audit store,
// metrics, tracing and the decision feed.
//
// The risk package stays pure; all I/O lives here.
package assessment

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sessionguard/internal/risk"
)

var (
	ErrNotFound        = errors.New("assessment: not found")
	ErrBatchTooLarge   = errors.New("assessment: batch too large")
	ErrEmptyBatch      = errors.New("assessment: empty batch")
	ErrInvalidWeights  = errors.New("assessment: invalid weights")
	ErrInvalidArgument = errors.New("assessment: invalid argument")
)

// MaxBatchSize bounds POST /v1/score/batch and ScoreBatch.
const MaxBatchSize = 100

// Assessment is one audited evaluation.
type Assessment struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id,omitempty"`
	Result      risk.ScoreResult `json:"result"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
}

// Clone returns a deep copy of a.
func (a *Assessment) Clone() *Assessment {
	c := *a
	c.Result = a.Result.Clone()
	return &c
}

// ScoreRequest is the input to Service.Score.
type ScoreRequest struct {
	SessionID string          `json:"session_id,omitempty"`
	Payload   risk.ScoreInput `json:"payload"`
}

// Store persists assessments for audit.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	Get(ctx context.Context, id string) (*Assessment, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error)
	PingContext(ctx context.Context) error
}
