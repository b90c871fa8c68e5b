package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perpsync/perpsync/storage/sqlcgen"
)

// CancelOutcome is the state of a cancellation attempt.
type CancelOutcome string

const (
	CancelPending   CancelOutcome = "pending"
	CancelConfirmed CancelOutcome = "confirmed"
	CancelFailed    CancelOutcome = "failed"
)

// ErrAttemptNotFound is returned when finishing an attempt that was never
// started.
var ErrAttemptNotFound = errors.New("storage: cancel attempt not found")

const defaultListLimit = 100

// CancelAttempt is one run of the cancel-order flow.
type CancelAttempt struct {
	ID         string        `json:"id"`
	OrderID    string        `json:"orderId"`
	Symbol     string        `json:"symbol"`
	Trader     string        `json:"trader,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Outcome    CancelOutcome `json:"outcome"`
	TxHash     string        `json:"txHash,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// CancelResult closes an attempt.
type CancelResult struct {
	Outcome    CancelOutcome
	TxHash     string
	Error      string
	FinishedAt time.Time
}

func (s *Storage) RecordCancelStarted(ctx context.Context, attempt CancelAttempt) error {
	if attempt.ID == "" {
		return errors.New("storage: cancel attempt id is required")
	}
	outcome := attempt.Outcome
	if outcome == "" {
		outcome = CancelPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.queries.InsertCancelAttempt(ctx, sqlcgen.InsertCancelAttemptParams{
		ID:           attempt.ID,
		OrderID:      attempt.OrderID,
		Symbol:       attempt.Symbol,
		Trader:       attempt.Trader,
		StartedAtUtc: attempt.StartedAt.UTC().UnixMilli(),
		Outcome:      string(outcome),
	})
	if err != nil {
		return fmt.Errorf("insert cancel attempt: %w", err)
	}
	return nil
}

func (s *Storage) RecordCancelFinished(ctx context.Context, id string, result CancelResult) error {
	finished := result.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	finishedMillis := finished.UTC().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.queries.FinishCancelAttempt(ctx, sqlcgen.FinishCancelAttemptParams{
		FinishedAtUtc: &finishedMillis,
		Outcome:       string(result.Outcome),
		TxHash:        stringPtr(result.TxHash),
		Error:         stringPtr(result.Error),
		ID:            id,
	})
	if err != nil {
		return fmt.Errorf("update cancel attempt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	return nil
}

// ListCancelAttempts returns the newest attempts first. limit <= 0 uses a
// default.
func (s *Storage) ListCancelAttempts(ctx context.Context, limit int) ([]CancelAttempt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.queries.ListCancelAttempts(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list cancel attempts: %w", err)
	}

	out := make([]CancelAttempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, convertCancelAttempt(row))
	}
	return out, nil
}

func convertCancelAttempt(row sqlcgen.CancelAttempt) CancelAttempt {
	a := CancelAttempt{
		ID:        row.ID,
		OrderID:   row.OrderID,
		Symbol:    row.Symbol,
		Trader:    row.Trader,
		StartedAt: time.UnixMilli(row.StartedAtUtc).UTC(),
		Outcome:   CancelOutcome(row.Outcome),
	}
	if row.FinishedAtUtc != nil {
		at := time.UnixMilli(*row.FinishedAtUtc).UTC()
		a.FinishedAt = &at
	}
	if row.TxHash != nil {
		a.TxHash = *row.TxHash
	}
	if row.Error != nil {
		a.Error = *row.Error
	}
	return a
}
