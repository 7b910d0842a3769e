package store

import (
	"context"
	"errors"

	"github.com/seantiz/vigil/internal/model"
)

// ErrInvalidTransition is returned when a wait status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// WaitStats holds aggregate wait statistics.
type WaitStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByPolling map[string]int `json:"count_by_polling"`
	AvgSettleMS    float64        `json:"avg_settle_ms"`
}

// Store defines the persistence operations for waits.
type Store interface {
	CreateWait(ctx context.Context, w *model.Wait) error
	GetWait(ctx context.Context, id string) (*model.Wait, error)
	ListWaits(ctx context.Context, sessionID string, limit, offset int) ([]*model.Wait, int, error)
	SettleWait(ctx context.Context, id, status string, value []byte, errMsg string, runs int) error
	GetWaitStats(ctx context.Context) (*WaitStats, error)
	Close() error
}
