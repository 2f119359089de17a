package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/duet/internal/core/domain"
)

// CallLog keeps finished calls in memory, newest last.
type CallLog struct {
	mu      sync.RWMutex
	records []domain.CallRecord
	limit   int
}

// NewCallLog keeps at most limit records; zero means unbounded.
func NewCallLog(limit int) *CallLog {
	return &CallLog{limit: limit}
}

func (l *CallLog) Save(ctx context.Context, rec domain.CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if l.limit > 0 && len(l.records) > l.limit {
		l.records = l.records[len(l.records)-l.limit:]
	}
	return nil
}

func (l *CallLog) List(ctx context.Context, user domain.UserID) ([]domain.CallRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.CallRecord
	for _, r := range l.records {
		if r.LocalUserID == user || r.RemoteUserID == user {
			out = append(out, r)
		}
	}
	return out, nil
}
