package testutil

import (
	"context"
	"sync"

	"github.com/bnema/caravel/internal/domain"
)

// FakeHistory is an in-memory HistoryStore.
type FakeHistory struct {
	mu      sync.Mutex
	Records []domain.DeploymentRecord
	Err     error
}

func (f *FakeHistory) Append(_ context.Context, record domain.DeploymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Records = append(f.Records, record)
	return nil
}

func (f *FakeHistory) Recent(_ context.Context, n int) ([]domain.DeploymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	records := make([]domain.DeploymentRecord, 0, n)
	for i := len(f.Records) - 1; i >= 0 && len(records) < n; i-- {
		records = append(records, f.Records[i])
	}
	return records, nil
}

func (f *FakeHistory) Close() error { return nil }

// Last returns the most recent record, or false.
func (f *FakeHistory) Last() (domain.DeploymentRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Records) == 0 {
		return domain.DeploymentRecord{}, false
	}
	return f.Records[len(f.Records)-1], true
}
