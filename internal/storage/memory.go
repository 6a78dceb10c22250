package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps alerts in process memory. It backs runs without a
// database and the engine tests; every method is atomic under one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	alerts  map[string]Alert
	samples []RatioSample
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]Alert), now: time.Now}
}

// Create stores alert, assigning an ID when missing.
func (m *MemoryStore) Create(_ context.Context, alert Alert) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now().UTC()
	}
	if alert.ClaimCode != "" && alert.ChatSessionID == "" {
		for _, existing := range m.alerts {
			if existing.ClaimCode == alert.ClaimCode && existing.ChatSessionID == "" {
				return Alert{}, ErrClaimCodeTaken
			}
		}
	}
	m.alerts[alert.ID] = alert
	return alert, nil
}

// Get returns a copy of the alert with id.
func (m *MemoryStore) Get(id string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	return alert, ok
}

// ListOpen returns open alerts ordered by creation time.
func (m *MemoryStore) ListOpen(_ context.Context) ([]Alert, error) {
	return m.filter(func(a Alert) bool { return a.IsOpen }, false, 0), nil
}

// ListByAccount returns alerts for accountID, newest first.
func (m *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]Alert, error) {
	return m.filter(func(a Alert) bool { return a.AccountID == accountID }, true, 0), nil
}

// ListAlerts returns up to limit alerts, newest first.
func (m *MemoryStore) ListAlerts(_ context.Context, limit int) ([]Alert, error) {
	return m.filter(func(Alert) bool { return true }, true, limit), nil
}

func (m *MemoryStore) filter(keep func(Alert) bool, newestFirst bool, limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if keep(alert) {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CloseAlert marks an open alert as fired.
func (m *MemoryStore) CloseAlert(_ context.Context, id string, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok || !alert.IsOpen {
		return ErrAlertNotFound
	}
	alert.IsOpen = false
	fired := firedAt
	alert.FiredAt = &fired
	m.alerts[id] = alert
	return nil
}

// FindByClaimCode returns the open, unclaimed chat alert holding code.
func (m *MemoryStore) FindByClaimCode(_ context.Context, code string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, alert := range m.alerts {
		if alert.ClaimCode == code && alert.PendingClaim() && alert.IsOpen {
			found := alert
			return &found, nil
		}
	}
	return nil, nil
}

// BindSession attaches a chat session to an alert.
func (m *MemoryStore) BindSession(_ context.Context, id, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	alert.ChatSessionID = sessionID
	m.alerts[id] = alert
	return nil
}

// PurgeExpiredUnclaimed deletes unclaimed chat alerts created before now-olderThan.
func (m *MemoryStore) PurgeExpiredUnclaimed(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	var removed int64
	for id, alert := range m.alerts {
		if alert.PendingClaim() && alert.CreatedAt.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	return removed, nil
}

// InsertRatioSample appends one evaluation, replacing a sample with the same key.
func (m *MemoryStore) InsertRatioSample(_ context.Context, sample RatioSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.samples {
		if existing.AlertID == sample.AlertID && existing.EvaluatedAt.Equal(sample.EvaluatedAt) {
			sample.ID = existing.ID
			m.samples[i] = sample
			return nil
		}
	}
	sample.ID = int64(len(m.samples) + 1)
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = m.now().UTC()
	}
	m.samples = append(m.samples, sample)
	return nil
}

// ListSamplesBetween lists one alert's samples within [from, to).
func (m *MemoryStore) ListSamplesBetween(_ context.Context, alertID string, from, to time.Time) ([]RatioSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RatioSample, 0)
	for _, sample := range m.samples {
		if sample.AlertID != alertID {
			continue
		}
		if sample.EvaluatedAt.Before(from) || !sample.EvaluatedAt.Before(to) {
			continue
		}
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatedAt.Before(out[j].EvaluatedAt) })
	return out, nil
}

// ListRecentSamples lists up to limit samples, newest first.
func (m *MemoryStore) ListRecentSamples(_ context.Context, limit int) ([]RatioSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RatioSample, len(m.samples))
	copy(out, m.samples)
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatedAt.After(out[j].EvaluatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ AlertStore       = (*MemoryStore)(nil)
	_ IntakeStore      = (*MemoryStore)(nil)
	_ RatioSampleStore = (*MemoryStore)(nil)
)
