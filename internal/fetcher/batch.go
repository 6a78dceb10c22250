package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Fetcher reads a set of groups concurrently, once per distinct group.
type Fetcher struct {
	reader  GroupReader
	workers int
	timeout time.Duration
	logger  zerolog.Logger
}

// NewFetcher wraps reader with bounded fan-out. workers <= 0 means 4.
func NewFetcher(reader GroupReader, workers int, timeout time.Duration, logger zerolog.Logger) *Fetcher {
	if workers <= 0 {
		workers = 4
	}
	return &Fetcher{
		reader:  reader,
		workers: workers,
		timeout: timeout,
		logger:  logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch reads every group in groups. A failed group lands in the error map
// and never prevents the others from being returned.
func (f *Fetcher) Fetch(ctx context.Context, groups GroupSet) (map[string]*GroupSnapshot, map[string]error) {
	var (
		mu        sync.Mutex
		snapshots = make(map[string]*GroupSnapshot, len(groups))
		failures  = make(map[string]error)
	)

	p := pool.New().WithMaxGoroutines(f.workers)
	for _, id := range groups.IDs() {
		id := id
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("read group %s: panic: %v", id, r)
					mu.Lock()
					failures[id] = err
					mu.Unlock()
					f.logger.Error().Err(err).Str("group", id).Msg("group read panicked")
				}
			}()

			readCtx := ctx
			if f.timeout > 0 {
				var cancel context.CancelFunc
				readCtx, cancel = context.WithTimeout(ctx, f.timeout)
				defer cancel()
			}

			snapshot, err := f.reader.ReadGroup(readCtx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[id] = err
				f.logger.Warn().Err(err).Str("group", id).Msg("group read failed")
				return
			}
			snapshots[id] = snapshot
		})
	}
	p.Wait()

	return snapshots, failures
}
