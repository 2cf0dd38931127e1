package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/pkg/log"
	"github.com/bardlex/powtoken/pkg/retry"
)

var _ miner.StatsSink = (*Manager)(nil)

type fakeArchive struct {
	mu    sync.Mutex
	seen  map[uint64]bool
	fails int
}

func (f *fakeArchive) CreateBlock(_ context.Context, ev *contract.MiningEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return false, errors.New("connection reset by peer")
	}
	if f.seen[ev.BlockNumber] {
		return false, nil
	}
	f.seen[ev.BlockNumber] = true
	return true, nil
}

type fakeStore struct {
	mu       sync.Mutex
	blocks   []uint64
	reports  int
	cacheErr error
}

func (f *fakeStore) RecordBlock(_ context.Context, ev *contract.MiningEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, ev.BlockNumber)
	return true, f.cacheErr
}

func (f *fakeStore) WriteBlock(ev *contract.MiningEvent) {
	_, _ = f.RecordBlock(context.Background(), ev)
}

func (f *fakeStore) RecordHashrate(context.Context, miner.HashrateReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports++
	return f.cacheErr
}

func newTestManager() (*Manager, *fakeArchive, *fakeStore, *fakeStore) {
	m := newManager(log.Discard())
	m.retryConfig = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	archive := &fakeArchive{seen: map[uint64]bool{}}
	cache, series := &fakeStore{}, &fakeStore{}
	m.archive, m.cache, m.series = archive, cache, series
	return m, archive, cache, series
}

func TestManager_RecordEvent(t *testing.T) {
	m, _, cache, series := newTestManager()
	ctx := context.Background()

	for _, block := range []uint64{1, 2, 2, 1} {
		if err := m.RecordEvent(ctx, contract.MiningEvent{BlockNumber: block}); err != nil {
			t.Fatalf("RecordEvent(%d): %v", block, err)
		}
	}
	if len(cache.blocks) != 2 || len(series.blocks) != 2 {
		t.Errorf("duplicates reached the cache: %v / %v", cache.blocks, series.blocks)
	}
}

func TestManager_RecordEventRetriesArchive(t *testing.T) {
	m, archive, cache, _ := newTestManager()
	archive.fails = 2

	if err := m.RecordEvent(context.Background(), contract.MiningEvent{BlockNumber: 1}); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if len(cache.blocks) != 1 {
		t.Errorf("cache saw %v", cache.blocks)
	}

	archive.fails = 10
	if err := m.RecordEvent(context.Background(), contract.MiningEvent{BlockNumber: 2}); err == nil {
		t.Error("expected archive failure")
	}
	if len(cache.blocks) != 1 {
		t.Error("cache must not be written when the archive fails")
	}
}

func TestManager_CacheFailureIsNotFatal(t *testing.T) {
	m, _, cache, series := newTestManager()
	cache.cacheErr = errors.New("redis down")

	if err := m.RecordEvent(context.Background(), contract.MiningEvent{BlockNumber: 1}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if len(series.blocks) != 1 {
		t.Error("series write skipped after cache failure")
	}
}

func TestManager_WithoutArchive(t *testing.T) {
	m, _, cache, _ := newTestManager()
	m.archive = nil

	_ = m.RecordEvent(context.Background(), contract.MiningEvent{BlockNumber: 1})
	_ = m.RecordEvent(context.Background(), contract.MiningEvent{BlockNumber: 1})
	if len(cache.blocks) != 2 {
		t.Errorf("cache saw %v; deduplication is the cache's job without an archive", cache.blocks)
	}
}

func TestManager_RecordHashrate(t *testing.T) {
	m, _, cache, series := newTestManager()
	if err := m.RecordHashrate(context.Background(), miner.HashrateReport{Miner: "rig"}); err != nil {
		t.Fatal(err)
	}
	if cache.reports != 1 || series.reports != 1 {
		t.Errorf("reports = %d / %d", cache.reports, series.reports)
	}

	cache.cacheErr = errors.New("redis down")
	if err := m.RecordHashrate(context.Background(), miner.HashrateReport{Miner: "rig"}); err == nil {
		t.Error("expected cache error")
	}
	if series.reports != 2 {
		t.Error("series skipped after cache failure")
	}
}

func TestManager_EmptyConfig(t *testing.T) {
	m, err := NewManager(context.Background(), &Config{}, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RecordEvent(context.Background(), contract.MiningEvent{}); err != nil {
		t.Error(err)
	}
	if err := m.Health(context.Background()); err != nil {
		t.Error(err)
	}
	if err := m.Close(); err != nil {
		t.Error(err)
	}
}
