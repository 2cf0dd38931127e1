package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/miner"
)

var _ miner.StatsSink = (*Client)(nil)

func TestAverageMembers(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	tests := []struct {
		name   string
		values []string
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []string{hashrateMember(100, at)}, 100},
		{"mean", []string{hashrateMember(100, at), hashrateMember(300, at.Add(time.Second))}, 200},
		{"garbage skipped", []string{"x:y", hashrateMember(50, at)}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := averageMembers(tt.values); got != tt.want {
				t.Errorf("average = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_BadURL(t *testing.T) {
	if _, err := NewClient(context.Background(), DefaultConfig("not-a-url")); err == nil {
		t.Error("expected error")
	}
}

func TestClient_Integration(t *testing.T) {
	url := os.Getenv("POWTOKEN_TEST_REDIS_URL")
	if testing.Short() || url == "" {
		t.Skip("set POWTOKEN_TEST_REDIS_URL to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewClient(ctx, DefaultConfig(url))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := c.LatestBlock(ctx); err != nil || ok {
		t.Fatalf("LatestBlock on empty db = %v, %v", ok, err)
	}

	ev := contract.MiningEvent{BlockNumber: 5, Reward: 50}
	for _, want := range []bool{true, false} {
		first, err := c.RecordBlock(ctx, &ev)
		if err != nil || first != want {
			t.Fatalf("RecordBlock = %v, %v; want %v", first, err, want)
		}
	}
	older := contract.MiningEvent{BlockNumber: 3, Reward: 50}
	if _, err := c.RecordBlock(ctx, &older); err != nil {
		t.Fatal(err)
	}

	latest, ok, err := c.LatestBlock(ctx)
	if err != nil || !ok || latest != 5 {
		t.Errorf("latest = %d, %v, %v", latest, ok, err)
	}
	if rewards, err := c.Rewards(ctx, ev.Miner.String()); err != nil || rewards != 100 {
		t.Errorf("rewards = %d, %v", rewards, err)
	}

	now := time.Now()
	_ = c.RecordHashrate(ctx, miner.HashrateReport{Miner: "rig", HashesPerSecond: 100, At: now.Add(-time.Second)})
	_ = c.RecordHashrate(ctx, miner.HashrateReport{Miner: "rig", HashesPerSecond: 300, At: now})
	if avg, err := c.AverageHashrate(ctx, "rig", now, time.Minute); err != nil || avg != 200 {
		t.Errorf("average = %v, %v", avg, err)
	}
}
