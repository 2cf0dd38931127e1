package contract

import (
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/bardlex/powtoken/internal/pow"
)

const now = uint64(1_700_000_000_000)

type recorder struct {
	mints  map[pow.Address]uint64
	events []MiningEvent
}

func newRecorder() *recorder {
	return &recorder{mints: make(map[pow.Address]uint64)}
}

func (r *recorder) Mint(to pow.Address, amount uint64) { r.mints[to] += amount }

func (r *recorder) Emit(event MiningEvent) { r.events = append(r.events, event) }

func testAddress(b byte) pow.Address {
	var a pow.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func newTestContract(t *testing.T, mutate func(*Params)) (*Contract, *recorder) {
	t.Helper()
	p := DefaultParams()
	p.InitialDifficulty.SetOne()
	if mutate != nil {
		mutate(&p)
	}
	rec := newRecorder()
	c, err := New(p, now-60_000, rec, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, rec
}

// solve searches for a nonce meeting the current difficulty
func solve(t *testing.T, c *Contract, miner pow.Address, ts uint64) (uint64, pow.Digest) {
	t.Helper()
	snap := c.Snapshot()
	h := pow.Header{BlockNumber: snap.BlockNumber, Miner: miner, Difficulty: snap.Difficulty, PrevHash: snap.PrevHash, Timestamp: ts}
	hh := pow.HeaderHash(&h)
	for nonce := uint64(0); nonce < 1_000_000; nonce++ {
		if hash := pow.PowHash(hh, nonce); pow.MeetsTarget(hash, &snap.Difficulty) {
			return nonce, hash
		}
	}
	t.Fatal("no solution found")
	return 0, pow.Digest{}
}

func TestNew_InitialState(t *testing.T) {
	c, err := New(DefaultParams(), now, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if snap.BlockNumber != 0 || snap.MintedSupply != 0 || !snap.PrevHash.IsZero() {
		t.Errorf("unexpected genesis state: %s", &snap)
	}
	if snap.Difficulty.Uint64() != 10_000_000 || snap.EpochStart != now || snap.Status != StatusActive {
		t.Errorf("unexpected genesis difficulty/epoch: %s epoch=%d", &snap, snap.EpochStart)
	}
}

func TestNew_InvalidParams(t *testing.T) {
	tests := map[string]func(*Params){
		"zero supply":     func(p *Params) { p.MaxSupply = 0 },
		"zero reward":     func(p *Params) { p.BlockReward = 0 },
		"zero interval":   func(p *Params) { p.RetargetInterval = 0 },
		"zero difficulty": func(p *Params) { p.InitialDifficulty.Clear() },
		"zero block time": func(p *Params) { p.TargetBlockTime = 0 },
		"negative drift":  func(p *Params) { p.PastDrift = -time.Second },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := DefaultParams()
			mutate(&p)
			if _, err := New(p, now, nil, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSubmitSolution_EndToEnd(t *testing.T) {
	c, rec := newTestContract(t, func(p *Params) { p.InitialDifficulty.SetUint64(16) })
	miner := testAddress(0x11)

	nonce, hash := solve(t, c, miner, now)
	if got := c.SubmitSolution(nonce, now, miner, now); got != ResultAccepted {
		t.Fatalf("SubmitSolution = %s", got)
	}

	snap := c.Snapshot()
	if snap.BlockNumber != 1 || snap.MintedSupply != 50*Coin || snap.PrevHash != hash || snap.LastTimestamp != now {
		t.Errorf("unexpected state after accept: %s", &snap)
	}
	if rec.mints[miner] != 50*Coin {
		t.Errorf("miner balance = %d", rec.mints[miner])
	}
	if len(rec.events) != 1 {
		t.Fatalf("events = %d, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.BlockNumber != 1 || ev.Nonce != nonce || ev.PowHash != hash || ev.Miner != miner || ev.NewDifficulty.Uint64() != 16 {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestSubmitSolution_TimestampBounds(t *testing.T) {
	tests := []struct {
		name string
		ts   uint64
		want Result
	}{
		{"now", now, ResultAccepted},
		{"now+5s", now + 5_000, ResultAccepted},
		{"now+6s", now + 6_000, ResultTimestampOutOfBounds},
		{"now-30s", now - 30_000, ResultAccepted},
		{"now-31s", now - 31_000, ResultTimestampOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newTestContract(t, nil)
			if got := c.SubmitSolution(7, tt.ts, testAddress(1), now); got != tt.want {
				t.Errorf("SubmitSolution(ts=%d) = %s, want %s", tt.ts, got, tt.want)
			}
			if tt.want != ResultAccepted && (len(rec.events) != 0 || c.Snapshot().BlockNumber != 0) {
				t.Error("rejected submission mutated state")
			}
		})
	}
}

func TestSubmitSolution_StaleTimestamp(t *testing.T) {
	c, _ := newTestContract(t, nil)
	miner := testAddress(2)

	if got := c.SubmitSolution(1, now, miner, now); got != ResultAccepted {
		t.Fatalf("first submission = %s", got)
	}
	for _, ts := range []uint64{now, now - 1} {
		if got := c.SubmitSolution(2, ts, miner, now); got != ResultStaleTimestamp {
			t.Errorf("ts=%d: got %s, want %s", ts, got, ResultStaleTimestamp)
		}
	}
	if got := c.SubmitSolution(2, now+1, miner, now); got != ResultAccepted {
		t.Errorf("later timestamp = %s", got)
	}
}

func TestSubmitSolution_InvalidProof(t *testing.T) {
	c, rec := newTestContract(t, func(p *Params) { p.InitialDifficulty.Set(pow.MaxTarget) })

	for nonce := range uint64(16) {
		if got := c.SubmitSolution(nonce, now, testAddress(3), now); got != ResultInvalidProof {
			t.Fatalf("nonce %d: got %s, want %s", nonce, got, ResultInvalidProof)
		}
	}
	snap := c.Snapshot()
	if snap.BlockNumber != 0 || snap.MintedSupply != 0 || len(rec.events) != 0 || len(rec.mints) != 0 {
		t.Errorf("invalid proof mutated state: %s", &snap)
	}
}

func TestSubmitSolution_CheckOrder(t *testing.T) {
	// an out-of-bounds timestamp is reported even when the proof is also invalid
	c, _ := newTestContract(t, func(p *Params) { p.InitialDifficulty.Set(pow.MaxTarget) })
	if got := c.SubmitSolution(0, now+60_000, testAddress(4), now); got != ResultTimestampOutOfBounds {
		t.Errorf("got %s, want %s", got, ResultTimestampOutOfBounds)
	}
}

func TestSubmitSolution_SupplyCap(t *testing.T) {
	c, rec := newTestContract(t, func(p *Params) {
		p.MaxSupply = 120
		p.BlockReward = 50
	})
	miner := testAddress(5)

	wantRewards := []uint64{50, 50, 20}
	for i, want := range wantRewards {
		ts := now + uint64(i)
		if got := c.SubmitSolution(0, ts, miner, now); got != ResultAccepted {
			t.Fatalf("block %d: %s", i+1, got)
		}
		if rec.events[i].Reward != want {
			t.Errorf("block %d reward = %d, want %d", i+1, rec.events[i].Reward, want)
		}
	}

	snap := c.Snapshot()
	if snap.MintedSupply != 120 || snap.Status != StatusExhausted || !snap.Exhausted() || snap.BlockNumber != 3 {
		t.Fatalf("unexpected state at cap: %s", &snap)
	}

	if got := c.SubmitSolution(0, now+10, miner, now); got != ResultSupplyExhausted {
		t.Errorf("after cap: got %s, want %s", got, ResultSupplyExhausted)
	}
	// exhaustion is checked before the timestamp
	if got := c.SubmitSolution(0, 0, miner, now); got != ResultSupplyExhausted {
		t.Errorf("after cap with bad timestamp: got %s", got)
	}
	if rec.mints[miner] != 120 || len(rec.events) != 3 {
		t.Errorf("balance=%d events=%d", rec.mints[miner], len(rec.events))
	}
}

func TestSubmitSolution_ExactCapExhausts(t *testing.T) {
	c, _ := newTestContract(t, func(p *Params) {
		p.MaxSupply = 100
		p.BlockReward = 50
	})
	for i := range uint64(2) {
		if got := c.SubmitSolution(0, now+i, testAddress(6), now); got != ResultAccepted {
			t.Fatalf("block %d: %s", i+1, got)
		}
	}
	if !c.Snapshot().Exhausted() {
		t.Error("contract should be exhausted when the reward lands exactly on the cap")
	}
}

func TestSubmitSolution_ResubmitRejected(t *testing.T) {
	c, _ := newTestContract(t, func(p *Params) { p.InitialDifficulty.SetUint64(1 << 12) })
	miner := testAddress(7)

	nonce, _ := solve(t, c, miner, now)
	if got := c.SubmitSolution(nonce, now, miner, now); got != ResultAccepted {
		t.Fatalf("first: %s", got)
	}
	if got := c.SubmitSolution(nonce, now, miner, now); got != ResultStaleTimestamp {
		t.Errorf("resubmit with same timestamp = %s, want %s", got, ResultStaleTimestamp)
	}

	// the same nonce with a fresh timestamp hashes a different header
	snap := c.Snapshot()
	h := pow.Header{BlockNumber: snap.BlockNumber, Miner: miner, Difficulty: snap.Difficulty, PrevHash: snap.PrevHash, Timestamp: now + 1}
	if pow.MeetsTarget(pow.PowHash(pow.HeaderHash(&h), nonce), &snap.Difficulty) {
		t.Skip("nonce happens to solve the next block too")
	}
	if got := c.SubmitSolution(nonce, now+1, miner, now); got != ResultInvalidProof {
		t.Errorf("resubmit against new state = %s, want %s", got, ResultInvalidProof)
	}
}

func TestSubmitSolution_Monotonic(t *testing.T) {
	c, rec := newTestContract(t, nil)

	ts := now - 20_000
	for i := range 50 {
		ts += uint64(1 + i%7)
		c.SubmitSolution(uint64(i), ts, testAddress(byte(i%3)), now)
		// rejected duplicate in between
		c.SubmitSolution(uint64(i), ts, testAddress(byte(i%3)), now)
	}

	if len(rec.events) != 50 {
		t.Fatalf("accepted %d blocks, want 50", len(rec.events))
	}
	for i := 1; i < len(rec.events); i++ {
		prev, cur := rec.events[i-1], rec.events[i]
		if cur.BlockNumber != prev.BlockNumber+1 {
			t.Errorf("block number jumped from %d to %d", prev.BlockNumber, cur.BlockNumber)
		}
		if cur.Timestamp <= prev.Timestamp {
			t.Errorf("timestamp did not increase at block %d", cur.BlockNumber)
		}
	}
}

func TestSubmitSolution_Retarget(t *testing.T) {
	c, rec := newTestContract(t, func(p *Params) {
		p.InitialDifficulty.SetUint64(100)
		p.RetargetInterval = 2
		p.TargetBlockTime = 10 * time.Second
	})
	epochStart := c.Snapshot().EpochStart
	miner := testAddress(8)

	// two blocks in 10s against an expected 20s
	for _, ts := range []uint64{epochStart + 5_000, epochStart + 10_000} {
		nonce, _ := solve(t, c, miner, ts)
		if got := c.SubmitSolution(nonce, ts, miner, ts); got != ResultAccepted {
			t.Fatalf("ts=%d: %s", ts, got)
		}
	}

	if d := rec.events[0].NewDifficulty; d.Uint64() != 100 {
		t.Errorf("difficulty changed off the boundary: %d", d.Uint64())
	}
	if d := rec.events[1].NewDifficulty; d.Uint64() != 125 {
		t.Errorf("difficulty after fast epoch = %d, want 125", d.Uint64())
	}
	snap := c.Snapshot()
	if snap.Difficulty.Uint64() != 125 || snap.EpochStart != epochStart+10_000 {
		t.Errorf("unexpected snapshot after retarget: %s epoch=%d", &snap, snap.EpochStart)
	}
}

func TestResult_Strings(t *testing.T) {
	for code := ResultAccepted; code <= ResultInvalidProof; code++ {
		if !code.Valid() || code.Description() == "" {
			t.Errorf("code %d missing description", code)
		}
	}
	if Result(9).Valid() || Result(9).String() != "unknown(9)" {
		t.Errorf("unexpected unknown code rendering %q", Result(9).String())
	}
}

func BenchmarkSubmitSolution_Rejected(b *testing.B) {
	p := DefaultParams()
	p.InitialDifficulty.Set(uint256.NewInt(0).SetAllOne())
	c, _ := New(p, now, nil, nil)
	miner := testAddress(9)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.SubmitSolution(uint64(i), now, miner, now)
	}
}
