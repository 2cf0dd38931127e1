package postgres

import (
	"fmt"
	"strconv"
	"time"

	"github.com/holiman/uint256"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/pow"
)

// Block is one archived MiningEvent. Unsigned 64-bit and 256-bit values are
// stored as NUMERIC and carried here as decimal strings.
type Block struct {
	BlockNumber   int64     `db:"block_number"`
	Miner         string    `db:"miner"`
	Nonce         string    `db:"nonce"`
	PowHash       string    `db:"pow_hash"`
	NewDifficulty string    `db:"new_difficulty"`
	TimestampMs   int64     `db:"timestamp_ms"`
	Reward        string    `db:"reward"`
	RecordedAt    time.Time `db:"recorded_at"`
}

// BlockFromEvent converts an event into its archive row
func BlockFromEvent(ev *contract.MiningEvent) *Block {
	return &Block{
		BlockNumber:   int64(ev.BlockNumber),
		Miner:         ev.Miner.String(),
		Nonce:         strconv.FormatUint(ev.Nonce, 10),
		PowHash:       ev.PowHash.String(),
		NewDifficulty: ev.NewDifficulty.Dec(),
		TimestampMs:   int64(ev.Timestamp),
		Reward:        strconv.FormatUint(ev.Reward, 10),
	}
}

// Event converts the row back into a MiningEvent
func (b *Block) Event() (contract.MiningEvent, error) {
	var ev contract.MiningEvent
	var err error

	ev.BlockNumber = uint64(b.BlockNumber)
	ev.Timestamp = uint64(b.TimestampMs)
	if ev.Nonce, err = strconv.ParseUint(b.Nonce, 10, 64); err != nil {
		return ev, fmt.Errorf("invalid nonce %q: %w", b.Nonce, err)
	}
	if ev.Reward, err = strconv.ParseUint(b.Reward, 10, 64); err != nil {
		return ev, fmt.Errorf("invalid reward %q: %w", b.Reward, err)
	}
	diff, err := uint256.FromDecimal(b.NewDifficulty)
	if err != nil {
		return ev, fmt.Errorf("invalid difficulty %q: %w", b.NewDifficulty, err)
	}
	ev.NewDifficulty = *diff
	if ev.PowHash, err = pow.DigestFromHex(b.PowHash); err != nil {
		return ev, err
	}
	if ev.Miner, err = pow.AddressFromHex(b.Miner); err != nil {
		return ev, err
	}
	return ev, nil
}

// MinerTotal is the archived reward sum of one miner
type MinerTotal struct {
	Miner  string `db:"miner"`
	Blocks int64  `db:"blocks"`
	Reward string `db:"reward"`
}
