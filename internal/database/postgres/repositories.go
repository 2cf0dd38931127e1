package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bardlex/powtoken/internal/contract"
)

// BlockRepository handles archived blocks
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock archives an event. Redelivery of an archived block number is
// a no-op and reports false.
func (r *BlockRepository) CreateBlock(ctx context.Context, ev *contract.MiningEvent) (bool, error) {
	block := BlockFromEvent(ev)
	query := `
		INSERT INTO mining_events (block_number, miner, nonce, pow_hash, new_difficulty, timestamp_ms, reward)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (block_number) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		block.BlockNumber, block.Miner, block.Nonce, block.PowHash,
		block.NewDifficulty, block.TimestampMs, block.Reward,
	)
	if err != nil {
		return false, wrapError(err, "create_block", "failed to archive block").
			WithContext("block_number", block.BlockNumber)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapError(err, "create_block", "failed to read affected rows")
	}
	return n == 1, nil
}

// GetBlock returns the archived block with the given number, or nil
func (r *BlockRepository) GetBlock(ctx context.Context, number uint64) (*Block, error) {
	query := `
		SELECT block_number, miner, nonce, pow_hash, new_difficulty, timestamp_ms, reward, recorded_at
		FROM mining_events
		WHERE block_number = $1`

	block := &Block{}
	err := r.db.QueryRowContext(ctx, query, int64(number)).Scan(
		&block.BlockNumber, &block.Miner, &block.Nonce, &block.PowHash,
		&block.NewDifficulty, &block.TimestampMs, &block.Reward, &block.RecordedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err, "get_block", "failed to query block")
	}
	return block, nil
}

// GetRecentBlocks retrieves recent blocks with pagination, newest first
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT block_number, miner, nonce, pow_hash, new_difficulty, timestamp_ms, reward, recorded_at
		FROM mining_events
		ORDER BY block_number DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, wrapError(err, "recent_blocks", "failed to query blocks")
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		err := rows.Scan(
			&block.BlockNumber, &block.Miner, &block.Nonce, &block.PowHash,
			&block.NewDifficulty, &block.TimestampMs, &block.Reward, &block.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocks, nil
}

// MinerTotals aggregates blocks and rewards per miner, largest reward first
func (r *BlockRepository) MinerTotals(ctx context.Context) ([]MinerTotal, error) {
	query := `
		SELECT miner, COUNT(*), SUM(reward)::TEXT
		FROM mining_events
		GROUP BY miner
		ORDER BY SUM(reward) DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapError(err, "miner_totals", "failed to query totals")
	}
	defer func() { _ = rows.Close() }()

	var totals []MinerTotal
	for rows.Next() {
		var t MinerTotal
		if err := rows.Scan(&t.Miner, &t.Blocks, &t.Reward); err != nil {
			return nil, fmt.Errorf("failed to scan total: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating totals: %w", err)
	}
	return totals, nil
}
