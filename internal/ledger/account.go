package ledger

import (
	"context"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/pow"
)

// Account is a caller identity bound to a ledger. It implements the miner's
// chain query, submitter and event source.
type Account struct {
	ledger  *Ledger
	address pow.Address
}

// Account returns a handle that signs transactions as addr
func (l *Ledger) Account(addr pow.Address) *Account {
	return &Account{ledger: l, address: addr}
}

// Address returns the bound identity
func (a *Account) Address() pow.Address {
	return a.address
}

// Snapshot returns the current contract state
func (a *Account) Snapshot(ctx context.Context) (contract.Snapshot, error) {
	return a.ledger.Snapshot(ctx)
}

// Submit applies a submission. Results from the in-process ledger are final.
func (a *Account) Submit(ctx context.Context, nonce, timestamp uint64) (contract.Receipt, error) {
	result, err := a.ledger.Submit(ctx, a.address, nonce, timestamp)
	if err != nil {
		return contract.Receipt{}, err
	}
	return contract.Receipt{Code: result, Final: true}, nil
}

// Subscribe streams mining events
func (a *Account) Subscribe(ctx context.Context) (<-chan contract.MiningEvent, error) {
	return a.ledger.Subscribe(ctx)
}

// Balance returns the account's token balance
func (a *Account) Balance(ctx context.Context) (uint64, error) {
	return a.ledger.BalanceOf(ctx, a.address)
}
