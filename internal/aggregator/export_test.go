package aggregator

import (
	"context"

	"github.com/ore-pool/server/internal/database"
)

var (
	MulDiv        = mulDiv
	SaturatingAdd = saturatingAdd
)

// Insert records a contribution for tests.
func (a *Aggregator) Insert(c Contribution) {
	a.insert(c)
}

// Attestation exposes the round attestation for tests.
func (a *Aggregator) Attestation() [32]byte {
	return a.attestation()
}

// Distribute exposes the reward distribution for tests.
func (a *Aggregator) Distribute(rewards Rewards) ([]database.BalanceUpdate, error) {
	return a.distribute(rewards)
}

// CurrentWinner returns the best solution of the round for tests.
func (a *Aggregator) CurrentWinner() *Winner {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.winner
}

// Reset exposes the round reset for tests.
func (a *Aggregator) Reset(ctx context.Context) error {
	return a.reset(ctx)
}
