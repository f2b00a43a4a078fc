package aggregator

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/ore-pool/server/internal/database"
)

// mulDiv returns a*b/den with a 128-bit intermediate product, so reward
// attribution never overflows. A zero denominator attributes zero.
func mulDiv(a, b, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= den {
		// Quotient would not fit in 64 bits. Cannot happen while a <= den.
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, den)
	return q
}

// saturatingAdd returns a+b, clamped to MaxUint64 instead of wrapping. Reward
// totals accumulate base and boost shares; the sum must keep the same headroom
// as the 128-bit intermediate products.
func saturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// minerDistribution splits the miners' share of the round rewards between the
// contributing members, proportionally to their scores. Miners receive the base
// reward minus the operator commission, plus the share of every boost reward
// left after the operator and staker commissions.
func (a *Aggregator) minerDistribution(rewards Rewards) ([]database.BalanceUpdate, error) {
	operatorCommission, stakerCommission := a.op.Commissions()
	minerCommission := 100 - operatorCommission

	totalRewards := mulDiv(rewards.Base, minerCommission, 100)
	for _, boost := range rewards.Boosts {
		totalRewards = saturatingAdd(totalRewards, mulDiv(boost.Reward, 100-operatorCommission-stakerCommission, 100))
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	updates := make([]database.BalanceUpdate, 0, len(a.contributions))
	for member, c := range a.contributions {
		address, err := a.op.MemberAddress(member)
		if err != nil {
			return nil, fmt.Errorf("failed to derive member address for %s: %w", member, err)
		}
		updates = append(updates, database.BalanceUpdate{
			Address: address.String(),
			Amount:  mulDiv(c.Score, totalRewards, a.totalScore),
		})
	}
	return updates, nil
}

// boostDistribution splits the stakers' commission of a boost reward between the
// stakers of that mint, proportionally to their staked balances at round start.
func (a *Aggregator) boostDistribution(event BoostEvent) ([]database.BalanceUpdate, error) {
	_, stakerCommission := a.op.Commissions()
	stakerRewards := mulDiv(event.Reward, stakerCommission, 100)

	a.mu.RLock()
	defer a.mu.RUnlock()

	stakers, ok := a.stake[event.Mint]
	if !ok {
		return nil, fmt.Errorf("missing staker balances for mint %s", event.Mint)
	}

	var denominator uint64
	for _, balance := range stakers {
		denominator += balance
	}

	updates := make([]database.BalanceUpdate, 0, len(stakers))
	for authority, balance := range stakers {
		address, err := a.op.MemberAddress(authority)
		if err != nil {
			return nil, fmt.Errorf("failed to derive member address for staker %s: %w", authority, err)
		}
		updates = append(updates, database.BalanceUpdate{
			Address: address.String(),
			Amount:  mulDiv(balance, stakerRewards, denominator),
		})
	}
	return updates, nil
}

// operatorDistribution computes the operator's commission over the base reward
// and every boost reward.
func (a *Aggregator) operatorDistribution(rewards Rewards) (database.BalanceUpdate, error) {
	operatorCommission, _ := a.op.Commissions()

	total := mulDiv(rewards.Base, operatorCommission, 100)
	for _, boost := range rewards.Boosts {
		total = saturatingAdd(total, mulDiv(boost.Reward, operatorCommission, 100))
	}

	address, err := a.op.MemberAddress(a.op.Authority())
	if err != nil {
		return database.BalanceUpdate{}, fmt.Errorf("failed to derive operator member address: %w", err)
	}
	return database.BalanceUpdate{Address: address.String(), Amount: total}, nil
}

// distribute computes every balance update for the round's rewards.
func (a *Aggregator) distribute(rewards Rewards) ([]database.BalanceUpdate, error) {
	updates, err := a.minerDistribution(rewards)
	if err != nil {
		return nil, err
	}

	for _, boost := range rewards.Boosts {
		boostUpdates, err := a.boostDistribution(boost)
		if err != nil {
			return nil, err
		}
		updates = append(updates, boostUpdates...)
	}

	operatorUpdate, err := a.operatorDistribution(rewards)
	if err != nil {
		return nil, err
	}
	return append(updates, operatorUpdate), nil
}
