// Package aggregator collects member contributions for the current challenge,
// submits the best solution at the round cutoff, and distributes the resulting
// rewards between miners, stakers, and the operator.
package aggregator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/sha3"

	"github.com/ore-pool/server/internal/database"
	"github.com/ore-pool/server/internal/drill"
	"github.com/ore-pool/server/internal/ore"
)

// BufferClient is the number of seconds clients should submit before the
// operator's own cutoff, creating a submission window.
const BufferClient = 2

const (
	challengeRetries       = 10
	challengeRetryInterval = time.Second
)

// Challenge describes the puzzle members are currently mining.
type Challenge struct {
	// Challenge is the 32-byte puzzle input.
	Challenge [32]byte `json:"challenge"`

	// LastHashAt is the unix timestamp of the previous submission.
	LastHashAt int64 `json:"lastHashAt"`

	// MinDifficulty is the minimum accepted solution difficulty.
	MinDifficulty uint64 `json:"minDifficulty"`

	// CutoffTime is the number of seconds the pool accepts contributions for,
	// measured from when the challenge was fetched.
	CutoffTime uint64 `json:"cutoffTime"`
}

// Contribution is a recorded solution from a particular member of the pool.
type Contribution struct {
	// Member is the authority that submitted this solution.
	Member solana.PublicKey

	// Score is the difficulty score of the solution.
	Score uint64

	// Solution is the member's best solution for the current challenge.
	Solution drill.Solution
}

// Winner is the best solution seen so far for the current challenge.
type Winner struct {
	Solution   drill.Solution
	Difficulty uint32
}

// Rewards is the set of reward events for a landed submission, delivered through
// the rewards webhook.
type Rewards struct {
	// Base is the mining reward in the smallest reward unit.
	Base uint64 `json:"base"`

	// Boosts are the staking reward events, one per boost mint.
	Boosts []BoostEvent `json:"boosts,omitempty"`
}

// BoostEvent is a staking reward for a single boost mint.
type BoostEvent struct {
	Mint   solana.PublicKey `json:"mint"`
	Reward uint64           `json:"reward"`
}

type dOperator interface {
	GetPool(ctx context.Context) (ore.Pool, error)
	GetProof(ctx context.Context) (ore.Proof, error)
	MinDifficulty(ctx context.Context) (uint64, error)
	Cutoff(proof ore.Proof) uint64
	Stakers(ctx context.Context, mint solana.PublicKey) (map[solana.PublicKey]uint64, error)
	BoostAccounts(mints []solana.PublicKey) ([]solana.PublicKey, error)
	SubmitSolution(ctx context.Context, solution drill.Solution, attestation [32]byte, boostAccounts []solana.PublicKey) (solana.Signature, error)
	Pool() (solana.PublicKey, uint8)
	Authority() solana.PublicKey
	MemberAddress(authority solana.PublicKey) (solana.PublicKey, error)
	Commissions() (operator, staker uint64)
}

type dStore interface {
	IncrementTotalBalances(ctx context.Context, updates []database.BalanceUpdate) error
	RecordSubmission(ctx context.Context, s database.Submission) error
}

type dPolicy interface {
	BoostMints() []solana.PublicKey
}

// Aggregator aggregates contributions from the pool members.
type Aggregator struct {
	op     dOperator
	store  dStore
	policy dPolicy

	rewardsCh <-chan Rewards

	mu            sync.RWMutex
	challenge     Challenge
	contributions map[solana.PublicKey]Contribution
	totalScore    uint64
	winner        *Winner
	numMembers    uint64
	// stake is the snapshot of staker balances per boost mint taken at round start.
	stake map[solana.PublicKey]map[solana.PublicKey]uint64

	contributionsTotal prometheus.Counter
	duplicatesTotal    prometheus.Counter
	submissionsTotal   prometheus.Counter
	roundScore         prometheus.Gauge
	bestDifficulty     prometheus.Gauge
	rewardsDistributed prometheus.Counter
}

// New creates an aggregator, fetching the initial challenge and the staker
// balance snapshot from the chain.
func New(ctx context.Context, op dOperator, store dStore, policy dPolicy, rewardsCh <-chan Rewards, reg prometheus.Registerer) (*Aggregator, error) {
	a := &Aggregator{
		op:        op,
		store:     store,
		policy:    policy,
		rewardsCh: rewardsCh,

		contributions: make(map[solana.PublicKey]Contribution),
		stake:         make(map[solana.PublicKey]map[solana.PublicKey]uint64),
	}

	if err := a.registerMetrics(reg); err != nil {
		return nil, err
	}

	pool, err := op.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	a.numMembers = pool.LastTotalMembers

	if err := a.refreshChallenge(ctx); err != nil {
		return nil, err
	}
	if err := a.refreshStake(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Aggregator) registerMetrics(reg prometheus.Registerer) error {
	a.contributionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_contributions_total",
		Help: "Number of contributions accepted into a round.",
	})
	a.duplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_duplicate_contributions_total",
		Help: "Number of contributions dropped because the member already contributed.",
	})
	a.submissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_submissions_total",
		Help: "Number of round submissions landed on-chain.",
	})
	a.roundScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_round_score",
		Help: "Total contribution score of the current round.",
	})
	a.bestDifficulty = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_round_best_difficulty",
		Help: "Difficulty of the best solution of the current round.",
	})
	a.rewardsDistributed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_rewards_distributed_total",
		Help: "Total rewards distributed to members, in the smallest reward unit.",
	})

	for _, c := range []prometheus.Collector{
		a.contributionsTotal, a.duplicatesTotal, a.submissionsTotal,
		a.roundScore, a.bestDifficulty, a.rewardsDistributed,
	} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register aggregator metrics: %v", err)
		}
	}
	return nil
}

// Challenge returns a snapshot of the current challenge.
func (a *Aggregator) Challenge() Challenge {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.challenge
}

// TotalScore returns the total score aggregated for the current round.
func (a *Aggregator) TotalScore() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalScore
}

// insert records a contribution. A member contributes at most once per round;
// duplicates are dropped.
func (a *Aggregator) insert(c Contribution) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !c.Solution.IsValid(a.challenge.Challenge) {
		// Contribution was queued for a previous challenge.
		slog.Warn("Dropping stale contribution", "member", c.Member)
		return
	}
	if _, ok := a.contributions[c.Member]; ok {
		slog.Warn("Already received contribution", "member", c.Member)
		a.duplicatesTotal.Inc()
		return
	}
	a.contributions[c.Member] = c
	a.totalScore += c.Score
	a.contributionsTotal.Inc()
	a.roundScore.Set(float64(a.totalScore))

	difficulty := c.Solution.Difficulty()
	if a.winner == nil || difficulty > a.winner.Difficulty {
		a.winner = &Winner{Solution: c.Solution, Difficulty: difficulty}
		a.bestDifficulty.Set(float64(difficulty))
	}
}

// attestation hashes every contribution of the round into a single SHA3-256
// digest. Contributions are hashed in ascending member order so the attestation
// is deterministic.
func (a *Aggregator) attestation() [32]byte {
	a.mu.RLock()
	defer a.mu.RUnlock()

	members := make([]solana.PublicKey, 0, len(a.contributions))
	for member := range a.contributions {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].String() < members[j].String()
	})

	hasher := sha3.New256()
	for _, member := range members {
		c := a.contributions[member]
		line := fmt.Sprintf("%s %s %d\n", member, hex.EncodeToString(c.Solution.Digest[:]), c.Solution.NonceValue())
		hasher.Write([]byte(line))
	}

	var attestation [32]byte
	copy(attestation[:], hasher.Sum(nil))
	return attestation
}

// refreshChallenge polls the chain until a new challenge is available and swaps
// it in.
func (a *Aggregator) refreshChallenge(ctx context.Context) error {
	lastHashAt := a.challenge.LastHashAt

	for retries := 0; ; retries++ {
		proof, err := a.op.GetProof(ctx)
		if err != nil {
			return err
		}
		pool, err := a.op.GetPool(ctx)
		if err != nil {
			return err
		}

		if pool.LastHashAt != lastHashAt || lastHashAt == 0 {
			minDifficulty, err := a.op.MinDifficulty(ctx)
			if err != nil {
				return err
			}

			a.mu.Lock()
			a.challenge = Challenge{
				Challenge:     proof.Challenge,
				LastHashAt:    pool.LastHashAt,
				MinDifficulty: minDifficulty,
				CutoffTime:    a.op.Cutoff(proof),
			}
			a.mu.Unlock()
			return nil
		}

		if retries+1 >= challengeRetries {
			return fmt.Errorf("failed to fetch new challenge after %d retries", challengeRetries)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(challengeRetryInterval):
		}
	}
}

// refreshStake snapshots staker balances for every configured boost mint.
func (a *Aggregator) refreshStake(ctx context.Context) error {
	stake := make(map[solana.PublicKey]map[solana.PublicKey]uint64)
	for _, mint := range a.policy.BoostMints() {
		stakers, err := a.op.Stakers(ctx, mint)
		if err != nil {
			return fmt.Errorf("failed to fetch stakers for mint %s: %w", mint, err)
		}
		stake[mint] = stakers
	}

	a.mu.Lock()
	a.stake = stake
	a.mu.Unlock()
	return nil
}

// reset clears the round state and fetches the next challenge.
func (a *Aggregator) reset(ctx context.Context) error {
	if err := a.refreshChallenge(ctx); err != nil {
		return err
	}
	if err := a.refreshStake(ctx); err != nil {
		return err
	}
	pool, err := a.op.GetPool(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.contributions = make(map[solana.PublicKey]Contribution)
	a.totalScore = 0
	a.winner = nil
	a.numMembers = pool.LastTotalMembers
	a.mu.Unlock()

	a.roundScore.Set(0)
	a.bestDifficulty.Set(0)
	return nil
}

// needsReset reports whether a solution landed on-chain without the local state
// being reset, e.g. when a previous round failed after its submission landed.
func (a *Aggregator) needsReset(ctx context.Context) (bool, error) {
	pool, err := a.op.GetPool(ctx)
	if err != nil {
		return false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return pool.LastHashAt != a.challenge.LastHashAt, nil
}
