package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ore-pool/server/internal/database"
)

// dbWriteTimeout bounds the asynchronous balance writes after a round.
const dbWriteTimeout = 30 * time.Second

// Run drives the aggregation loop: it accepts contributions until the round
// cutoff, submits the best solution, distributes the rewards, and moves on to
// the next challenge.
//
// This is blocking until the context is canceled or the contribution channel is
// closed. Always returns a non-nil error.
func (a *Aggregator) Run(ctx context.Context, contributions <-chan Contribution) error {
	slog.Info("Aggregator started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := a.runRound(ctx, contributions); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errChannelClosed) {
				return err
			}
			// A failed round must not take down the pool; start over on the
			// next challenge.
			slog.Error("Round failed", "err", err)
			if err := a.reset(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Failed to reset after round failure", "err", err)
			}
		}
	}
}

var errChannelClosed = errors.New("contribution channel closed")

func (a *Aggregator) runRound(ctx context.Context, contributions <-chan Contribution) error {
	timer := time.Now()
	cutoff := a.Challenge().CutoffTime

	// Accept contributions until the cutoff time is reached.
	remaining := cutoff
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-contributions:
			if !ok {
				return errChannelClosed
			}
			a.insert(c)
			elapsed := uint64(time.Since(timer).Seconds())
			if elapsed >= cutoff {
				remaining = 0
			} else {
				remaining = cutoff - elapsed
			}
		case <-time.After(time.Duration(remaining) * time.Second):
			remaining = 0
		}
	}

	// No contributions yet; block for the first one so there is always
	// something to submit.
	if a.TotalScore() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-contributions:
			if !ok {
				return errChannelClosed
			}
			a.insert(c)
		}
	}

	return a.submitAndReset(ctx)
}

// submitAndReset submits the round's best solution, waits for the reward events,
// writes the distribution to the database, and resets for the next challenge.
func (a *Aggregator) submitAndReset(ctx context.Context) error {
	// A solution may have landed on-chain while a previous round failed before
	// resetting; in that case the local round is void.
	needsReset, err := a.needsReset(ctx)
	if err != nil {
		return err
	}
	if needsReset {
		slog.Error("Irregular reset: on-chain state moved without a local reset")
		return a.reset(ctx)
	}

	a.mu.RLock()
	winner := a.winner
	challenge := a.challenge
	totalScore := a.totalScore
	numContributions := len(a.contributions)
	a.mu.RUnlock()

	if winner == nil {
		return fmt.Errorf("no solutions were submitted")
	}
	slog.Info("Submitting round", "difficulty", winner.Difficulty, "contributions", numContributions, "score", totalScore)

	attestation := a.attestation()
	boostAccounts, err := a.op.BoostAccounts(a.policy.BoostMints())
	if err != nil {
		return err
	}

	sig, err := a.op.SubmitSolution(ctx, winner.Solution, attestation, boostAccounts)
	if err != nil {
		return err
	}
	a.submissionsTotal.Inc()
	slog.Info("Round submitted", "sig", sig)

	// Wait for the reward events of the landed submission.
	var rewards Rewards
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r, ok := <-a.rewardsCh:
		if !ok {
			return fmt.Errorf("rewards channel closed")
		}
		rewards = r
	}
	slog.Info("Rewards received", "base", rewards.Base, "boosts", len(rewards.Boosts))

	updates, err := a.distribute(rewards)
	if err != nil {
		return err
	}
	var distributed uint64
	for _, u := range updates {
		distributed += u.Amount
	}
	a.rewardsDistributed.Add(float64(distributed))

	submission := database.Submission{
		Challenge:        challenge.Challenge[:],
		LastHashAt:       challenge.LastHashAt,
		Attestation:      attestation[:],
		Signature:        sig.String(),
		Difficulty:       int64(winner.Difficulty),
		NumContributions: int64(numContributions),
		TotalScore:       int64(totalScore),
	}

	// Persist off the hot path so the next round starts on time.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
		defer cancel()

		if err := a.store.IncrementTotalBalances(ctx, updates); err != nil {
			slog.Error("Failed to write balance updates", "err", err)
		}
		if err := a.store.RecordSubmission(ctx, submission); err != nil {
			slog.Error("Failed to record submission", "err", err)
		}
	}()

	return a.reset(ctx)
}
