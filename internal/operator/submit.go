package operator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ore-pool/server/internal/drill"
	"github.com/ore-pool/server/internal/ore"
)

const (
	// submitComputeUnitLimit is the compute budget requested for submit transactions.
	submitComputeUnitLimit = 1_500_000

	// submitComputeUnitPrice is the priority fee in micro-lamports per compute unit.
	submitComputeUnitPrice = 500_000

	confirmRetries  = 30
	confirmInterval = 2 * time.Second
)

// SubmitSolution signs and lands the transaction submitting the round's best
// solution with the contribution attestation, and returns the signature once the
// transaction is confirmed.
func (o *Operator) SubmitSolution(ctx context.Context, solution drill.Solution, attestation [32]byte, boostAccounts []solana.PublicKey) (solana.Signature, error) {
	bus, err := o.FindBus(ctx)
	if err != nil {
		return solana.Signature{}, err
	}

	instructions := []solana.Instruction{
		ore.SetComputeUnitLimit(submitComputeUnitLimit),
		ore.SetComputeUnitPrice(submitComputeUnitPrice),
		ore.Auth(o.proof, o.noopProgram),
		ore.Submit(o.Authority(), bus, o.pool, o.proof, o.oreProgram, o.poolProgram, solution, attestation, boostAccounts),
	}

	return o.submitAndConfirm(ctx, instructions)
}

// submitAndConfirm signs the instructions with the authority keypair, sends the
// transaction, and polls for confirmation.
func (o *Operator) submitAndConfirm(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	blockhash, err := o.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to fetch latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash.Value.Blockhash,
		solana.TransactionPayer(o.Authority()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(o.Authority()) {
			return &o.keypair
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := o.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	slog.Debug("Transaction sent", "sig", sig)

	if err := o.confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (o *Operator) confirm(ctx context.Context, sig solana.Signature) error {
	for i := 0; i < confirmRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirmInterval):
		}

		res, err := o.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			slog.Debug("Failed to fetch signature status", "sig", sig, "err", err)
			continue
		}
		if len(res.Value) == 0 || res.Value[0] == nil {
			continue
		}

		status := res.Value[0]
		if status.Err != nil {
			return fmt.Errorf("transaction %s failed on-chain: %v", sig, status.Err)
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
	}
	return fmt.Errorf("transaction %s not confirmed after %d attempts", sig, confirmRetries)
}
