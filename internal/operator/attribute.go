package operator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/ore-pool/server/internal/database"
	"github.com/ore-pool/server/internal/ore"
)

const (
	// attributeBatchSize is the number of attribute instructions per transaction.
	attributeBatchSize = 10

	// attributeComputeUnitLimit is the compute budget for attribution transactions.
	attributeComputeUnitLimit = 400_000

	// attributeComputeUnitPrice is the priority fee for attribution transactions.
	attributeComputeUnitPrice = 100_000

	// unsyncedMembersLimit bounds how many members are attributed per epoch.
	unsyncedMembersLimit = 1000
)

type memberStore interface {
	UnsyncedMembers(ctx context.Context, limit int) ([]database.Member, error)
	MarkMembersSynced(ctx context.Context, addresses []string) error
}

// AttributeMembers lands attribution transactions for every member whose database
// balance is ahead of their on-chain balance, in batches, marking each batch as
// synced once its transaction is confirmed.
func (o *Operator) AttributeMembers(ctx context.Context, store memberStore) error {
	members, err := store.UnsyncedMembers(ctx, unsyncedMembersLimit)
	if err != nil {
		return fmt.Errorf("failed to list unsynced members: %w", err)
	}
	if len(members) == 0 {
		slog.Debug("No members need attribution")
		return nil
	}
	slog.Info("Attributing member balances", "members", len(members))

	for start := 0; start < len(members); start += attributeBatchSize {
		end := min(start+attributeBatchSize, len(members))
		batch := members[start:end]

		if err := o.attributeBatch(ctx, store, batch); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) attributeBatch(ctx context.Context, store memberStore, batch []database.Member) error {
	instructions := []solana.Instruction{
		ore.SetComputeUnitLimit(attributeComputeUnitLimit),
		ore.SetComputeUnitPrice(attributeComputeUnitPrice),
	}

	addresses := make([]string, 0, len(batch))
	for _, m := range batch {
		member, err := solana.PublicKeyFromBase58(m.Address)
		if err != nil {
			return fmt.Errorf("invalid member address %q: %w", m.Address, err)
		}
		if m.TotalBalance < 0 {
			return fmt.Errorf("negative total balance for member %s: %d", m.Address, m.TotalBalance)
		}
		instructions = append(instructions, ore.Attribute(o.Authority(), o.pool, member, o.poolProgram, uint64(m.TotalBalance)))
		addresses = append(addresses, m.Address)
	}

	sig, err := o.submitAndConfirm(ctx, instructions)
	if err != nil {
		return fmt.Errorf("failed to attribute members: %w", err)
	}
	slog.Info("Attribution transaction confirmed", "sig", sig, "members", len(addresses))

	if err := store.MarkMembersSynced(ctx, addresses); err != nil {
		return fmt.Errorf("failed to mark members synced: %w", err)
	}
	return nil
}
