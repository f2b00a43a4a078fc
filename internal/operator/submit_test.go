package operator_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ore-pool/server/internal/database"
	"github.com/ore-pool/server/internal/drill"
	"github.com/ore-pool/server/internal/operator"
	"github.com/ore-pool/server/internal/ore"
)

type fakeMemberStore struct {
	unsynced []database.Member
	synced   [][]string

	unsyncedErr error
	syncErr     error
}

func (f *fakeMemberStore) UnsyncedMembers(_ context.Context, limit int) ([]database.Member, error) {
	if f.unsyncedErr != nil {
		return nil, f.unsyncedErr
	}
	if len(f.unsynced) > limit {
		return f.unsynced[:limit], nil
	}
	return f.unsynced, nil
}

func (f *fakeMemberStore) MarkMembersSynced(_ context.Context, addresses []string) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	f.synced = append(f.synced, addresses)
	return nil
}

func TestSubmitSolution(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	oreProgram := solana.MustPublicKeyFromBase58(cfg.OreProgramID)
	busAddrs, err := ore.BusAddresses(oreProgram)
	require.NoError(t, err)

	client := &fakeClient{accounts: map[solana.PublicKey][]byte{}}
	for i, addr := range busAddrs {
		client.accounts[addr] = busAccountData(uint64(i), 100)
	}

	op, err := operator.New(cfg, operator.WithClient(client))
	require.NoError(t, err)

	solution := drill.NewSolution([32]byte{1}, 5)
	sig, err := op.SubmitSolution(t.Context(), solution, [32]byte{2}, nil)
	require.NoError(t, err, "SubmitSolution should not fail")
	assert.NotEqual(t, solana.Signature{}, sig, "Signature should be set")

	require.Len(t, client.sent, 1, "Exactly one transaction should be sent")
	tx := client.sent[0]
	require.Len(t, tx.Message.Instructions, 4, "Compute budget, auth, and submit instructions expected")
	assert.Equal(t, op.Authority(), tx.Message.AccountKeys[0], "Authority should be the fee payer")
}

func TestSubmitSolutionSendFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	oreProgram := solana.MustPublicKeyFromBase58(cfg.OreProgramID)
	busAddrs, err := ore.BusAddresses(oreProgram)
	require.NoError(t, err)

	client := &fakeClient{
		accounts: map[solana.PublicKey][]byte{},
		sendErr:  fmt.Errorf("rpc unavailable"),
	}
	for i, addr := range busAddrs {
		client.accounts[addr] = busAccountData(uint64(i), 100)
	}

	op, err := operator.New(cfg, operator.WithClient(client))
	require.NoError(t, err)

	_, err = op.SubmitSolution(t.Context(), drill.NewSolution([32]byte{1}, 5), [32]byte{}, nil)
	require.Error(t, err, "SubmitSolution should propagate the send failure")
}

func TestAttributeMembers(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		numMembers int
		storeErr   error

		wantTxs     int
		wantBatches []int
		wantErr     bool
	}{
		"No members":       {numMembers: 0},
		"Single batch":     {numMembers: 3, wantTxs: 1, wantBatches: []int{3}},
		"Multiple batches": {numMembers: 12, wantTxs: 2, wantBatches: []int{10, 2}},

		"Store error": {numMembers: 3, storeErr: fmt.Errorf("db down"), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			client := &fakeClient{}
			op, err := operator.New(cfg, operator.WithClient(client))
			require.NoError(t, err)

			store := &fakeMemberStore{unsyncedErr: tc.storeErr}
			for i := 0; i < tc.numMembers; i++ {
				store.unsynced = append(store.unsynced, database.Member{
					Address:      solana.NewWallet().PublicKey().String(),
					TotalBalance: int64(1000 + i),
				})
			}

			err = op.AttributeMembers(t.Context(), store)
			if tc.wantErr {
				require.Error(t, err, "AttributeMembers should have failed")
				return
			}
			require.NoError(t, err, "AttributeMembers should not fail")

			assert.Len(t, client.sent, tc.wantTxs, "Unexpected number of transactions")
			require.Len(t, store.synced, len(tc.wantBatches), "Unexpected number of sync batches")
			for i, want := range tc.wantBatches {
				assert.Len(t, store.synced[i], want, "Unexpected batch size")
			}
		})
	}
}

func TestAttributeMembersInvalidAddress(t *testing.T) {
	t.Parallel()

	op, err := operator.New(testConfig(t), operator.WithClient(&fakeClient{}))
	require.NoError(t, err)

	store := &fakeMemberStore{unsynced: []database.Member{{Address: "not-a-pubkey", TotalBalance: 1}}}
	err = op.AttributeMembers(t.Context(), store)
	require.Error(t, err, "AttributeMembers should reject invalid member addresses")
}
