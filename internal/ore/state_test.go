package ore_test

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ore-pool/server/internal/ore"
)

// accountData builds raw account bytes: an 8-byte discriminator followed by the
// little-endian encoded fields.
type accountData []byte

func newAccountData() accountData {
	return make(accountData, 8)
}

func (d accountData) pubkey(pk solana.PublicKey) accountData {
	return append(d, pk.Bytes()...)
}

func (d accountData) u64(v uint64) accountData {
	return binary.LittleEndian.AppendUint64(d, v)
}

func (d accountData) i64(v int64) accountData {
	return binary.LittleEndian.AppendUint64(d, uint64(v))
}

func (d accountData) bytes32(b [32]byte) accountData {
	return append(d, b[:]...)
}

func TestUnpackPool(t *testing.T) {
	t.Parallel()

	authority := solana.NewWallet().PublicKey()
	data := newAccountData().
		pubkey(authority).
		u64(254).        // bump
		i64(1700000000). // last_hash_at
		u64(321).        // last_total_members
		u64(1000).       // total_rewards
		u64(55)          // total_submissions

	pool, err := ore.UnpackPool(data)
	require.NoError(t, err, "UnpackPool should not fail")

	assert.Equal(t, ore.Pool{
		Authority:        authority,
		Bump:             254,
		LastHashAt:       1700000000,
		LastTotalMembers: 321,
		TotalRewards:     1000,
		TotalSubmissions: 55,
	}, pool)
}

func TestUnpackProof(t *testing.T) {
	t.Parallel()

	authority := solana.NewWallet().PublicKey()
	miner := solana.NewWallet().PublicKey()
	challenge := [32]byte{1, 2, 3}
	lastHash := [32]byte{4, 5, 6}

	data := newAccountData().
		pubkey(authority).
		u64(777). // balance
		bytes32(challenge).
		bytes32(lastHash).
		i64(1700000060). // last_hash_at
		i64(1700000000). // last_stake_at
		pubkey(miner).
		u64(42).  // total_hashes
		u64(4242) // total_rewards

	proof, err := ore.UnpackProof(data)
	require.NoError(t, err, "UnpackProof should not fail")

	assert.Equal(t, ore.Proof{
		Authority:    authority,
		Balance:      777,
		Challenge:    challenge,
		LastHash:     lastHash,
		LastHashAt:   1700000060,
		LastStakeAt:  1700000000,
		Miner:        miner,
		TotalHashes:  42,
		TotalRewards: 4242,
	}, proof)
}

func TestUnpackBus(t *testing.T) {
	t.Parallel()

	data := newAccountData().
		u64(3).    // id
		u64(9001). // rewards
		u64(9999). // theoretical_rewards
		u64(123)   // top_balance

	bus, err := ore.UnpackBus(data)
	require.NoError(t, err, "UnpackBus should not fail")

	assert.Equal(t, ore.Bus{
		ID:                 3,
		Rewards:            9001,
		TheoreticalRewards: 9999,
		TopBalance:         123,
	}, bus)
}

func TestUnpackConfig(t *testing.T) {
	t.Parallel()

	data := newAccountData().
		u64(100).        // base_reward_rate
		i64(1700000000). // last_reset_at
		u64(12).         // min_difficulty
		u64(88)          // top_balance

	cfg, err := ore.UnpackConfig(data)
	require.NoError(t, err, "UnpackConfig should not fail")

	assert.Equal(t, ore.Config{
		BaseRewardRate: 100,
		LastResetAt:    1700000000,
		MinDifficulty:  12,
		TopBalance:     88,
	}, cfg)
}

func TestUnpackStake(t *testing.T) {
	t.Parallel()

	authority := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	data := newAccountData().
		pubkey(authority).
		u64(5000). // balance
		pubkey(mint).
		i64(1700000000) // last_deposit_at

	stake, err := ore.UnpackStake(data)
	require.NoError(t, err, "UnpackStake should not fail")

	assert.Equal(t, ore.Stake{
		Authority:     authority,
		Balance:       5000,
		Mint:          mint,
		LastDepositAt: 1700000000,
	}, stake)

	// The memcmp filter offset must point at the mint field.
	assert.Equal(t, mint.Bytes(), []byte(data[ore.StakeMintOffset:ore.StakeMintOffset+32]))
}

func TestUnpackErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		data []byte
	}{
		"Empty data":             {data: nil},
		"Discriminator only":     {data: make([]byte, 8)},
		"Truncated account body": {data: make([]byte, 20)},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := ore.UnpackBus(tc.data)
			require.Error(t, err, "UnpackBus should fail on malformed data")
		})
	}
}
