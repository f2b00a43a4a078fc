package ore_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ore-pool/server/internal/ore"
)

func TestPoolPDA(t *testing.T) {
	t.Parallel()

	program := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	pool, bump, err := ore.PoolPDA(authority, program)
	require.NoError(t, err, "PoolPDA should not fail")
	assert.False(t, pool.IsZero(), "Derived address should not be zero")

	again, againBump, err := ore.PoolPDA(authority, program)
	require.NoError(t, err)
	assert.Equal(t, pool, again, "Derivation should be deterministic")
	assert.Equal(t, bump, againBump, "Bump should be deterministic")

	other, _, err := ore.PoolPDA(solana.NewWallet().PublicKey(), program)
	require.NoError(t, err)
	assert.NotEqual(t, pool, other, "Different authorities should derive different pools")
}

func TestMemberPDA(t *testing.T) {
	t.Parallel()

	program := solana.NewWallet().PublicKey()
	pool := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	member, _, err := ore.MemberPDA(authority, pool, program)
	require.NoError(t, err, "MemberPDA should not fail")

	otherPool, _, err := ore.MemberPDA(authority, solana.NewWallet().PublicKey(), program)
	require.NoError(t, err)
	assert.NotEqual(t, member, otherPool, "Same authority in different pools should derive different members")

	otherAuthority, _, err := ore.MemberPDA(solana.NewWallet().PublicKey(), pool, program)
	require.NoError(t, err)
	assert.NotEqual(t, member, otherAuthority, "Different authorities should derive different members")
}

func TestBusAddresses(t *testing.T) {
	t.Parallel()

	program := solana.NewWallet().PublicKey()

	addrs, err := ore.BusAddresses(program)
	require.NoError(t, err, "BusAddresses should not fail")
	require.Len(t, addrs, ore.BusCount)

	seen := make(map[solana.PublicKey]struct{}, len(addrs))
	for i, addr := range addrs {
		single, _, err := ore.BusPDA(uint8(i), program)
		require.NoError(t, err)
		assert.Equal(t, single, addr, "BusAddresses should match BusPDA for bus %d", i)
		seen[addr] = struct{}{}
	}
	assert.Len(t, seen, ore.BusCount, "Bus addresses should be distinct")
}

func TestConfigAndBoostPDA(t *testing.T) {
	t.Parallel()

	oreProgram := solana.NewWallet().PublicKey()
	boostProgram := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	cfg, _, err := ore.ConfigPDA(oreProgram)
	require.NoError(t, err)
	assert.False(t, cfg.IsZero())

	boost, _, err := ore.BoostPDA(mint, boostProgram)
	require.NoError(t, err)

	otherBoost, _, err := ore.BoostPDA(solana.NewWallet().PublicKey(), boostProgram)
	require.NoError(t, err)
	assert.NotEqual(t, boost, otherBoost, "Different mints should derive different boosts")
}
