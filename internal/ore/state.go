package ore

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// discriminatorSize is the length of the account type prefix on every program account.
const discriminatorSize = 8

// Pool is the pool program account describing an operator's pool.
type Pool struct {
	Authority        solana.PublicKey
	Bump             uint64
	LastHashAt       int64
	LastTotalMembers uint64
	TotalRewards     uint64
	TotalSubmissions uint64
}

// Proof is the ORE program account tracking the pool's mining state.
type Proof struct {
	Authority    solana.PublicKey
	Balance      uint64
	Challenge    [32]byte
	LastHash     [32]byte
	LastHashAt   int64
	LastStakeAt  int64
	Miner        solana.PublicKey
	TotalHashes  uint64
	TotalRewards uint64
}

// Bus is an ORE reward bus account.
type Bus struct {
	ID                 uint64
	Rewards            uint64
	TheoreticalRewards uint64
	TopBalance         uint64
}

// Config is the ORE global config account.
type Config struct {
	BaseRewardRate uint64
	LastResetAt    int64
	MinDifficulty  uint64
	TopBalance     uint64
}

// Member is the pool program account tracking a member's claimable balance.
type Member struct {
	Authority    solana.PublicKey
	Balance      uint64
	TotalBalance uint64
	ID           uint64
	Pool         solana.PublicKey
}

// Stake is a boost program account holding a staker's deposit for a boost mint.
type Stake struct {
	Authority     solana.PublicKey
	Balance       uint64
	Mint          solana.PublicKey
	LastDepositAt int64
}

// StakeMintOffset is the byte offset of the mint field within a stake account,
// used for memcmp filtering in getProgramAccounts.
const StakeMintOffset = discriminatorSize + 32 + 8

// UnpackPool decodes a pool account from raw account data.
func UnpackPool(data []byte) (Pool, error) {
	var v Pool
	return v, unpack(data, &v)
}

// UnpackProof decodes a proof account from raw account data.
func UnpackProof(data []byte) (Proof, error) {
	var v Proof
	return v, unpack(data, &v)
}

// UnpackBus decodes a bus account from raw account data.
func UnpackBus(data []byte) (Bus, error) {
	var v Bus
	return v, unpack(data, &v)
}

// UnpackConfig decodes the config account from raw account data.
func UnpackConfig(data []byte) (Config, error) {
	var v Config
	return v, unpack(data, &v)
}

// UnpackMember decodes a member account from raw account data.
func UnpackMember(data []byte) (Member, error) {
	var v Member
	return v, unpack(data, &v)
}

// UnpackStake decodes a stake account from raw account data.
func UnpackStake(data []byte) (Stake, error) {
	var v Stake
	return v, unpack(data, &v)
}

func unpack(data []byte, v any) error {
	if len(data) < discriminatorSize {
		return fmt.Errorf("account data too short: %d bytes", len(data))
	}
	if err := bin.NewBinDecoder(data[discriminatorSize:]).Decode(v); err != nil {
		return fmt.Errorf("failed to decode account: %w", err)
	}
	return nil
}
