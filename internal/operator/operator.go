// Package operator implements the pool's on-chain actor. It owns the authority
// keypair, reads pool and mining state from a Solana RPC node, and signs and lands
// the transactions that submit solutions and attribute member balances.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ore-pool/server/internal/ore"
)

const (
	// BufferOperator is the number of seconds before the epoch boundary at which the
	// operator stops accepting contributions and submits.
	BufferOperator = 5

	// epochSeconds is the length of a mining epoch.
	epochSeconds = 60
)

// Config holds the configuration for the operator.
type Config struct {
	RPCURL      string
	KeypairPath string

	PoolProgramID  string
	OreProgramID   string
	BoostProgramID string
	NoopProgramID  string

	// OperatorCommission is the percentage of rewards kept by the operator.
	OperatorCommission uint64
	// StakerCommission is the percentage of boost rewards attributed to stakers.
	StakerCommission uint64

	// MinDifficulty overrides the on-chain minimum difficulty when non-zero.
	MinDifficulty uint64
}

// Client is the subset of the Solana RPC client the operator depends on.
type Client interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*rpc.GetMultipleAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Operator signs pool authority actions and reads on-chain state.
type Operator struct {
	keypair solana.PrivateKey
	client  Client

	poolProgram  solana.PublicKey
	oreProgram   solana.PublicKey
	boostProgram solana.PublicKey
	noopProgram  solana.PublicKey

	pool     solana.PublicKey
	poolBump uint8
	proof    solana.PublicKey

	operatorCommission uint64
	stakerCommission   uint64
	minDifficulty      uint64

	now func() time.Time
}

type options struct {
	client Client
	now    func() time.Time
}

// Options represents an optional function to override Operator default values.
type Options func(*options)

// New creates an operator from the given configuration, loading the authority
// keypair from the solana-keygen JSON file at cfg.KeypairPath.
func New(cfg Config, args ...Options) (*Operator, error) {
	if cfg.OperatorCommission+cfg.StakerCommission > 100 {
		return nil, fmt.Errorf("commissions exceed 100 percent: operator %d, staker %d", cfg.OperatorCommission, cfg.StakerCommission)
	}

	keypair, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load authority keypair from %s: %w", cfg.KeypairPath, err)
	}

	poolProgram, err := solana.PublicKeyFromBase58(cfg.PoolProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid pool program id: %w", err)
	}
	oreProgram, err := solana.PublicKeyFromBase58(cfg.OreProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid ore program id: %w", err)
	}
	noopProgram, err := solana.PublicKeyFromBase58(cfg.NoopProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid noop program id: %w", err)
	}

	var boostProgram solana.PublicKey
	if cfg.BoostProgramID != "" {
		boostProgram, err = solana.PublicKeyFromBase58(cfg.BoostProgramID)
		if err != nil {
			return nil, fmt.Errorf("invalid boost program id: %w", err)
		}
	}

	opts := options{
		client: rpc.New(cfg.RPCURL),
		now:    time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	pool, poolBump, err := ore.PoolPDA(keypair.PublicKey(), poolProgram)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool address: %w", err)
	}
	proof, _, err := ore.ProofPDA(pool, oreProgram)
	if err != nil {
		return nil, fmt.Errorf("failed to derive proof address: %w", err)
	}

	return &Operator{
		keypair: keypair,
		client:  opts.client,

		poolProgram:  poolProgram,
		oreProgram:   oreProgram,
		boostProgram: boostProgram,
		noopProgram:  noopProgram,

		pool:     pool,
		poolBump: poolBump,
		proof:    proof,

		operatorCommission: cfg.OperatorCommission,
		stakerCommission:   cfg.StakerCommission,
		minDifficulty:      cfg.MinDifficulty,

		now: opts.now,
	}, nil
}

// WithClient overrides the RPC client.
func WithClient(client Client) Options {
	return func(o *options) {
		o.client = client
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}

// Authority returns the public key of the pool authority keypair.
func (o *Operator) Authority() solana.PublicKey {
	return o.keypair.PublicKey()
}

// Pool returns the pool account address and its bump seed.
func (o *Operator) Pool() (solana.PublicKey, uint8) {
	return o.pool, o.poolBump
}

// MemberAddress derives the member account address for a member authority.
func (o *Operator) MemberAddress(authority solana.PublicKey) (solana.PublicKey, error) {
	member, _, err := ore.MemberPDA(authority, o.pool, o.poolProgram)
	return member, err
}

// Commissions returns the operator and staker commission percentages.
func (o *Operator) Commissions() (operator, staker uint64) {
	return o.operatorCommission, o.stakerCommission
}

// GetPool fetches and decodes the pool account.
func (o *Operator) GetPool(ctx context.Context) (ore.Pool, error) {
	data, err := o.accountData(ctx, o.pool)
	if err != nil {
		return ore.Pool{}, fmt.Errorf("failed to fetch pool account: %w", err)
	}
	return ore.UnpackPool(data)
}

// GetProof fetches and decodes the pool's proof account.
func (o *Operator) GetProof(ctx context.Context) (ore.Proof, error) {
	data, err := o.accountData(ctx, o.proof)
	if err != nil {
		return ore.Proof{}, fmt.Errorf("failed to fetch proof account: %w", err)
	}
	return ore.UnpackProof(data)
}

// MinDifficulty returns the minimum accepted solution difficulty: the configured
// override when set, otherwise the value from the on-chain ORE config account.
func (o *Operator) MinDifficulty(ctx context.Context) (uint64, error) {
	if o.minDifficulty > 0 {
		return o.minDifficulty, nil
	}

	configAddr, _, err := ore.ConfigPDA(o.oreProgram)
	if err != nil {
		return 0, fmt.Errorf("failed to derive config address: %w", err)
	}
	data, err := o.accountData(ctx, configAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch config account: %w", err)
	}
	cfg, err := ore.UnpackConfig(data)
	if err != nil {
		return 0, err
	}
	return cfg.MinDifficulty, nil
}

// Cutoff returns the number of seconds left for accepting contributions for the
// challenge described by proof, accounting for the operator submission buffer.
func (o *Operator) Cutoff(proof ore.Proof) uint64 {
	deadline := proof.LastHashAt + epochSeconds - BufferOperator
	remaining := deadline - o.now().Unix()
	if remaining < 0 {
		return 0
	}
	return uint64(remaining)
}

// FindBus returns the reward bus with the largest balance, falling back to a
// random bus if none can be decoded.
func (o *Operator) FindBus(ctx context.Context) (solana.PublicKey, error) {
	busAddrs, err := ore.BusAddresses(o.oreProgram)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive bus addresses: %w", err)
	}

	// #nosec:G404 bus selection does not need cryptographic randomness.
	topBus := busAddrs[rand.Intn(ore.BusCount)]

	res, err := o.client.GetMultipleAccounts(ctx, busAddrs...)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to fetch bus accounts: %w", err)
	}

	var topBalance uint64
	for _, account := range res.Value {
		if account == nil {
			continue
		}
		bus, err := ore.UnpackBus(account.Data.GetBinary())
		if err != nil {
			slog.Debug("Skipping undecodable bus account", "err", err)
			continue
		}
		if bus.Rewards > topBalance && bus.ID < ore.BusCount {
			topBalance = bus.Rewards
			topBus = busAddrs[bus.ID]
		}
	}
	return topBus, nil
}

// Stakers returns the boost stake balances per staker authority for a boost mint.
func (o *Operator) Stakers(ctx context.Context, mint solana.PublicKey) (map[solana.PublicKey]uint64, error) {
	if o.boostProgram.IsZero() {
		return nil, fmt.Errorf("boost program not configured")
	}

	res, err := o.client.GetProgramAccountsWithOpts(ctx, o.boostProgram, &rpc.GetProgramAccountsOpts{
		Filters: []rpc.RPCFilter{
			{
				Memcmp: &rpc.RPCFilterMemcmp{
					Offset: ore.StakeMintOffset,
					Bytes:  solana.Base58(mint.Bytes()),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stake accounts for mint %s: %w", mint, err)
	}

	stakers := make(map[solana.PublicKey]uint64, len(res))
	for _, keyed := range res {
		stake, err := ore.UnpackStake(keyed.Account.Data.GetBinary())
		if err != nil {
			slog.Debug("Skipping undecodable stake account", "account", keyed.Pubkey, "err", err)
			continue
		}
		stakers[stake.Authority] = stake.Balance
	}
	return stakers, nil
}

// BoostAccounts derives the boost accounts to pass along with a submission.
func (o *Operator) BoostAccounts(mints []solana.PublicKey) ([]solana.PublicKey, error) {
	if o.boostProgram.IsZero() || len(mints) == 0 {
		return nil, nil
	}

	accounts := make([]solana.PublicKey, 0, len(mints))
	for _, mint := range mints {
		boost, _, err := ore.BoostPDA(mint, o.boostProgram)
		if err != nil {
			return nil, fmt.Errorf("failed to derive boost address for mint %s: %w", mint, err)
		}
		accounts = append(accounts, boost)
	}
	return accounts, nil
}

func (o *Operator) accountData(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	res, err := o.client.GetAccountInfo(ctx, account)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("account %s not found", account)
	}
	return res.Value.Data.GetBinary(), nil
}
