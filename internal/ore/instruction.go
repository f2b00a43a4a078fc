package ore

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	"github.com/ore-pool/server/internal/drill"
)

// Pool program instruction tags.
const (
	// Member instructions.
	TagInitialize uint8 = iota
	TagOpen
	TagClaim
	TagStake

	// Operator instructions.
	TagSubmit
	TagAttribute
)

// Compute budget program opcodes.
const (
	computeUnitLimitOp uint8 = 2
	computeUnitPriceOp uint8 = 3
)

var computeBudgetProgram = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// Auth builds the no-op instruction carrying the pool proof address. RPC providers
// use it to filter mine transactions when delivering reward webhooks.
func Auth(proof, noopProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(noopProgram, solana.AccountMetaSlice{}, proof.Bytes())
}

// Submit builds the pool program instruction submitting the round's best solution
// along with the attestation of all member contributions.
func Submit(
	signer, bus, pool, proof, oreProgram, poolProgram solana.PublicKey,
	solution drill.Solution,
	attestation [32]byte,
	boostAccounts []solana.PublicKey,
) solana.Instruction {
	data := make([]byte, 0, 1+32+drill.DigestSize+drill.NonceSize)
	data = append(data, TagSubmit)
	data = append(data, attestation[:]...)
	data = append(data, solution.Digest[:]...)
	data = append(data, solution.Nonce[:]...)

	accounts := solana.AccountMetaSlice{
		solana.Meta(signer).WRITE().SIGNER(),
		solana.Meta(bus).WRITE(),
		solana.Meta(pool).WRITE(),
		solana.Meta(proof).WRITE(),
		solana.Meta(oreProgram),
	}
	for _, boost := range boostAccounts {
		accounts = append(accounts, solana.Meta(boost))
	}

	return solana.NewInstruction(poolProgram, accounts, data)
}

// Attribute builds the pool program instruction updating a member's attributed
// lifetime balance on-chain.
func Attribute(signer, pool, member solana.PublicKey, poolProgram solana.PublicKey, totalBalance uint64) solana.Instruction {
	data := make([]byte, 0, 1+8)
	data = append(data, TagAttribute)
	data = append(data, uint64LE(totalBalance)...)

	accounts := solana.AccountMetaSlice{
		solana.Meta(signer).WRITE().SIGNER(),
		solana.Meta(pool),
		solana.Meta(member).WRITE(),
	}

	return solana.NewInstruction(poolProgram, accounts, data)
}

// SetComputeUnitLimit builds a compute budget instruction capping transaction compute units.
func SetComputeUnitLimit(limit uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = computeUnitLimitOp
	binary.LittleEndian.PutUint32(data[1:], limit)
	return solana.NewInstruction(computeBudgetProgram, solana.AccountMetaSlice{}, data)
}

// SetComputeUnitPrice builds a compute budget instruction setting the priority fee
// in micro-lamports per compute unit.
func SetComputeUnitPrice(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = computeUnitPriceOp
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.NewInstruction(computeBudgetProgram, solana.AccountMetaSlice{}, data)
}
