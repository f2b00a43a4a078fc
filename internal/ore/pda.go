// Package ore provides the on-chain bindings for the ORE program and the pool program:
// PDA derivation, account layouts, and instruction builders.
package ore

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Seeds used for program derived addresses.
var (
	poolSeed   = []byte("pool")
	memberSeed = []byte("member")
	proofSeed  = []byte("proof")
	busSeed    = []byte("bus")
	configSeed = []byte("config")
	boostSeed  = []byte("boost")
)

// BusCount is the number of reward busses maintained by the ORE program.
const BusCount = 8

// PoolPDA derives the pool account address for an operator authority.
func PoolPDA(authority, poolProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{poolSeed, authority.Bytes()}, poolProgram)
}

// MemberPDA derives the member account address for a member authority within a pool.
func MemberPDA(authority, pool, poolProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{memberSeed, authority.Bytes(), pool.Bytes()}, poolProgram)
}

// ProofPDA derives the ORE proof account address owned by the pool.
func ProofPDA(pool, oreProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{proofSeed, pool.Bytes()}, oreProgram)
}

// BusPDA derives the address of reward bus i.
func BusPDA(i uint8, oreProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{busSeed, {i}}, oreProgram)
}

// BusAddresses derives the addresses of all reward busses.
func BusAddresses(oreProgram solana.PublicKey) ([]solana.PublicKey, error) {
	addrs := make([]solana.PublicKey, 0, BusCount)
	for i := uint8(0); i < BusCount; i++ {
		addr, _, err := BusPDA(i, oreProgram)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// BoostPDA derives the boost account address for a boost mint.
func BoostPDA(mint, boostProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{boostSeed, mint.Bytes()}, boostProgram)
}

// ConfigPDA derives the ORE global config account address.
func ConfigPDA(oreProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{configSeed}, oreProgram)
}

func uint64LE(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}
