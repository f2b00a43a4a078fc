// Package handlers provides the HTTP handlers for the pool API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go"

	"github.com/ore-pool/server/internal/aggregator"
	"github.com/ore-pool/server/internal/database"
)

// ChallengeProvider exposes the current challenge to the API.
type ChallengeProvider interface {
	Challenge() aggregator.Challenge
}

// MemberStore is the database access the handlers need.
type MemberStore interface {
	InsertMember(ctx context.Context, m database.Member) (database.Member, error)
	MemberByAuthority(ctx context.Context, authority, pool string) (database.Member, error)
}

// PoolInfo exposes the pool identity needed to serve member requests.
type PoolInfo interface {
	Pool() (solana.PublicKey, uint8)
	MemberAddress(authority solana.PublicKey) (solana.PublicKey, error)
}

// PolicyProvider is an interface that defines the policy access methods used by the handlers.
type PolicyProvider interface {
	IsBanned(authority string) bool
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "err", err)
	}
}

type memberResponse struct {
	Address      string `json:"address"`
	ID           int64  `json:"id"`
	Authority    string `json:"authority"`
	Pool         string `json:"pool"`
	TotalBalance int64  `json:"totalBalance"`
	IsApproved   bool   `json:"isApproved"`
	IsSynced     bool   `json:"isSynced"`
}

func newMemberResponse(m database.Member) memberResponse {
	return memberResponse{
		Address:      m.Address,
		ID:           m.ID,
		Authority:    m.Authority,
		Pool:         m.Pool,
		TotalBalance: m.TotalBalance,
		IsApproved:   m.IsApproved,
		IsSynced:     m.IsSynced,
	}
}
