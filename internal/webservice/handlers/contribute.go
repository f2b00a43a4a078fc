package handlers

import (
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ore-pool/server/internal/aggregator"
	"github.com/ore-pool/server/internal/drill"
)

// ContributePayload is the payload sent to the /contribute endpoint.
type ContributePayload struct {
	// Authority is the member authority sending the payload.
	Authority solana.PublicKey `json:"authority"`

	// Solution is the solution submitted.
	Solution drill.Solution `json:"solution"`

	// Signature must be a valid signature of the solution bytes by the authority.
	Signature solana.Signature `json:"signature"`
}

// Contribute accepts solutions from pool members. Valid solutions are queued for
// aggregation into the current round.
type Contribute struct {
	challenges    ChallengeProvider
	store         MemberStore
	pool          PoolInfo
	policy        PolicyProvider
	contributions chan<- aggregator.Contribution
}

// NewContribute creates a new Contribute handler.
func NewContribute(challenges ChallengeProvider, store MemberStore, pool PoolInfo, policy PolicyProvider, contributions chan<- aggregator.Contribution) *Contribute {
	return &Contribute{
		challenges:    challenges,
		store:         store,
		pool:          pool,
		policy:        policy,
		contributions: contributions,
	}
}

// ServeHTTP handles incoming contribution requests.
func (h *Contribute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()

	var payload ContributePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		slog.Error("Invalid contribution payload", "req_id", reqID, "err", err)
		return
	}
	authority := payload.Authority.String()

	if h.policy.IsBanned(authority) {
		http.Error(w, "Member is banned", http.StatusForbidden)
		slog.Warn("Banned member attempted contribution", "req_id", reqID, "authority", authority)
		return
	}

	// Authenticate the sender.
	if !ed25519.Verify(ed25519.PublicKey(payload.Authority.Bytes()), payload.Solution.Bytes(), payload.Signature[:]) {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		slog.Warn("Invalid contribution signature", "req_id", reqID, "authority", authority)
		return
	}

	challenge := h.challenges.Challenge()
	difficulty := payload.Solution.Difficulty()
	if uint64(difficulty) < challenge.MinDifficulty {
		http.Error(w, "Solution below minimum difficulty", http.StatusBadRequest)
		slog.Info("Solution below minimum difficulty", "req_id", reqID, "authority", authority, "difficulty", difficulty)
		return
	}
	if !payload.Solution.IsValid(challenge.Challenge) {
		http.Error(w, "Invalid solution digest", http.StatusBadRequest)
		slog.Info("Invalid solution digest", "req_id", reqID, "authority", authority)
		return
	}

	pool, _ := h.pool.Pool()
	member, err := h.store.MemberByAuthority(r.Context(), authority, pool.String())
	if err != nil {
		http.Error(w, "Member not registered", http.StatusForbidden)
		slog.Info("Contribution from unregistered member", "req_id", reqID, "authority", authority)
		return
	}
	if !member.IsApproved {
		http.Error(w, "Member not approved", http.StatusForbidden)
		slog.Info("Contribution from unapproved member", "req_id", reqID, "authority", authority)
		return
	}

	contribution := aggregator.Contribution{
		Member:   payload.Authority,
		Score:    drill.Score(difficulty),
		Solution: payload.Solution,
	}

	select {
	case h.contributions <- contribution:
	default:
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		slog.Error("Contribution queue full", "req_id", reqID, "authority", authority)
		return
	}

	slog.Debug("Contribution accepted", "req_id", reqID, "authority", authority, "difficulty", difficulty)
	w.WriteHeader(http.StatusOK)
}
