package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ore-pool/server/internal/database"
)

// RegisterPayload is the payload sent to the /register endpoint.
type RegisterPayload struct {
	// Authority is the member authority to register.
	Authority solana.PublicKey `json:"authority"`
}

// Register creates a database record for a new pool member.
type Register struct {
	store  MemberStore
	pool   PoolInfo
	policy PolicyProvider
}

// NewRegister creates a new Register handler.
func NewRegister(store MemberStore, pool PoolInfo, policy PolicyProvider) *Register {
	return &Register{
		store:  store,
		pool:   pool,
		policy: policy,
	}
}

// ServeHTTP handles incoming registration requests.
func (h *Register) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()

	var payload RegisterPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		slog.Error("Invalid registration payload", "req_id", reqID, "err", err)
		return
	}
	if payload.Authority.IsZero() {
		http.Error(w, "Missing authority", http.StatusBadRequest)
		return
	}
	authority := payload.Authority.String()

	if h.policy.IsBanned(authority) {
		http.Error(w, "Member is banned", http.StatusForbidden)
		slog.Warn("Banned member attempted registration", "req_id", reqID, "authority", authority)
		return
	}

	pool, _ := h.pool.Pool()
	address, err := h.pool.MemberAddress(payload.Authority)
	if err != nil {
		http.Error(w, "Failed to derive member address", http.StatusInternalServerError)
		slog.Error("Failed to derive member address", "req_id", reqID, "authority", authority, "err", err)
		return
	}

	member, err := h.store.InsertMember(r.Context(), database.Member{
		Address:    address.String(),
		Authority:  authority,
		Pool:       pool.String(),
		IsApproved: true,
	})
	if err != nil {
		http.Error(w, "Failed to register member", http.StatusInternalServerError)
		slog.Error("Failed to register member", "req_id", reqID, "authority", authority, "err", err)
		return
	}

	slog.Info("Member registered", "req_id", reqID, "authority", authority, "address", member.Address)
	respondJSON(w, http.StatusCreated, newMemberResponse(member))
}
