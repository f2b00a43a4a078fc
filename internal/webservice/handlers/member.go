package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ore-pool/server/internal/database"
)

// Member serves the database record of a single pool member.
type Member struct {
	store MemberStore
	pool  PoolInfo
}

// NewMember creates a new Member handler.
func NewMember(store MemberStore, pool PoolInfo) *Member {
	return &Member{
		store: store,
		pool:  pool,
	}
}

// ServeHTTP handles incoming member lookup requests.
func (h *Member) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()

	authority, err := solana.PublicKeyFromBase58(r.PathValue("authority"))
	if err != nil {
		http.Error(w, "Invalid authority", http.StatusBadRequest)
		slog.Info("Invalid authority in member lookup", "req_id", reqID, "err", err)
		return
	}

	pool, _ := h.pool.Pool()
	member, err := h.store.MemberByAuthority(r.Context(), authority.String(), pool.String())
	if errors.Is(err, database.ErrMemberNotFound) {
		http.Error(w, "Member not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to look up member", http.StatusInternalServerError)
		slog.Error("Failed to look up member", "req_id", reqID, "authority", authority.String(), "err", err)
		return
	}

	respondJSON(w, http.StatusOK, newMemberResponse(member))
}
