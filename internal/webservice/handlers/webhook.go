package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ore-pool/server/internal/aggregator"
)

// RewardsWebhook receives reward notifications for submitted solutions and
// forwards them to the aggregator for distribution.
type RewardsWebhook struct {
	token   string
	rewards chan<- aggregator.Rewards
}

// NewRewardsWebhook creates a new RewardsWebhook handler authenticating requests against token.
func NewRewardsWebhook(token string, rewards chan<- aggregator.Rewards) *RewardsWebhook {
	return &RewardsWebhook{
		token:   token,
		rewards: rewards,
	}
}

// ServeHTTP handles incoming reward notifications.
func (h *RewardsWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()

	auth := r.Header.Get("Authorization")
	if h.token == "" || subtle.ConstantTimeCompare([]byte(auth), []byte(h.token)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("Unauthorized rewards webhook request", "req_id", reqID)
		return
	}

	var rewards aggregator.Rewards
	if err := json.NewDecoder(r.Body).Decode(&rewards); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		slog.Error("Invalid rewards payload", "req_id", reqID, "err", err)
		return
	}

	select {
	case h.rewards <- rewards:
	default:
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		slog.Error("Rewards queue full", "req_id", reqID)
		return
	}

	slog.Info("Rewards notification accepted", "req_id", reqID, "base", rewards.Base, "boosts", len(rewards.Boosts))
	w.WriteHeader(http.StatusOK)
}
