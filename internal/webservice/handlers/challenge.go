package handlers

import (
	"net/http"
)

// GetChallenge serves the current round's challenge to members.
type GetChallenge struct {
	challenges ChallengeProvider
}

// NewGetChallenge creates a new GetChallenge handler.
func NewGetChallenge(challenges ChallengeProvider) *GetChallenge {
	return &GetChallenge{challenges: challenges}
}

// ServeHTTP handles incoming challenge requests.
func (h *GetChallenge) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.challenges.Challenge())
}
