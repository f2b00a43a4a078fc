package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ore-pool/server/internal/aggregator"
	"github.com/ore-pool/server/internal/database"
	"github.com/ore-pool/server/internal/drill"
	"github.com/ore-pool/server/internal/webservice/handlers"
)

type fakeChallenges struct {
	challenge aggregator.Challenge
}

func (f fakeChallenges) Challenge() aggregator.Challenge {
	return f.challenge
}

type fakeStore struct {
	members map[string]database.Member

	insertErr error
	lookupErr error

	inserted []database.Member
}

func (f *fakeStore) InsertMember(_ context.Context, m database.Member) (database.Member, error) {
	if f.insertErr != nil {
		return database.Member{}, f.insertErr
	}
	m.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, m)
	return m, nil
}

func (f *fakeStore) MemberByAuthority(_ context.Context, authority, pool string) (database.Member, error) {
	if f.lookupErr != nil {
		return database.Member{}, f.lookupErr
	}
	m, ok := f.members[authority]
	if !ok {
		return database.Member{}, database.ErrMemberNotFound
	}
	return m, nil
}

type fakePool struct {
	pool      solana.PublicKey
	bump      uint8
	memberErr error
}

func (f fakePool) Pool() (solana.PublicKey, uint8) {
	return f.pool, f.bump
}

func (f fakePool) MemberAddress(authority solana.PublicKey) (solana.PublicKey, error) {
	if f.memberErr != nil {
		return solana.PublicKey{}, f.memberErr
	}
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("fake-member"), authority.Bytes()}, f.pool)
	return addr, err
}

type fakePolicy struct {
	banned map[string]struct{}
}

func (f fakePolicy) IsBanned(authority string) bool {
	_, ok := f.banned[authority]
	return ok
}

// signedContribution mines a solution for challenge and signs it with a fresh wallet.
func signedContribution(t *testing.T, challenge [32]byte) (*solana.Wallet, handlers.ContributePayload) {
	t.Helper()

	wallet := solana.NewWallet()
	solution := drill.NewSolution(challenge, 42)
	sig, err := wallet.PrivateKey.Sign(solution.Bytes())
	require.NoError(t, err, "Setup: failed to sign solution")

	return wallet, handlers.ContributePayload{
		Authority: wallet.PublicKey(),
		Solution:  solution,
		Signature: sig,
	}
}

func TestContribute(t *testing.T) {
	t.Parallel()

	challenge := [32]byte{1, 2, 3}

	tests := map[string]struct {
		rawBody       string
		banned        bool
		badSignature  bool
		minDifficulty uint64
		badChallenge  bool
		unregistered  bool
		unapproved    bool
		fullQueue     bool

		wantStatus int
	}{
		"Valid contribution": {wantStatus: http.StatusOK},

		// Error cases
		"Invalid JSON":             {rawBody: "{not json", wantStatus: http.StatusBadRequest},
		"Banned member":            {banned: true, wantStatus: http.StatusForbidden},
		"Invalid signature":        {badSignature: true, wantStatus: http.StatusUnauthorized},
		"Below minimum difficulty": {minDifficulty: 60, wantStatus: http.StatusBadRequest},
		"Wrong challenge":          {badChallenge: true, wantStatus: http.StatusBadRequest},
		"Unregistered member":      {unregistered: true, wantStatus: http.StatusForbidden},
		"Unapproved member":        {unapproved: true, wantStatus: http.StatusForbidden},
		"Full queue":               {fullQueue: true, wantStatus: http.StatusServiceUnavailable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			minedChallenge := challenge
			if tc.badChallenge {
				minedChallenge = [32]byte{9, 9, 9}
			}
			wallet, payload := signedContribution(t, minedChallenge)
			if tc.badSignature {
				payload.Signature[0] ^= 0xFF
			}

			pool := fakePool{pool: solana.NewWallet().PublicKey(), bump: 255}
			store := &fakeStore{members: map[string]database.Member{}}
			if !tc.unregistered {
				store.members[wallet.PublicKey().String()] = database.Member{
					Authority:  wallet.PublicKey().String(),
					IsApproved: !tc.unapproved,
				}
			}

			policy := fakePolicy{banned: map[string]struct{}{}}
			if tc.banned {
				policy.banned[wallet.PublicKey().String()] = struct{}{}
			}

			queueSize := 1
			if tc.fullQueue {
				queueSize = 0
			}
			contributions := make(chan aggregator.Contribution, queueSize)

			h := handlers.NewContribute(
				fakeChallenges{challenge: aggregator.Challenge{Challenge: challenge, MinDifficulty: tc.minDifficulty}},
				store, pool, policy, contributions,
			)

			body := tc.rawBody
			if body == "" {
				raw, err := json.Marshal(payload)
				require.NoError(t, err, "Setup: failed to marshal payload")
				body = string(raw)
			}

			req := httptest.NewRequest(http.MethodPost, "/contribute", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code, "Unexpected status code")
			if tc.wantStatus != http.StatusOK {
				assert.Empty(t, contributions, "No contribution should be queued")
				return
			}

			require.Len(t, contributions, 1, "Contribution should be queued")
			got := <-contributions
			assert.Equal(t, wallet.PublicKey(), got.Member)
			assert.Equal(t, payload.Solution, got.Solution)
			assert.Equal(t, drill.Score(payload.Solution.Difficulty()), got.Score)
		})
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		rawBody       string
		zeroAuthority bool
		banned        bool
		memberErr     error
		insertErr     error

		wantStatus int
	}{
		"Valid registration": {wantStatus: http.StatusCreated},

		// Error cases
		"Invalid JSON":         {rawBody: "{not json", wantStatus: http.StatusBadRequest},
		"Missing authority":    {zeroAuthority: true, wantStatus: http.StatusBadRequest},
		"Banned member":        {banned: true, wantStatus: http.StatusForbidden},
		"Derive address fails": {memberErr: fmt.Errorf("error requested by test"), wantStatus: http.StatusInternalServerError},
		"Insert fails":         {insertErr: fmt.Errorf("error requested by test"), wantStatus: http.StatusInternalServerError},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			wallet := solana.NewWallet()
			authority := wallet.PublicKey()
			if tc.zeroAuthority {
				authority = solana.PublicKey{}
			}

			pool := fakePool{pool: solana.NewWallet().PublicKey(), bump: 254, memberErr: tc.memberErr}
			store := &fakeStore{insertErr: tc.insertErr}
			policy := fakePolicy{banned: map[string]struct{}{}}
			if tc.banned {
				policy.banned[authority.String()] = struct{}{}
			}

			h := handlers.NewRegister(store, pool, policy)

			body := tc.rawBody
			if body == "" {
				raw, err := json.Marshal(handlers.RegisterPayload{Authority: authority})
				require.NoError(t, err, "Setup: failed to marshal payload")
				body = string(raw)
			}

			req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code, "Unexpected status code")
			if tc.wantStatus != http.StatusCreated {
				assert.Empty(t, store.inserted, "No member should be inserted")
				return
			}

			require.Len(t, store.inserted, 1, "Member should be inserted")
			inserted := store.inserted[0]
			assert.Equal(t, authority.String(), inserted.Authority)
			assert.True(t, inserted.IsApproved, "New members should be approved")

			var resp struct {
				Address   string `json:"address"`
				Authority string `json:"authority"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "Response should be valid JSON")
			assert.Equal(t, inserted.Address, resp.Address)
			assert.Equal(t, authority.String(), resp.Authority)
		})
	}
}

func TestMember(t *testing.T) {
	t.Parallel()

	wallet := solana.NewWallet()
	member := database.Member{
		Address:      solana.NewWallet().PublicKey().String(),
		ID:           7,
		Authority:    wallet.PublicKey().String(),
		TotalBalance: 12345,
		IsApproved:   true,
		IsSynced:     true,
	}

	tests := map[string]struct {
		authority string
		lookupErr error

		wantStatus int
	}{
		"Member exists": {authority: member.Authority, wantStatus: http.StatusOK},

		// Error cases
		"Invalid authority": {authority: "not-a-pubkey", wantStatus: http.StatusBadRequest},
		"Unknown member":    {authority: solana.NewWallet().PublicKey().String(), wantStatus: http.StatusNotFound},
		"Store error": {
			authority:  member.Authority,
			lookupErr:  fmt.Errorf("error requested by test"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := &fakeStore{
				members:   map[string]database.Member{member.Authority: member},
				lookupErr: tc.lookupErr,
			}
			h := handlers.NewMember(store, fakePool{pool: solana.NewWallet().PublicKey()})

			req := httptest.NewRequest(http.MethodGet, "/member/"+tc.authority, nil)
			req.SetPathValue("authority", tc.authority)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code, "Unexpected status code")
			if tc.wantStatus != http.StatusOK {
				return
			}

			var resp struct {
				Address      string `json:"address"`
				ID           int64  `json:"id"`
				TotalBalance int64  `json:"totalBalance"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "Response should be valid JSON")
			assert.Equal(t, member.Address, resp.Address)
			assert.Equal(t, member.ID, resp.ID)
			assert.Equal(t, member.TotalBalance, resp.TotalBalance)
		})
	}
}

func TestGetChallenge(t *testing.T) {
	t.Parallel()

	challenge := aggregator.Challenge{
		Challenge:     [32]byte{4, 5, 6},
		LastHashAt:    1000,
		MinDifficulty: 8,
		CutoffTime:    42,
	}

	h := handlers.NewGetChallenge(fakeChallenges{challenge: challenge})
	req := httptest.NewRequest(http.MethodGet, "/challenge", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got aggregator.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got), "Response should be valid JSON")
	assert.Equal(t, challenge, got)
}

func TestPoolAddress(t *testing.T) {
	t.Parallel()

	pool := fakePool{pool: solana.NewWallet().PublicKey(), bump: 253}
	h := handlers.NewPoolAddress(pool)

	req := httptest.NewRequest(http.MethodGet, "/pool-address", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Address string `json:"address"`
		Bump    uint8  `json:"bump"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "Response should be valid JSON")
	assert.Equal(t, pool.pool.String(), resp.Address)
	assert.Equal(t, uint8(253), resp.Bump)
}

func TestRewardsWebhook(t *testing.T) {
	t.Parallel()

	const token = "webhook-secret"
	rewards := aggregator.Rewards{Base: 1000}

	tests := map[string]struct {
		serverToken string
		reqToken    string
		rawBody     string
		fullQueue   bool

		wantStatus int
	}{
		"Valid notification": {serverToken: token, reqToken: token, wantStatus: http.StatusOK},

		// Error cases
		"Missing token":         {serverToken: token, wantStatus: http.StatusUnauthorized},
		"Wrong token":           {serverToken: token, reqToken: "wrong", wantStatus: http.StatusUnauthorized},
		"No token configured": {reqToken: token, wantStatus: http.StatusUnauthorized},
		"Invalid JSON":        {serverToken: token, reqToken: token, rawBody: "{not json", wantStatus: http.StatusBadRequest},
		"Full queue":          {serverToken: token, reqToken: token, fullQueue: true, wantStatus: http.StatusServiceUnavailable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			queueSize := 1
			if tc.fullQueue {
				queueSize = 0
			}
			rewardsCh := make(chan aggregator.Rewards, queueSize)
			h := handlers.NewRewardsWebhook(tc.serverToken, rewardsCh)

			body := tc.rawBody
			if body == "" {
				raw, err := json.Marshal(rewards)
				require.NoError(t, err, "Setup: failed to marshal rewards")
				body = string(raw)
			}

			req := httptest.NewRequest(http.MethodPost, "/webhook/rewards", bytes.NewReader([]byte(body)))
			if tc.reqToken != "" {
				req.Header.Set("Authorization", tc.reqToken)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code, "Unexpected status code")
			if tc.wantStatus != http.StatusOK {
				assert.Empty(t, rewardsCh, "No rewards should be queued")
				return
			}

			require.Len(t, rewardsCh, 1, "Rewards should be queued")
			assert.Equal(t, rewards, <-rewardsCh)
		})
	}
}

func TestVersionHandler(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		method string

		wantStatus int
	}{
		"GET returns version": {method: http.MethodGet, wantStatus: http.StatusOK},
		"POST not allowed":    {method: http.MethodPost, wantStatus: http.StatusMethodNotAllowed},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tc.method, "/version", nil)
			rec := httptest.NewRecorder()
			handlers.VersionHandler(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code, "Unexpected status code")
			if tc.wantStatus != http.StatusOK {
				return
			}
			assert.Contains(t, rec.Body.String(), `"version"`)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handlers.HealthHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
