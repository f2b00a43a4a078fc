package handlers

import (
	"net/http"
)

type poolAddressResponse struct {
	Address string `json:"address"`
	Bump    uint8  `json:"bump"`
}

// PoolAddress serves the on-chain address of the pool account.
type PoolAddress struct {
	pool PoolInfo
}

// NewPoolAddress creates a new PoolAddress handler.
func NewPoolAddress(pool PoolInfo) *PoolAddress {
	return &PoolAddress{pool: pool}
}

// ServeHTTP handles incoming pool address requests.
func (h *PoolAddress) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	address, bump := h.pool.Pool()
	respondJSON(w, http.StatusOK, poolAddressResponse{
		Address: address.String(),
		Bump:    bump,
	})
}
