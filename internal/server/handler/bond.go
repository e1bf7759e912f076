package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// BondConfigSource reads the live bond configuration.
type BondConfigSource interface {
	BondConfig(ctx context.Context) (domain.BondConfig, error)
}

// BondHandler quotes creation bonds.
type BondHandler struct {
	source BondConfigSource
	logger *slog.Logger
}

// NewBondHandler creates a BondHandler. source may be nil, in which case
// both query parameters are required.
func NewBondHandler(source BondConfigSource, logger *slog.Logger) *BondHandler {
	return &BondHandler{source: source, logger: logHandler(logger, "bond")}
}

// Quote splits a bond into fee and refundable parts. amount (base units)
// and bps default to the live bond manager configuration when omitted.
// GET /api/bond/quote?amount=&bps=
func (h *BondHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amountParam, bpsParam := q.Get("amount"), q.Get("bps")

	var cfg domain.BondConfig
	source := "query"
	if amountParam == "" || bpsParam == "" {
		if h.source == nil {
			writeError(w, http.StatusBadRequest, "amount and bps are required")
			return
		}
		live, err := h.source.BondConfig(r.Context())
		if err != nil {
			writeDomainError(w, r, h.logger, "read bond config", err)
			return
		}
		cfg = live
		source = "chain"
	}

	if amountParam != "" {
		amount, ok := new(big.Int).SetString(amountParam, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "amount must be a base-10 integer")
			return
		}
		cfg.DefaultBondAmount = amount
	}
	if bpsParam != "" {
		bps, err := strconv.ParseUint(bpsParam, 10, 16)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bps must be an integer between 0 and 10000")
			return
		}
		cfg.CreationPenaltyBps = uint16(bps)
	}

	b, err := cfg.Breakdown()
	if err != nil {
		writeDomainError(w, r, h.logger, "compute bond", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount":      b.Amount.String(),
		"penalty_bps": b.PenaltyBps,
		"fee":         b.Fee.String(),
		"refundable":  b.Refundable.String(),
		"source":      source,
	})
}
