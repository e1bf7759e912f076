package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// MarketHandler serves deployed-market endpoints.
type MarketHandler struct {
	markets domain.DeployedMarketStore
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given store and logger.
func NewMarketHandler(markets domain.DeployedMarketStore, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "market")}
}

// ListMarkets returns deployed markets, newest first.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.markets.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.DeployedMarket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": markets,
		"count":   len(markets),
	})
}

// GetMarket returns one market by creation transaction hash (66 chars) or
// market address (42 chars).
// GET /api/markets/{ref}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	ref := strings.ToLower(r.PathValue("ref"))
	if !strings.HasPrefix(ref, "0x") {
		writeError(w, http.StatusBadRequest, "ref must be a 0x-prefixed tx hash or address")
		return
	}

	var (
		m   domain.DeployedMarket
		err error
	)
	switch len(ref) {
	case 66:
		m, err = h.markets.GetByTxHash(r.Context(), ref)
	case 42:
		m, err = h.markets.GetByAddress(r.Context(), ref)
	default:
		writeError(w, http.StatusBadRequest, "ref must be a 0x-prefixed tx hash or address")
		return
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
