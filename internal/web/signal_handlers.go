package web

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/usecase"
)

type signalStats struct {
	WinRate decimal.Decimal `json:"win_rate"`
	AvgWin  decimal.Decimal `json:"avg_win"`
	AvgLoss decimal.Decimal `json:"avg_loss"`
}

type signalRequest struct {
	Symbol            string            `json:"symbol"`
	Action            string            `json:"action"`
	Entry             decimal.Decimal   `json:"entry"`
	StopLoss          decimal.Decimal   `json:"stop_loss"`
	TakeProfit        decimal.Decimal   `json:"take_profit"`
	TakeProfits       []decimal.Decimal `json:"take_profits"`
	Strategy          string            `json:"strategy"`
	Score             float64           `json:"score"`
	AdaptiveThreshold float64           `json:"adaptive_threshold"`
	RealizedVol       float64           `json:"realized_vol"`
	AverageVol        float64           `json:"average_vol"`
	Pilot             bool              `json:"pilot"`
	Exploration       bool              `json:"exploration"`
	Market            bool              `json:"market"`
	Stats             *signalStats      `json:"stats"`
	// Kelly sizes from the journal when no stats are given.
	Kelly bool `json:"kelly"`
}

func (r signalRequest) toSignal() usecase.Signal {
	sig := usecase.Signal{
		Symbol:            r.Symbol,
		Action:            usecase.Action(r.Action),
		Entry:             r.Entry,
		StrategySL:        r.StopLoss,
		StrategyTP:        r.TakeProfit,
		TakeProfits:       r.TakeProfits,
		Strategy:          r.Strategy,
		Score:             r.Score,
		AdaptiveThreshold: r.AdaptiveThreshold,
		RealizedVol:       r.RealizedVol,
		AverageVol:        r.AverageVol,
		IsPilot:           r.Pilot,
		IsExploration:     r.Exploration,
		Market:            r.Market,
	}
	if r.Stats != nil {
		sig.Stats = &usecase.TradeStats{WinRate: r.Stats.WinRate, AvgWin: r.Stats.AvgWin, AvgLoss: r.Stats.AvgLoss}
	}
	return sig
}

// handleSignal runs one cycle and returns its report. Skips are 200s; the
// reason is in the body.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid signal: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	sig := req.toSignal()
	if req.Kelly && sig.Stats == nil {
		fills, err := s.journal.ListFills(r.Context(), s.session, maxLimit)
		if err != nil {
			s.logger.Error("Failed to list fills", zap.Error(err))
			http.Error(w, "Failed to list fills", http.StatusInternalServerError)
			return
		}
		stats := usecase.AnalyzeFills(fills).Stats
		sig.Stats = &stats
	}

	report, err := s.engine.ProcessSignal(r.Context(), sig)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEntryPrice) {
			s.writeJSON(w, http.StatusUnprocessableEntity, report)
			return
		}
		s.logger.Error("Signal cycle failed", zap.String("symbol", req.Symbol), zap.Error(err))
		http.Error(w, "signal cycle failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
