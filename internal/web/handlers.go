package web

import (
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/usecase"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// handlePositions returns committed positions ordered by symbol.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.journal.GetPositions(r.Context(), s.session)
	if err != nil {
		s.logger.Error("Failed to get positions", zap.Error(err))
		http.Error(w, "Failed to get positions", http.StatusInternalServerError)
		return
	}

	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	fills, err := s.journal.ListFills(r.Context(), s.session, limit)
	if err != nil {
		s.logger.Error("Failed to list fills", zap.Error(err))
		http.Error(w, "Failed to list fills", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []domain.Fill{}
	}
	s.writeJSON(w, http.StatusOK, fills)
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	history, err := s.journal.CashEquityHistory(r.Context(), s.session, limit)
	if err != nil {
		s.logger.Error("Failed to load equity history", zap.Error(err))
		http.Error(w, "Failed to load equity history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []domain.CashEquity{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

// handleStats replays the most recent fills into closed-trade statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	fills, err := s.journal.ListFills(r.Context(), s.session, maxLimit)
	if err != nil {
		s.logger.Error("Failed to list fills", zap.Error(err))
		http.Error(w, "Failed to list fills", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, usecase.AnalyzeFills(fills))
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(limit, maxLimit), true
}
