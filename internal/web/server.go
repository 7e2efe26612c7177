package web

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/usecase"
)

// Engine is the live trading engine as seen by the API.
type Engine interface {
	Snapshot() usecase.EngineSnapshot
	ProcessSignal(ctx context.Context, sig usecase.Signal) (*usecase.CycleReport, error)
}

// Journal is the read side of the portfolio store.
type Journal interface {
	GetPositions(ctx context.Context, session string) (map[string]domain.Position, error)
	ListFills(ctx context.Context, session string, limit int) ([]domain.Fill, error)
	CashEquityHistory(ctx context.Context, session string, limit int) ([]domain.CashEquity, error)
}

type Server struct {
	router  *http.ServeMux
	server  *http.Server
	session string
	engine  Engine
	journal Journal
	metrics http.Handler
	logger  *zap.Logger
}

// NewServer builds the status and signal API. metrics may be nil.
func NewServer(
	port int,
	session string,
	engine Engine,
	journal Journal,
	metrics http.Handler,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:  http.NewServeMux(),
		session: session,
		engine:  engine,
		journal: journal,
		metrics: metrics,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	// Engine
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.HandleFunc("POST /signals", s.handleSignal)

	// Portfolio journal
	s.router.HandleFunc("GET /positions", s.handlePositions)
	s.router.HandleFunc("GET /fills", s.handleFills)
	s.router.HandleFunc("GET /equity", s.handleEquity)
	s.router.HandleFunc("GET /stats", s.handleStats)

	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
