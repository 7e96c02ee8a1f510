// Package api serves the read-side HTTP surface: candle and trade queries,
// market listings, and the operational endpoints. Responses wrap payloads in
// {"data": ...} and failures in {"error": ...}.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"pmfeed/internal/model"
	"pmfeed/internal/store/postgres"
)

// Store is the read surface the handlers query.
type Store interface {
	QueryCandles(ctx context.Context, q postgres.CandleQuery) ([]model.Candle, error)
	QueryTrades(ctx context.Context, q postgres.TradeQuery) ([]model.Trade, error)
	LatestTrades(ctx context.Context, exchange model.Exchange, limit int) ([]model.Trade, error)
	MarketsWithTrades(ctx context.Context, exchange model.Exchange) ([]model.Market, error)
	Ping(ctx context.Context) error
}

// TitleResolver annotates market listings with display titles.
type TitleResolver interface {
	Annotate(ctx context.Context, markets []model.Market)
}

// Server holds handler dependencies.
type Server struct {
	store   Store
	titles  TitleResolver // may be nil
	stats   func() any    // /stats payload
	ws      http.HandlerFunc
	metrics http.Handler
	origin  string // allowed CORS origin, "" means any
	log     *slog.Logger
}

// Config wires a Server.
type Config struct {
	Store   Store
	Titles  TitleResolver
	Stats   func() any
	WS      http.HandlerFunc
	Metrics http.Handler
	Origin  string
	Log     *slog.Logger
}

// NewServer creates a Server from cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		store:   cfg.Store,
		titles:  cfg.Titles,
		stats:   cfg.Stats,
		ws:      cfg.WS,
		metrics: cfg.Metrics,
		origin:  cfg.Origin,
		log:     cfg.Log,
	}
}

// Router sets up all HTTP routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/candles", s.handleCandles)
	mux.HandleFunc("/candles/markets", s.handleCandleMarkets)
	mux.HandleFunc("/trades", s.handleTrades)
	mux.HandleFunc("/trades/latest", s.handleLatestTrades)
	mux.HandleFunc("/trades/markets", s.handleTradeMarkets)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.ws != nil {
		mux.HandleFunc("/ws", s.ws)
	}

	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.origin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
