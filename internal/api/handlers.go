package api

import (
	"net/http"
	"strconv"
	"time"

	"pmfeed/internal/model"
	"pmfeed/internal/store/postgres"
)

const (
	defaultCandleLimit = 1000
	maxCandleLimit     = 5000
	defaultTradeLimit  = 100
	maxTradeLimit      = 1000
	defaultLatestLimit = 50
	maxLatestLimit     = 200
)

// GET /candles?exchange=&marketId=&interval=&start=&end=&limit=
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	exchange, marketID, ok := requireMarket(w, r)
	if !ok {
		return
	}
	interval, err := model.ParseInterval(r.URL.Query().Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, defaultCandleLimit, maxCandleLimit)
	if !ok {
		return
	}

	candles, err := s.store.QueryCandles(r.Context(), postgres.CandleQuery{
		Exchange: exchange,
		MarketID: marketID,
		Interval: interval,
		Start:    start,
		End:      end,
		Limit:    limit,
	})
	if err != nil {
		s.serverError(w, "query candles", err)
		return
	}
	writeData(w, candles)
}

// GET /candles/markets?exchange=
func (s *Server) handleCandleMarkets(w http.ResponseWriter, r *http.Request) {
	s.listMarkets(w, r)
}

// GET /trades?exchange=&marketId=&side=&start=&end=&limit=
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	exchange, marketID, ok := requireMarket(w, r)
	if !ok {
		return
	}
	side := model.Side(r.URL.Query().Get("side"))
	if side != "" && !side.Valid() {
		writeError(w, http.StatusBadRequest, "invalid side: must be buy or sell")
		return
	}
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, defaultTradeLimit, maxTradeLimit)
	if !ok {
		return
	}

	trades, err := s.store.QueryTrades(r.Context(), postgres.TradeQuery{
		Exchange: exchange,
		MarketID: marketID,
		Side:     side,
		Start:    start,
		End:      end,
		Limit:    limit,
	})
	if err != nil {
		s.serverError(w, "query trades", err)
		return
	}
	writeData(w, trades)
}

// GET /trades/latest?exchange=&limit=
func (s *Server) handleLatestTrades(w http.ResponseWriter, r *http.Request) {
	exchange, ok := optionalExchange(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, defaultLatestLimit, maxLatestLimit)
	if !ok {
		return
	}

	trades, err := s.store.LatestTrades(r.Context(), exchange, limit)
	if err != nil {
		s.serverError(w, "latest trades", err)
		return
	}
	writeData(w, trades)
}

// GET /trades/markets?exchange=
func (s *Server) handleTradeMarkets(w http.ResponseWriter, r *http.Request) {
	s.listMarkets(w, r)
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	exchange, ok := optionalExchange(w, r)
	if !ok {
		return
	}
	markets, err := s.store.MarketsWithTrades(r.Context(), exchange)
	if err != nil {
		s.serverError(w, "list markets", err)
		return
	}
	if s.titles != nil {
		s.titles.Annotate(r.Context(), markets)
	}
	writeData(w, markets)
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeData(w, map[string]string{"status": "ok"})
}

// GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeData(w, map[string]any{})
		return
	}
	writeData(w, s.stats())
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func requireMarket(w http.ResponseWriter, r *http.Request) (model.Exchange, string, bool) {
	exchange := model.Exchange(r.URL.Query().Get("exchange"))
	if !exchange.Valid() {
		writeError(w, http.StatusBadRequest, "invalid exchange: must be kalshi or polymarket")
		return "", "", false
	}
	marketID := r.URL.Query().Get("marketId")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "marketId is required")
		return "", "", false
	}
	return exchange, marketID, true
}

func optionalExchange(w http.ResponseWriter, r *http.Request) (model.Exchange, bool) {
	exchange := model.Exchange(r.URL.Query().Get("exchange"))
	if exchange != "" && !exchange.Valid() {
		writeError(w, http.StatusBadRequest, "invalid exchange: must be kalshi or polymarket")
		return "", false
	}
	return exchange, true
}

func parseLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

// parseRange reads optional start/end bounds, accepting RFC 3339 or unix
// seconds.
func parseRange(w http.ResponseWriter, r *http.Request) (start, end *time.Time, ok bool) {
	for _, p := range []struct {
		name string
		out  **time.Time
	}{{"start", &start}, {"end", &end}} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		t, err := parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+p.name+": want RFC 3339 or unix seconds")
			return nil, nil, false
		}
		*p.out = &t
	}
	if start != nil && end != nil && end.Before(*start) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return nil, nil, false
	}
	return start, end, true
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
