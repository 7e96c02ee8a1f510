package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"pmfeed/config"
	"pmfeed/internal/agg"
	"pmfeed/internal/api"
	"pmfeed/internal/bus"
	"pmfeed/internal/hub"
	"pmfeed/internal/ingest/kalshi"
	"pmfeed/internal/ingest/polymarket"
	"pmfeed/internal/logger"
	"pmfeed/internal/metrics"
	"pmfeed/internal/model"
	"pmfeed/internal/perf"
	"pmfeed/internal/store/postgres"
	"pmfeed/internal/titles"
)

const shutdownGrace = 10 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	slogger := logger.Init("indexer", slog.LevelInfo)
	slogger.Info("starting")

	cfg := config.Load()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Storage gateway ----
	store, err := postgres.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[indexer] postgres init failed: %v", err)
	}
	defer store.Close()

	prom := metrics.New()
	store.OnError = func(op string) { prom.StoreErrors.WithLabelValues(op).Inc() }

	// ---- Candle aggregation ----
	aggregator := agg.New(store)
	aggregator.OnUpsert = func(d time.Duration) {
		prom.CandleUpserts.Inc()
		prom.UpsertDur.Observe(d.Seconds())
	}

	// Rebuild candles from persisted trades before any live event can race a
	// bucket the backfill is rewriting.
	if err := aggregator.Backfill(rootCtx); err != nil {
		log.Fatalf("[indexer] backfill failed: %v", err)
	}

	// ---- Trade bus ----
	b := bus.New(0, 0)
	b.OnDrop = func(subscriber string) { prom.BusDrops.WithLabelValues(subscriber).Inc() }
	aggSub := b.Subscribe("aggregator")
	hubSub := b.Subscribe("hub")
	perfSub := b.Subscribe("perf")

	// ---- WebSocket hub ----
	h := hub.New(0, cfg.AllowedOrigins())
	h.OnDroppedFrame = func() { prom.WSDroppedFrames.Inc() }
	h.OnClientCount = func(n int) { prom.WSClients.Set(float64(n)) }

	tracker := perf.New()

	// Pipeline consumers run on busCtx, which outlives the ingesters so
	// accepted trades drain through before the mailboxes close.
	busCtx, stopBus := context.WithCancel(context.Background())
	var pipeline sync.WaitGroup
	pipeline.Add(4)
	go func() { defer pipeline.Done(); b.Run(busCtx) }()
	go func() { defer pipeline.Done(); aggregator.Run(busCtx, aggSub.C()) }()
	go func() { defer pipeline.Done(); h.Run(busCtx, hubSub.C()) }()
	go func() {
		defer pipeline.Done()
		for t := range perfSub.C() {
			tracker.Observe(t)
		}
	}()

	// ---- Ingesters ----
	ingestCtx, stopIngest := context.WithCancel(rootCtx)
	var ingesters sync.WaitGroup

	ec, err := ethclient.DialContext(rootCtx, cfg.AlchemyWSURL)
	if err != nil {
		log.Fatalf("[indexer] ethereum dial failed: %v", err)
	}
	defer ec.Close()

	poly := polymarket.NewIngester(ec, store, b.Publish, slogger.With("component", "polymarket"))
	poly.OnIngested = ingestCounter(prom, model.ExchangePolymarket)
	poly.OnDuplicate = counter(prom.DuplicateTrades, model.ExchangePolymarket)
	poly.OnError = counter(prom.IngestErrors, model.ExchangePolymarket)
	poly.OnReconnect = counter(prom.Reconnects, model.ExchangePolymarket)
	ingesters.Add(1)
	go func() {
		defer ingesters.Done()
		poly.Run(ingestCtx)
	}()

	if cfg.KalshiEnabled() {
		signer, err := kalshi.NewSigner(cfg.KalshiAPIKeyID, cfg.KalshiPrivateKey)
		if err != nil {
			log.Fatalf("[indexer] kalshi key: %v", err)
		}
		ki := kalshi.NewIngester(kalshi.NewClient(signer), store, b.Publish,
			cfg.KalshiTickers(), slogger.With("component", "kalshi"))
		ki.OnIngested = ingestCounter(prom, model.ExchangeKalshi)
		ki.OnDuplicate = counter(prom.DuplicateTrades, model.ExchangeKalshi)
		ki.OnError = counter(prom.IngestErrors, model.ExchangeKalshi)
		ki.OnReconnect = counter(prom.Reconnects, model.ExchangeKalshi)
		ingesters.Add(1)
		go func() {
			defer ingesters.Done()
			ki.Run(ingestCtx)
		}()
	} else {
		slogger.Info("kalshi credentials not configured, ingester disabled")
	}

	// ---- HTTP server ----
	resolver := titles.New(cfg.RedisAddr, cfg.RedisPassword, slogger.With("component", "titles"))
	defer resolver.Close()

	srv := api.NewServer(api.Config{
		Store:   store,
		Titles:  resolver,
		Stats:   func() any { return tracker.Snapshot() },
		WS:      h.HandleWS,
		Metrics: metrics.Handler(),
		Origin:  cfg.FrontendURL,
		Log:     slogger.With("component", "api"),
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slogger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[indexer] http server: %v", err)
		}
	}()

	<-rootCtx.Done()
	slogger.Info("shutting down")

	// Stop producing first, then let the pipeline drain, then close the edges.
	stopIngest()
	ingesters.Wait()

	stopBus()
	waitTimeout(&pipeline, shutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)

	slogger.Info("stopped", "tradesAggregated", aggregator.Processed())
}

func ingestCounter(prom *metrics.Metrics, ex model.Exchange) func(model.Trade) {
	c := prom.TradesIngested.WithLabelValues(string(ex))
	return func(model.Trade) { c.Inc() }
}

func counter(vec *prometheus.CounterVec, ex model.Exchange) func() {
	c := vec.WithLabelValues(string(ex))
	return func() { c.Inc() }
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		log.Println("[indexer] pipeline drain timed out")
	}
}
