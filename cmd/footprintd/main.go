// cmd/footprintd — market data ingestion daemon.
//
// Pipeline per symbol:
//
//	[Binance WS] ─┐
//	              ├─ bootstrap merge ─→ engine ─→ fanout ─┬─ sqlite
//	[Binance REST]┘                                       ├─ binary feed
//	                                                      ├─ bridge (JSON WS)
//	                                                      └─ redis cache
//
// A gap manager backfills missing candle spans from REST in the background.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"footprintd/config"
	"footprintd/internal/aggregate"
	"footprintd/internal/bootstrap"
	"footprintd/internal/bridge"
	"footprintd/internal/bus"
	"footprintd/internal/exchange"
	"footprintd/internal/feed"
	"footprintd/internal/logger"
	"footprintd/internal/metrics"
	"footprintd/internal/model"
	"footprintd/internal/wire"

	redisstore "footprintd/internal/store/redis"
	sqlitestore "footprintd/internal/store/sqlite"
)

const dayMs = 24 * 3600 * 1000

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[footprintd] starting...")

	cfg := config.Load()
	slogger := logger.Init("footprintd", logger.ParseLevel(cfg.LogLevel))

	symbols := cfg.ParseSymbols()
	tfs := cfg.ParseTFs()
	priceStep := cfg.ParsePriceStep()
	if len(symbols) == 0 || len(tfs) == 0 {
		log.Fatalf("[footprintd] need at least one symbol and one timeframe")
	}
	slogger.Info("configuration", "symbols", symbols, "tfs", tfs, "retention_days", cfg.RetentionDays())

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	health.SetEnabledTFs(tfs)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Shutdown plumbing ----
	// ingestCtx stops the upstream side on the first signal; the pipeline
	// below drains through channel closure so buffered data is persisted.
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Storage ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	store, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[footprintd] sqlite init failed: %v", err)
	}
	defer store.Close()
	store.OnWriteError = func(error) { prom.SQLiteWriteErrors.Inc() }
	store.OnCommit = func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
	health.SetSQLiteOK(true)

	cache, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[footprintd] WARNING: redis init failed: %v (continuing without cache)", err)
		cache = nil
	}
	defer cache.Close()

	health.StartLivenessChecker(ingestCtx, store.DB(), cache.Client(), 10*time.Second)

	// ---- Aggregation engine ----
	engine := aggregate.New(aggregate.Config{
		Timeframes: tfs,
		PriceStep:  priceStep,
	})
	engine.OnStaleTick = func(model.Tick) { prom.StaleTicks.Inc() }
	engine.OnCandleClose = func(c model.Candle) {
		prom.CandlesClosed.WithLabelValues(strconv.Itoa(c.Timeframe)).Inc()
	}

	// ---- Fan-out ----
	eventCh := make(chan model.Event, 10000)
	fanout := bus.New(5000)
	fanout.OnDrop = func(idx int) {
		prom.FanoutDrops.WithLabelValues(strconv.Itoa(idx)).Inc()
	}
	storeCh := fanout.Subscribe()
	feedCh := fanout.Subscribe()
	bridgeCh := fanout.Subscribe()
	var cacheCh <-chan model.Event
	if cache != nil {
		cacheCh = fanout.Subscribe()
	}
	go fanout.Run(context.Background(), eventCh)

	var sinks sync.WaitGroup
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		if err := store.Run(context.Background(), storeCh); err != nil {
			// Persistence is gone; stop ingesting rather than serving data
			// that is silently lost. Drain storeCh so the fan-out and the
			// hot path can still wind down through channel closure.
			log.Printf("[footprintd] FATAL: %v, shutting down", err)
			health.SetSQLiteOK(false)
			select {
			case sigCh <- syscall.SIGTERM:
			default:
			}
			for range storeCh {
			}
		}
	}()
	if cache != nil {
		go cache.Run(context.Background(), cacheCh)
	}

	// ---- Binary feed ----
	dist := wire.NewDistributor(256)
	dist.OnDrop = func(int) { prom.ConsumerDrops.Inc() }
	encoder := wire.NewEncoder()
	go func() {
		for ev := range feedCh {
			var frame []byte
			switch ev.Type {
			case model.EventCandle:
				frame = encoder.EncodeCandle(ev.Candle)
			case model.EventTick:
				frame = encoder.EncodeTrade(ev.Tick)
			}
			if frame != nil {
				dist.Publish(frame)
				prom.FramesPublished.Inc()
			}
		}
	}()
	feedSrv := feed.NewServer(dist)

	// ---- Exchange gateway & per-symbol bootstrap ----
	client := exchange.NewClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceRESTURL)

	tickCh := make(chan model.Tick, 10000)
	coords := make(map[string]*bootstrap.Coordinator, len(symbols))

	var ingest sync.WaitGroup
	for _, sym := range symbols {
		stream := exchange.NewStream(sym, cfg.BinanceStreamURL)
		stream.OnReconnect = func(sym string) func() {
			return func() { prom.WSReconnects.WithLabelValues(sym).Inc() }
		}(sym)

		coord := bootstrap.New(bootstrap.Config{
			Symbol:       sym,
			HistoryStart: time.Now().UnixMilli() - int64(cfg.RetentionDays())*dayMs,
		}, client)
		coord.OnDuplicate = func(t model.Tick) {
			prom.DuplicatesDropped.WithLabelValues(t.Symbol).Inc()
		}
		coords[sym] = coord

		go stream.Run(ingestCtx)
		ingest.Add(1)
		go func(sym string) {
			defer ingest.Done()
			if err := coord.Run(ingestCtx, stream.Events(), tickCh); err != nil && ingestCtx.Err() == nil {
				logger.ForSymbol(slogger, sym).Error("ingest pipeline stopped", "err", err)
			}
		}(sym)
	}
	go func() {
		ingest.Wait()
		close(tickCh)
	}()

	// ---- Hot path: tick → engine → events ----
	processingDone := make(chan struct{})
	go func() {
		defer close(processingDone)
		for t := range tickCh {
			prom.TicksTotal.WithLabelValues(t.Symbol).Inc()
			health.SetLastTickTime(time.Now())
			engine.OnTick(t, eventCh)
		}
		engine.Flush(eventCh)
		close(eventCh)
	}()

	// ---- Gap backfill & retention ----
	gapMgr := sqlitestore.NewManager(sqlitestore.ManagerConfig{
		Symbols:    symbols,
		Timeframes: tfs,
		PriceStep:  priceStep,
		Interval:   time.Minute,
		Retention:  time.Duration(cfg.RetentionDays()) * 24 * time.Hour,
	}, store, client)
	gapMgr.OnGapDetected = func(model.GapRecord) { prom.GapsDetected.Inc() }
	gapMgr.OnGapFilled = func(_ model.GapRecord, permanent bool) {
		outcome := "filled"
		if permanent {
			outcome = "permanent"
		}
		prom.GapsFilled.WithLabelValues(outcome).Inc()
	}
	go gapMgr.Run(ingestCtx)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ingestCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UnixMilli() - int64(cfg.RetentionDays())*dayMs
				if err := store.PruneBefore(cutoff); err != nil {
					log.Printf("[footprintd] prune: %v", err)
				}
			}
		}
	}()

	// ---- Control plane ----
	hub := bridge.NewHub()
	hub.Store = store
	hub.Engine = engine
	hub.PriceStep = priceStep
	hub.GetRetention = cfg.RetentionDays
	hub.SetRetention = cfg.SetRetentionDays
	hub.Status = func() ([]bridge.SymbolStatus, bool) {
		out := make([]bridge.SymbolStatus, 0, len(coords))
		for _, sym := range symbols {
			c := coords[sym]
			out = append(out, bridge.SymbolStatus{
				Symbol:      sym,
				State:       c.State().String(),
				LastTradeID: c.LastTradeID(),
			})
		}
		return out, store.Healthy()
	}
	go hub.Run(context.Background(), bridgeCh)

	// Keep the connectivity gauge and health flag current, and push a status
	// update to control-plane clients whenever a symbol changes state.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		lastStates := make(map[string]bootstrap.ConnState, len(coords))
		for {
			select {
			case <-ingestCtx.Done():
				return
			case <-ticker.C:
				allLive := true
				changed := false
				for sym, c := range coords {
					st := c.State()
					if st != bootstrap.StateLive {
						allLive = false
					}
					if lastStates[sym] != st {
						lastStates[sym] = st
						changed = true
					}
				}
				health.SetWSConnected(allLive)
				prom.BridgeClients.Set(float64(hub.ClientCount()))
				prom.FeedConsumers.Set(float64(dist.Consumers()))
				if changed {
					hub.BroadcastStatus()
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/feed", feedSrv.HandleWS)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("[footprintd] listening on %s (/ws control, /feed binary)", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[footprintd] server error: %v", err)
		}
	}()

	// ---- Wait for shutdown ----
	<-sigCh
	log.Println("[footprintd] shutdown signal received, draining...")

	// Phase 1: stop ingest. Coordinators exit, tickCh closes, the hot path
	// flushes open candles and closes eventCh, sinks flush their batches.
	stopIngest()

	select {
	case <-processingDone:
	case <-time.After(10 * time.Second):
		log.Println("[footprintd] WARNING: processing drain timed out")
	}
	sinks.Wait()

	// Phase 2: tear down the serving side.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[footprintd] shutdown complete.")
}
