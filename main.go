package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tradegate/internal/api"
	"tradegate/internal/broker"
	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/internal/guard"
	"tradegate/internal/monitor"
	"tradegate/internal/reconcile"
	"tradegate/internal/risk"
	"tradegate/pkg/config"
	"tradegate/pkg/db"
)

// exitRouter adapts the command gateway to the risk engine's forced-exit
// contract.
type exitRouter struct {
	gw *gateway.Gateway
}

func (r exitRouter) ExitStrategy(ctx context.Context, strategy string) error {
	res := r.gw.ExitStrategy(ctx, strategy)
	if res.Status != gateway.StatusAccepted {
		return errors.New(res.Reason)
	}
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.WebhookSecret == "" {
		log.Fatal("WEBHOOK_SECRET is required")
	}
	if cfg.OperatorKey == "" {
		log.Fatal("OPERATOR_KEY is required")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	catalog, err := config.LoadCatalog(cfg.InstrumentsPath)
	if err != nil {
		log.Fatalf("instruments: %v", err)
	}

	bus := events.NewBus()
	positions := guard.New()

	var client broker.Client
	if cfg.UseMockBroker {
		log.Printf("broker: MOCK client active, no real orders will be placed")
		client = broker.NewMockClient()
	} else {
		client = broker.NewRESTClient(broker.RESTConfig{
			BaseURL:   cfg.BrokerBaseURL,
			APIKey:    cfg.BrokerAPIKey,
			APISecret: cfg.BrokerAPISecret,
		})
	}
	sender := broker.NewGateway(client, broker.Config{
		LoginMaxAttempts: cfg.LoginMaxAttempts,
		SessionTTL:       cfg.SessionTTL,
		IdleStaleness:    cfg.IdleStaleness,
		PlaceMaxAttempts: cfg.PlaceMaxAttempts,
		RatePerSec:       cfg.BrokerRatePerSec,
		AutoRecover:      cfg.AutoRecover,
	})

	riskCfg := risk.DefaultConfig(cfg.AccountID)
	riskCfg.BaseLossLimit = cfg.BaseLossLimit
	riskCfg.RatchetStep = cfg.RatchetStep
	riskCfg.ProfitStep = cfg.ProfitStep
	riskCfg.FlatVerifyTimeout = cfg.FlatVerifyTimeout
	riskCfg.MaxLossDays = cfg.MaxLossDays
	riskCfg.HeartbeatInterval = cfg.HeartbeatInterval
	riskCfg.WatcherMaxAge = 3 * cfg.PollInterval

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The risk engine and the command gateway reference each other: the
	// gateway consults the risk gate, the engine routes exits back through
	// the gateway. Construct the engine first with its router attached after.
	var eng *risk.Engine
	var rec *reconcile.Reconciler

	gw := gateway.New(cfg.WebhookSecret, positions, riskGateFunc(func(kind broker.Kind, strategy string, legs []broker.OrderRequest) error {
		return eng.CanExecute(kind, strategy, legs)
	}), sender, database, bus)

	rec = reconcile.New(reconcile.Config{
		PollInterval: cfg.PollInterval,
		Workers:      cfg.FillWorkers,
	}, database, sender, positions, bus, gw, nil)

	eng = risk.New(riskCfg, sender, exitRouter{gw: gw}, rec, positions, database, catalog, bus)
	if err := eng.LoadState(ctx); err != nil {
		log.Fatalf("risk state: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := monitor.NewMetrics(registry)
	mon := monitor.New(metrics, monitor.LogSink{})

	if err := rec.RecoverStuck(ctx); err != nil {
		log.Printf("startup recovery: %v", err)
	}

	go rec.Run(ctx)
	go eng.Run(ctx)
	go mon.Run(ctx, bus, func() (float64, float64, bool) {
		st := eng.Status()
		return st.DayPnL, st.Threshold, rec.Alive(3 * cfg.PollInterval)
	}, 15*time.Second)

	srv := api.NewServer(api.Deps{
		Bus:         bus,
		DB:          database,
		Gateway:     gw,
		Risk:        eng,
		Guard:       positions,
		Broker:      sender,
		Rec:         rec,
		Registry:    registry,
		JWTSecret:   cfg.JWTSecret,
		OperatorKey: cfg.OperatorKey,
	})

	go func() {
		log.Printf("listening on :%s", cfg.Port)
		if err := srv.Start(":" + cfg.Port); err != nil {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
}

// riskGateFunc lets the gateway be built before the engine exists.
type riskGateFunc func(kind broker.Kind, strategy string, legs []broker.OrderRequest) error

func (f riskGateFunc) CanExecute(kind broker.Kind, strategy string, legs []broker.OrderRequest) error {
	return f(kind, strategy, legs)
}
