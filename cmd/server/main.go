package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pulsemesh/gamecast/internal/bridge"
	"github.com/pulsemesh/gamecast/internal/config"
	"github.com/pulsemesh/gamecast/internal/httpapi"
	"github.com/pulsemesh/gamecast/internal/hub"
	"github.com/pulsemesh/gamecast/internal/ledger"
	"github.com/pulsemesh/gamecast/internal/osc"
	"github.com/pulsemesh/gamecast/internal/proto"
	"github.com/pulsemesh/gamecast/internal/session"
	"github.com/pulsemesh/gamecast/internal/slots"
	"github.com/pulsemesh/gamecast/internal/state"
	"github.com/pulsemesh/gamecast/internal/tick"
	"github.com/pulsemesh/gamecast/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("server exited cleanly")
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	startedAt := time.Now()

	store := state.NewStore(cfg.SlotPoolSize)
	pool := slots.NewPool(cfg.SlotPoolSize)
	h := hub.NewHub(ctx, logger.Named("hub"))

	var scores ledger.Ledger
	if cfg.DatabaseURL != "" {
		db, err := ledger.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		scores = db
		logger.Info("score ledger on postgres")
	} else {
		scores = ledger.NewMemory()
		logger.Warn("no DATABASE_URL, scores are in-memory only")
	}

	// Global sound-state frames, paced either by the tick loop or by each
	// ingest event.
	broadcastFrame := func() {
		snap := store.Snapshot()
		now := time.Now().UnixMilli()
		payload := proto.Encode(proto.Message{T: proto.TFrame, TS: now, Sound: &snap})
		h.Inbox() <- hub.SetFrame{TS: now, Payload: payload}
		h.Send(hub.All(), payload)
	}
	ticker := tick.NewScheduler(cfg.TickInterval(), broadcastFrame, logger.Named("tick"))

	// Supervisor sinks close over mgr, which is wired just below.
	var mgr *session.Manager
	sup := bridge.NewSupervisor(
		bridge.Config{Timeout: cfg.BridgeTimeout, MaxRestarts: cfg.BridgeMaxRestarts},
		store, pool,
		bridge.Sinks{
			OnFrame: func(slot int, payload string) {
				mgr.MarkActive(slot)
				matchID, ok := mgr.SessionBySlot(slot)
				if !ok {
					return
				}
				snap := store.Snapshot()
				now := time.Now().UnixMilli()
				msg := proto.Encode(proto.Message{
					T: proto.TFrame, TS: now, Payload: payload, Sound: &snap,
				})
				h.Inbox() <- hub.SetFrame{TS: now, Payload: msg}
				h.Send(hub.Session(matchID), msg)
			},
			OnEvent: func(slot int, name string) {
				if matchID, ok := mgr.SessionBySlot(slot); ok {
					h.Send(hub.Session(matchID), proto.Encode(proto.Message{
						T: proto.TTrigger, Name: name,
					}))
				}
			},
		},
		logger.Named("bridge"))

	mgr = session.NewManager(pool, sup, h, scores, cfg.EvictGrace, logger.Named("session"))
	registerCategories(mgr, sup)

	oscListener := osc.NewListener(cfg.OSCPrefix, store, osc.Handlers{
		Applied: ticker.Notify,
		Trigger: func(name string) {
			h.Send(hub.All(), proto.Encode(proto.Message{T: proto.TTrigger, Name: name}))
		},
		ModeChanged: func(name string) {
			logger.Info("mode switched", zap.String("mode", name))
		},
	}, logger.Named("osc"))

	deps := httpapi.Deps{
		Hub:       h,
		Manager:   mgr,
		Pool:      pool,
		OSC:       oscListener,
		Ticker:    ticker,
		WS:        ws.Handler(h, mgr, logger.Named("ws")),
		StaticDir: cfg.StaticDir,
		StartedAt: startedAt,
		Log:       logger.Named("http"),
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpapi.SetupRoutes(deps),
	}

	if cfg.TickEnabled {
		ticker.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return oscListener.Run(gctx, fmt.Sprintf(":%d", cfg.OSCPort))
	})

	g.Go(func() error {
		mgr.RunDoctor(gctx, cfg.DoctorInterval)
		return nil
	})

	// Bridge health reports flow into the session manager; the doctor acts
	// on them.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-sup.Health():
				switch ev.Kind {
				case bridge.HealthUnresponsive:
					mgr.MarkUnresponsive(ev.Slot)
				case bridge.HealthFailed:
					mgr.MarkFailed(ev.Slot)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		ticker.Stop()
		sup.StopAll() // no orphaned workers
		return nil
	})

	return g.Wait()
}

// registerCategories declares the playable game types. The worker command is
// the engine binary named after the category unless overridden here.
func registerCategories(mgr *session.Manager, sup *bridge.Supervisor) {
	mgr.RegisterCategory(session.Category{
		Name:       "pulsar",
		Capacity:   2,
		MinViable:  2,
		WorkerKind: "pulsar",
	})
	mgr.RegisterCategory(session.Category{
		Name:       "estoface",
		Capacity:   1,
		MinViable:  1,
		AutoStart:  true,
		WorkerKind: "estoface",
	})
	sup.RegisterWorker("pulsar", []string{"pulsar-engine"})
	sup.RegisterWorker("estoface", []string{"estoface"})
}
