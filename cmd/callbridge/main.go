package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/square-key-labs/callbridge/src/call"
	"github.com/square-key-labs/callbridge/src/carrier"
	"github.com/square-key-labs/callbridge/src/config"
	"github.com/square-key-labs/callbridge/src/interruptions"
	"github.com/square-key-labs/callbridge/src/logger"
	"github.com/square-key-labs/callbridge/src/metrics"
	"github.com/square-key-labs/callbridge/src/models"
	"github.com/square-key-labs/callbridge/src/server"
	"github.com/square-key-labs/callbridge/src/services"
	"github.com/square-key-labs/callbridge/src/services/openai"
	"github.com/square-key-labs/callbridge/src/store"
	"github.com/square-key-labs/callbridge/src/transports"
	"github.com/square-key-labs/callbridge/src/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level, ok := logger.ParseLevel(cfg.LogLevel)
	log := logger.Init(level, os.Stdout, cfg.LogColor)
	if !ok {
		log.Warn("Unknown LOG_LEVEL %q, using INFO", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Exiting: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.NewMetrics(cfg.MetricsNamespace)
	registry := call.NewRegistry()

	deps := call.Deps{
		Calls:   st,
		Configs: st,
		Usage:   st,
		Gate:    usage.NewGate(st, nil),
		NewSession: func() services.RealtimeSession {
			policy := openai.UnconfirmedAbort
			if cfg.ProceedUnconfirmed {
				policy = openai.UnconfirmedProceed
			}
			return openai.NewSession(openai.Config{
				URL:              cfg.RealtimeEndpoint(),
				APIKey:           cfg.OpenAIAPIKey,
				Voice:            cfg.RealtimeVoice,
				HandshakeTimeout: cfg.HandshakeTimeout,
				OnUnconfirmed:    policy,
				OutputBuffer:     cfg.OutputQueueSize,
				Logger:           log,
				Metrics:          m,
			})
		},
		NewStrategy:       strategyFactory(cfg),
		Metrics:           m,
		Logger:            log,
		IncomingQueueSize: cfg.IncomingQueueSize,
		FinalizeTimeout:   cfg.FinalizeTimeout,
	}
	if cfg.TwilioAccountSID != "" {
		deps.Narrator = carrier.NewNarrator(
			carrier.NewTwilioAPI(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
			carrier.NarratorConfig{Voice: cfg.FallbackVoice, RedirectURL: cfg.FallbackRedirectURL, Logger: log},
		)
	} else {
		log.Warn("TWILIO_ACCOUNT_SID not set, fallback narration disabled")
	}

	media := transports.NewTwilioMediaTransport(transports.TwilioMediaConfig{
		Registry:   registry,
		NewHandler: func() *call.Handler { return call.NewHandler(deps) },
		Metrics:    m,
		Logger:     log,
	})
	e := server.New(server.Config{Media: media, Registry: registry, Metrics: m})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Listening on %s (media: /media/:callId)", cfg.Addr)
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down, ending %d active calls", registry.Len())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		// Hijacked media sockets are not tracked by Shutdown
		registry.CloseAll(models.EndShutdown)
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), nil
	}

	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMigrate {
		applied, err := pg.Migrate(ctx)
		if err != nil {
			pg.Close()
			return nil, err
		}
		log.Info("Applied %d migrations", len(applied))
	}
	return pg, nil
}

func strategyFactory(cfg config.Config) func() interruptions.Strategy {
	switch cfg.BargeIn {
	case config.BargeInOff:
		return func() interruptions.Strategy { return interruptions.Never{} }
	case config.BargeInVolume:
		return func() interruptions.Strategy {
			return interruptions.NewVolumeStrategy(interruptions.VolumeStrategyParams{
				Threshold: cfg.BargeInVolumeThreshold,
			})
		}
	case config.BargeInMinWords:
		return func() interruptions.Strategy { return interruptions.NewMinWordsStrategy(cfg.BargeInMinWords) }
	default:
		return func() interruptions.Strategy { return interruptions.Immediate{} }
	}
}
