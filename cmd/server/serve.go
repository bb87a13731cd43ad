package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/quasipeer/internal/adapters/ai"
	router "github.com/dkeye/quasipeer/internal/adapters/http"
	"github.com/dkeye/quasipeer/internal/adapters/rtc"
	sig "github.com/dkeye/quasipeer/internal/adapters/signal"
	"github.com/dkeye/quasipeer/internal/adapters/store"
	"github.com/dkeye/quasipeer/internal/app"
	"github.com/dkeye/quasipeer/internal/app/aichan"
	"github.com/dkeye/quasipeer/internal/app/media"
	"github.com/dkeye/quasipeer/internal/app/metrics"
	"github.com/dkeye/quasipeer/internal/app/orch"
	"github.com/dkeye/quasipeer/internal/app/summary"
	"github.com/dkeye/quasipeer/internal/config"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/health"
)

var errEngineDied = errors.New("media engine died")

func newServeCmd(configEnv *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if *configEnv != "" {
				_ = os.Setenv("CONFIG_ENV", *configEnv)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg)
			return serve(cmd.Context(), cfg)
		},
	}
}

func setupLogger(cfg *config.Config) {
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func aiBackend(cfg config.AIConfig) core.AIBackend {
	if cfg.Backend == config.BackendGRPC {
		return ai.NewGRPCBackend(cfg.GRPCAddr)
	}
	return ai.NewWSBackend(cfg.WSURL)
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.Store.URL, 30*time.Second)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engine, err := rtc.NewEngine(rtc.EngineConfig{
		ListenIP:        cfg.Media.ListenIP,
		AnnouncedIP:     cfg.Media.AnnouncedIP,
		UDPPortMin:      cfg.Media.UDPPortMin,
		UDPPortMax:      cfg.Media.UDPPortMax,
		PreferUDP:       cfg.Media.PreferUDP,
		PreferTCP:       cfg.Media.PreferTCP,
		InitialBitrate:  cfg.Media.InitialBitrate,
		MinBitrate:      cfg.Media.MinBitrate,
		MaxBitrate:      cfg.Media.MaxBitrate,
		AdaptiveBitrate: cfg.Media.AdaptiveBitrate,
		AudioCodecs:     cfg.Media.AudioCodecs,
		VideoCodecs:     cfg.Media.VideoCodecs,
		ICEServers:      cfg.Media.ICEServers,
	})
	if err != nil {
		return fmt.Errorf("start media engine: %w", err)
	}
	defer engine.Close()

	mgr := aichan.NewManager(aiBackend(cfg.AI), ai.NewTextClient(cfg.AI.HTTPURL), aichan.Options{
		RequestTimeout:       cfg.AI.RequestTimeout,
		ReconnectInterval:    cfg.AI.ReconnectInterval,
		TranscriptionEnabled: cfg.AI.TranscriptionEnabled,
		TranslationEnabled:   cfg.AI.TranslationEnabled,
		SummarizationEnabled: cfg.AI.SummarizationEnabled,
	})

	reg := app.NewRegistry(app.RegistryOptions{MaxParticipants: cfg.MaxParticipants, Store: st})
	reg.SetNotifier(sig.Notify)
	adapter := media.NewAdapter(engine)
	counters := &metrics.Counters{}

	o := &orch.Orchestrator{
		Registry:  reg,
		Media:     adapter,
		AI:        mgr,
		Summary:   summary.NewGenerator(st, mgr),
		Policy:    app.NewStrikePolicy(cfg.Rate.SlowStrikes, cfg.Rate.SlowWindow),
		Counters:  counters,
		Languages: cfg.AI.SupportsLanguage,
	}
	ctl := sig.NewSignalWSController(o, sig.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		RateLimit:    cfg.Rate.Limit,
		RateInterval: cfg.Rate.Interval,
		E2EE:         cfg.E2EEEnabled,
	})
	o.Bind(ctl)

	reporter := metrics.NewReporter(counters, metrics.Sources{Registry: reg, Media: adapter, AI: mgr}, st, cfg.Metrics.Interval)
	checker := &health.Checker{Store: st, Media: adapter, Signaling: ctl, Metrics: reporter, Timeout: 2 * time.Second}

	fatal := make(chan error, 1)
	adapter.OnFatal(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go adapter.Watch(runCtx)
	go mgr.Run(runCtx)
	go reporter.Run(runCtx)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router.SetupRouter(runCtx, cfg, router.Deps{Orch: o, Signal: ctl, Health: checker}),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("e2ee", cfg.E2EEEnabled).Msg("quasipeer server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var exitErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-fatal:
		exitErr = fmt.Errorf("%w: %v", errEngineDied, err)
		log.Error().Err(err).Dur("grace", cfg.ShutdownGrace).Msg("media engine died, draining connections")
	case err := <-serveErr:
		exitErr = fmt.Errorf("http server: %w", err)
	}

	ctl.StopAccepting()
	ctl.CloseAll()
	drain(ctl, cfg.ShutdownGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	stop()
	o.Shutdown()
	if err := reg.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("store mirror not flushed")
	}
	log.Info().Msg("Server exited")
	return exitErr
}

// drain waits for connection teardown to finish, at most grace.
func drain(ctl *sig.SignalWSController, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for ctl.Connections() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := ctl.Connections(); n > 0 {
		log.Warn().Int("connections", n).Msg("grace period over with connections still open")
	}
}
