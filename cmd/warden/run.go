package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lucid-vigil/warden/pkg/api"
	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/dispatcher"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/health"
	"github.com/lucid-vigil/warden/pkg/logger"
	"github.com/lucid-vigil/warden/pkg/orchestrator"
	"github.com/lucid-vigil/warden/pkg/predict"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/lucid-vigil/warden/pkg/subsystem/security"
	"github.com/lucid-vigil/warden/pkg/threatintel"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot every subsystem, serve the API and wait for a signal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return run(cmd.Context(), path)
		},
	}
}

func run(parent context.Context, path string) error {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.InitLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("version", version).Str("api_port", cfg.APIPort).Int("subsystems", len(cfg.Subsystems)).Msg("Warden starting")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	bus := events.NewBus[events.SystemEvent](logger.Component(log, "events"), "system", cfg.Events.SubscriberBuffer)
	defer bus.Close()

	engine := threatintel.NewEngine("threat_intel", cfg, logger.Component(log, "threat_intel"), threatintel.WithSystemEvents(bus))
	sec := security.New("security", security.DefaultConfig(), logger.Component(log, "security"),
		security.WithFirewall(security.NewIptablesFirewall(log, nil, os.Geteuid() != 0)),
		security.WithTerminator(security.NewSignalTerminator(log)),
		security.WithIndicatorMatcher(engine),
	)

	opts := []orchestrator.Option{orchestrator.WithEventBus(bus)}
	if cfg.Health.DNSServer != "" {
		opts = append(opts, orchestrator.WithLatencyProbe(health.NewDNSLatencyProbe(cfg.Health.DNSServer, cfg.Health.DNSProbeName, cfg.Health.ProbeTimeout)))
	}
	orch := orchestrator.New(cfg, log, opts...)

	specs, err := orchestrator.BuildSpecs(cfg, map[string]subsystem.Subsystem{
		"security":     sec,
		"threat_intel": engine,
	}, log)
	if err != nil {
		return fmt.Errorf("subsystems: %w", err)
	}

	var wg sync.WaitGroup
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, logger.Component(log, "nats"))
		if err != nil {
			log.Warn().Err(err).Msg("Event forwarding disabled")
		} else {
			defer nc.Close()
			startForwarders(ctx, &wg, nc, bus, engine.Updates(), cfg.NATS.SubjectPrefix, log)
		}
	}

	if err := orch.Initialize(ctx, specs); err != nil {
		log.Error().Err(err).Msg("Initialization failed")
		_ = orch.Shutdown(context.Background(), false)
		return err
	}

	loader.Watch(func(next *config.Config) {
		applyReload(ctx, orch, next, log)
	}, func(err error) {
		log.Error().Err(err).Msg("Configuration reload rejected")
	})

	server := api.NewServer(orch, logger.Component(log, "api"),
		api.WithIntelligence(engine),
		api.WithForecaster(predict.NewAnalyzer(engine.History(), cfg.Prediction, logger.Component(log, "predict"))),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx, ":"+cfg.APIPort, cfg.Orchestrator.ShutdownDrain); err != nil {
			log.Error().Err(err).Msg("API server stopped")
			cancel()
		}
	}()

	<-ctx.Done()

	sctx, scancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownDrain+10*time.Second)
	defer scancel()
	err = orch.Shutdown(sctx, true)
	if err != nil {
		log.Error().Err(err).Msg("Some subsystems did not stop cleanly")
	}
	wg.Wait()
	log.Info().Msg("Warden stopped")
	return err
}

func startForwarders(ctx context.Context, wg *sync.WaitGroup, pub events.Publisher, bus *events.Bus[events.SystemEvent],
	updates *events.Bus[threatintel.ThreatUpdate], prefix string, log zerolog.Logger) {
	fwdLog := logger.Component(log, "nats")
	system := events.NewForwarder(pub, bus.Subscribe("nats"), events.SystemEventSubject(prefix), events.SystemEventHeader, fwdLog)
	threats := events.NewForwarder(pub, updates.Subscribe("nats"), threatSubject(prefix), threatHeader, fwdLog)

	wg.Add(2)
	go func() {
		defer wg.Done()
		system.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		threats.Run(ctx)
	}()
}

// threatSubject maps a threat update to "<prefix>.threat.<type>".
func threatSubject(prefix string) func(threatintel.ThreatUpdate) string {
	return func(u threatintel.ThreatUpdate) string {
		return fmt.Sprintf("%s.threat.%s", prefix, u.Type)
	}
}

func threatHeader(u threatintel.ThreatUpdate) nats.Header {
	h := nats.Header{}
	h.Set("Warden-Update-Id", u.ID)
	h.Set("Warden-Severity", u.Severity)
	return h
}

// applyReload pushes reloadable settings into the running system.
func applyReload(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, log zerolog.Logger) {
	zerolog.SetGlobalLevel(logger.ParseLevel(cfg.LogLevel))

	res, err := orch.Command(ctx, dispatcher.Command{
		Type:       dispatcher.Reconfigure,
		Parameters: map[string]any{"settings": reloadSettings(cfg)},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Reloaded orchestrator settings not applied")
		return
	}
	log.Info().Str("result", res.Message).Msg("Configuration reloaded")
}

func reloadSettings(cfg *config.Config) map[string]any {
	return map[string]any{
		"degraded_threshold":         cfg.Health.DegradedThreshold,
		"recovery_threshold":         cfg.Health.RecoveryThreshold,
		"subsystem_degraded_below":   cfg.Health.SubsystemDegradedBelow,
		"error_after_failures":       cfg.Health.ErrorAfterFailures,
		"recovery_hold":              cfg.Health.RecoveryHold.String(),
		"auto_emergency_on_critical": cfg.Orchestrator.AutoEmergencyOnCritical,
	}
}
