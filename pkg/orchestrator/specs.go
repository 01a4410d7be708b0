package orchestrator

import (
	"context"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/health"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/rs/zerolog"
)

// Latency bounds for the communication placeholder's health score.
const (
	goodLatency = 100 * time.Millisecond
	badLatency  = 2 * time.Second
)

// BuildSpecs turns the enabled subsystem entries of cfg into specs. impls
// supplies implementations by name; every other entry gets a managed
// placeholder. Configured settings are applied to Configurable subsystems
// before registration.
func BuildSpecs(cfg *config.Config, impls map[string]subsystem.Subsystem, logger zerolog.Logger) ([]subsystem.Spec, error) {
	var specs []subsystem.Spec
	for _, sc := range cfg.Subsystems {
		if !sc.Enabled {
			logger.Info().Str("subsystem", sc.Name).Msg("Subsystem disabled, skipping")
			continue
		}
		kind := kindOf(sc.Name)
		impl, ok := impls[sc.Name]
		if !ok {
			impl = placeholder(sc.Name, kind, cfg.Health, logger)
		}
		if len(sc.Settings) > 0 {
			c, ok := impl.(subsystem.Configurable)
			if !ok {
				return nil, werrors.NewConfigError(sc.Name+".settings", "subsystem does not accept settings")
			}
			if err := c.Configure(sc.Settings); err != nil {
				return nil, err
			}
		}
		specs = append(specs, subsystem.Spec{
			Name:           sc.Name,
			Kind:           kind,
			Critical:       sc.Critical,
			Weight:         sc.Weight,
			Tier:           sc.Tier,
			DependsOn:      sc.DependsOn,
			StartupTimeout: sc.StartupTimeout,
			Subsystem:      impl,
		})
	}
	return specs, nil
}

func kindOf(name string) subsystem.Kind {
	switch k := subsystem.Kind(name); k {
	case subsystem.KindSecurity, subsystem.KindAI, subsystem.KindCommunication,
		subsystem.KindCrypto, subsystem.KindThreatIntel, subsystem.KindConsciousness:
		return k
	}
	return subsystem.Kind(name)
}

// placeholder builds a managed subsystem for kinds without a real
// implementation. The communication placeholder scores DNS round-trip time;
// the others report full health while running.
func placeholder(name string, kind subsystem.Kind, hc config.HealthConfig, logger zerolog.Logger) subsystem.Subsystem {
	opts := []subsystem.ManagedOption{subsystem.WithSafetyCap(0.9)}
	if kind == subsystem.KindCommunication && hc.DNSServer != "" {
		probe := health.NewDNSLatencyProbe(hc.DNSServer, hc.DNSProbeName, hc.ProbeTimeout)
		opts = append(opts, subsystem.WithHealthProbe(subsystem.HealthProbeFunc(func() (float64, error) {
			ctx, cancel := context.WithTimeout(context.Background(), hc.ProbeTimeout)
			defer cancel()
			rtt, err := probe.Measure(ctx)
			if err != nil {
				return 0, err
			}
			return health.LatencyScore(rtt, goodLatency, badLatency), nil
		})))
	}
	return subsystem.NewManaged(name, kind, logger, opts...)
}
