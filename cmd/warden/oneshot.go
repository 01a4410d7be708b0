package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/logger"
	"github.com/lucid-vigil/warden/pkg/threatintel"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <value>",
		Short: "Analyze one indicator against the local threat store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			kind, _ := cmd.Flags().GetString("type")

			t, err := threatintel.ParseIOCType(kind)
			if err != nil {
				return err
			}
			return withEngine(path, func(e *threatintel.Engine) error {
				res, err := e.AnalyzeIOC(cmd.Context(), args[0], t)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringP("type", "t", "ip", "indicator type (ip, domain, url, file_hash, email, user_agent)")
	return cmd
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a threat intelligence report from the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			since, _ := cmd.Flags().GetDuration("since")
			sectors, _ := cmd.Flags().GetStringSlice("sector")
			geography, _ := cmd.Flags().GetStringSlice("geo")
			if since <= 0 {
				return fmt.Errorf("--since must be positive")
			}

			now := time.Now()
			req := threatintel.ReportRequest{
				Timeframe: threatintel.Timeframe{Start: now.Add(-since), End: now},
				Sectors:   sectors,
				Geography: geography,
			}
			return withEngine(path, func(e *threatintel.Engine) error {
				report, err := e.GenerateThreatReport(req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().Duration("since", 7*24*time.Hour, "report window ending now")
	cmd.Flags().StringSlice("sector", nil, "only include indicators targeting these sectors")
	cmd.Flags().StringSlice("geo", nil, "only include indicators from these countries")
	return cmd
}

// withEngine loads the persisted store into an engine that is never started,
// runs fn and closes the store.
func withEngine(path string, fn func(*threatintel.Engine) error) (err error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := zerolog.New(io.Discard)
	if logger.ParseLevel(cfg.LogLevel) == zerolog.DebugLevel {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	e := threatintel.NewEngine("threat_intel", cfg, log)
	if err := e.Initialize(); err != nil {
		return err
	}
	defer func() {
		if serr := e.Stop(); serr != nil && err == nil {
			err = serr
		}
	}()
	return fn(e)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
