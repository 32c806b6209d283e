package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		interval   time.Duration
		auto       bool
		types      []string
		labels     string
		subject    string
		eventLevel string
		eventTypes []string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Scan periodically and serve metrics",
		Long: `Run a scan every interval until interrupted, serving Prometheus metrics
on the configured telemetry.metrics_listen address.

With --auto each cycle applies the auto resolutions. With --events the
engine's events are published to NATS as <subject>.<event type>;
--events-level and --event-types narrow what is published.`,
		Example: `  # Scan every 10 minutes
  cloudcheck watch --interval 10m

  # Auto-resolve and publish events
  cloudcheck watch --auto --events cloudcheck.events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			a.logger.Info().
				Str("addr", a.cfg.Telemetry.MetricsListen).
				Dur("interval", interval).
				Bool("auto", auto).
				Msg("Watching")

			if subject != "" {
				if a.nats == nil {
					return fmt.Errorf("--events needs the nats agent transport")
				}
				forwardEvents(a.tel.Events, a.nats, subject, eventLevel, eventTypes, a.logger)
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				a.cycle(ctx, auto, types, labels)
				select {
				case <-ctx.Done():
					a.logger.Info().Msg("Watch stopped")
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 10*time.Minute, "time between scans")
	cmd.Flags().BoolVar(&auto, "auto", false, "apply auto resolutions each cycle")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "problem types to check (default all)")
	cmd.Flags().StringVarP(&labels, "selector", "l", "", "instance label selector (key=value,...)")
	cmd.Flags().StringVar(&subject, "events", "", "publish events to NATS under this subject prefix")
	cmd.Flags().StringVar(&eventLevel, "events-level", telemetry.EventLevelInfo, "minimum event level to publish")
	cmd.Flags().StringSliceVar(&eventTypes, "event-types", nil, "event types to publish (default all)")

	return cmd
}

// cycle runs one scan or auto apply. Failures are logged; the next cycle
// tries again.
func (a *app) cycle(ctx context.Context, auto bool, types []string, labels string) {
	candidates, err := a.collect(ctx, types, labels)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to collect candidates")
		return
	}

	if !auto {
		report, err := a.engine.Scan(ctx, candidates)
		if err != nil {
			a.logger.Error().Err(err).Msg("Scan failed")
			return
		}
		a.logger.Info().
			Str("run_id", report.RunID).
			Int("problems", len(report.Problems)).
			Int("errors", len(report.Errors)).
			Msg("Scan finished")
		return
	}

	result, err := a.engine.Apply(ctx, candidates, engine.ApplyOptions{
		Selector:    engine.AutoSelector{},
		Policy:      "auto",
		MaxParallel: a.cfg.Engine.MaxParallel,
		Actor:       "watch",
	})
	if err != nil && result == nil {
		a.logger.Error().Err(err).Msg("Apply failed")
		return
	}
	a.logger.Info().
		Str("run_id", result.Report.RunID).
		Str("summary", result.Summary().String()).
		Msg("Apply finished")
}

// forwardEvents publishes every event at or above level to
// <subject>.<type>. A non-empty types list restricts the published types.
func forwardEvents(events *telemetry.EventPublisher, nc *nats.Conn, subject, level string, types []string, logger zerolog.Logger) {
	if len(types) > 0 {
		events.AddFilter(telemetry.FilterByType(types...))
	}
	events.Subscribe(func(ev telemetry.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Warn().Err(err).Str("event", ev.ID).Msg("Failed to encode event")
			return
		}
		if err := nc.Publish(subject+"."+ev.Type, data); err != nil {
			logger.Debug().Err(err).Str("event", ev.ID).Msg("Failed to publish event")
		}
	}, telemetry.FilterByLevel(level))
}
