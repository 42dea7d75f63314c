package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flynn-ai/edgeroute/internal/cost"
	"github.com/flynn-ai/edgeroute/internal/errors"
	"github.com/flynn-ai/edgeroute/internal/model"
	"github.com/flynn-ai/edgeroute/internal/orchestrator"
	"github.com/flynn-ai/edgeroute/internal/policy"
	"github.com/flynn-ai/edgeroute/internal/stats"
	"github.com/flynn-ai/edgeroute/internal/telemetry"
)

func (a *app) generateCmd() *cobra.Command {
	var (
		system      string
		maxTokens   int
		temperature float64
		preset      string
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate a completion, streaming tokens to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if preset != "" {
				a.cfg.Policy.Preset = preset
			}
			pol, err := a.cfg.ToPolicy()
			if err != nil {
				return err
			}

			o, closeFn, err := a.newOrchestrator(pol)
			if err != nil {
				return err
			}
			defer closeFn()

			req := &model.Request{
				System:    system,
				Prompt:    strings.Join(args, " "),
				MaxTokens: maxTokens,
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}

			res, err := o.Stream(ctx, req, cmd.OutOrStdout())
			if res != nil && res.Tokens > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), errors.FormatUserMessage(err))
				return err
			}

			usage := o.Usage()
			a.logger.Debug("request summary",
				zap.Int("tokens", res.Tokens),
				zap.Duration("duration", res.Duration),
				zap.Int("local_tokens", usage.LocalTokens),
				zap.Int("cloud_tokens", usage.CloudTokens),
				zap.Float64("cloud_cost", usage.CloudCost))
			return nil
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", model.DefaultMaxTokens, "maximum tokens to generate")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	cmd.Flags().StringVar(&preset, "policy", "", "policy preset: "+strings.Join([]string{policy.PresetAuto, policy.PresetDeviceOnly, policy.PresetCloudOnly}, ", "))
	return cmd
}

// newOrchestrator wires an orchestrator from the loaded config. The returned
// func disposes it and closes the telemetry store.
func (a *app) newOrchestrator(pol policy.Policy) (*orchestrator.Orchestrator, func(), error) {
	oc := &orchestrator.Config{
		Policy:  pol,
		Probe:   a.cfg.NewProbe(),
		Sampler: stats.NewRuntimeSampler(a.cfg.Telemetry.Placeholders),
		Usage:   cost.NewTracker(a.cfg.Rates()),
		Logger:  a.logger,
	}
	if d := a.cfg.NewDevice(); d != nil {
		oc.Device = d
	}
	if c := a.cfg.NewCloud(); c != nil {
		oc.Cloud = c
	}

	var store *telemetry.Store
	if a.cfg.Telemetry.Persist {
		s, err := telemetry.OpenStore(a.cfg.Telemetry.DBPath)
		if err != nil {
			return nil, nil, err
		}
		store = s
		oc.Sink = store
	}

	o, err := orchestrator.New(oc)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}

	closeFn := func() {
		if err := o.Dispose(context.Background()); err != nil {
			a.logger.Warn("dispose failed", zap.Error(err))
		}
		if store != nil {
			if err := store.Close(); err != nil {
				a.logger.Warn("failed to close telemetry store", zap.Error(err))
			}
		}
	}
	return o, closeFn, nil
}
