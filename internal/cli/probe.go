package cli

import (
	"github.com/spf13/cobra"

	"github.com/flynn-ai/edgeroute/internal/capability"
	"github.com/flynn-ai/edgeroute/internal/errors"
	"github.com/flynn-ai/edgeroute/internal/stats"
	"github.com/flynn-ai/edgeroute/internal/strategy"
)

type probeReport struct {
	Capability          capability.Model `json:"capability"`
	Tier                string           `json:"tier"`
	FirstTokenLatencyMs uint32           `json:"estimated_first_token_latency_ms"`
	TokensPerSecond     float64          `json:"estimated_tokens_per_second"`
	CloudAvailable      bool             `json:"cloud_available"`
	Strategy            string           `json:"strategy,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	Error               string           `json:"error,omitempty"`
	Process             stats.Process    `json:"process"`
}

func (a *app) probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Show device capability and the routing decision for the configured policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := a.cfg.ToPolicy()
			if err != nil {
				return err
			}

			m := a.cfg.NewProbe().Evaluate(cmd.Context())
			report := probeReport{
				Capability:          m,
				Tier:                m.Tier().String(),
				FirstTokenLatencyMs: m.EstimateFirstTokenLatencyMs(),
				TokensPerSecond:     m.EstimateTokensPerSecond(),
				CloudAvailable:      a.cfg.NewCloud() != nil,
				Process:             stats.NewRuntimeSampler(a.cfg.Telemetry.Placeholders).Process(),
			}

			d, err := strategy.Decide(pol, m, report.CloudAvailable)
			if err != nil {
				report.Error = errors.FormatUserMessage(err)
			} else {
				report.Strategy = d.Strategy.String()
				report.Reason = d.Reason
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
