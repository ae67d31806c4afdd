package main

import (
	"github.com/spf13/cobra"

	"github.com/matiasleandrokruk/wanderplan/internal/domain/plan"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/config"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
	"github.com/matiasleandrokruk/wanderplan/internal/mcpserver"
)

func newMCPCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the draft_itinerary tool over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			// stdout carries the protocol, so logs always go to stderr.
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())

			svc, err := llm.New(cfg.LLM.Service(), llm.WithLogger(logger.With("component", "llm")))
			if err != nil {
				return err
			}
			server := mcpserver.New(plan.NewLLMGenerator(svc, nil), logger.With("component", "mcp"))
			return mcpserver.Run(cmd.Context(), server)
		},
	}
}
