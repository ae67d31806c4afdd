// Package mcpserver exposes itinerary drafting as an MCP tool.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/matiasleandrokruk/wanderplan/internal/domain/plan"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
	"github.com/matiasleandrokruk/wanderplan/internal/version"
)

const (
	serverName    = "wanderplan"
	DraftToolName = "draft_itinerary"
)

// DraftInput is the argument object of draft_itinerary.
type DraftInput struct {
	Destination string   `json:"destination" jsonschema:"city or region to visit"`
	StartDate   string   `json:"startDate" jsonschema:"first day of the trip as YYYY-MM-DD"`
	EndDate     string   `json:"endDate" jsonschema:"last day of the trip as YYYY-MM-DD"`
	Travelers   int      `json:"travelers,omitempty" jsonschema:"number of travelers, 1 when omitted"`
	Budget      string   `json:"budget,omitempty" jsonschema:"free-text budget such as 1500 EUR"`
	Interests   []string `json:"interests,omitempty" jsonschema:"topics to favour such as food or museums"`
	Notes       string   `json:"notes,omitempty"`
}

// DraftOutput is the structured result of draft_itinerary.
type DraftOutput struct {
	Itinerary plan.Itinerary `json:"itinerary"`
	Model     string         `json:"model"`
	Usage     llm.Usage      `json:"usage"`
}

// New builds an MCP server whose draft_itinerary tool calls gen. Nothing is
// stored.
func New(gen plan.Generator, logger *slog.Logger) *mcp.Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version.Version}, nil)
	d := &drafter{gen: gen, logger: logger}
	mcp.AddTool(server, &mcp.Tool{
		Name:        DraftToolName,
		Description: "Draft a day-by-day travel itinerary for a destination and date range.",
	}, d.draft)
	return server
}

// Run serves over stdin/stdout until ctx is cancelled or the client disconnects.
func Run(ctx context.Context, server *mcp.Server) error {
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

type drafter struct {
	gen    plan.Generator
	logger *slog.Logger
}

func (d *drafter) draft(ctx context.Context, _ *mcp.CallToolRequest, in DraftInput) (*mcp.CallToolResult, DraftOutput, error) {
	if in.Travelers == 0 {
		in.Travelers = 1
	}
	req, err := plan.NewRequest(plan.CreateInput{
		Destination: in.Destination,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		Travelers:   in.Travelers,
		Budget:      in.Budget,
		Notes:       in.Notes,
	}, in.Interests)
	if err != nil {
		return nil, DraftOutput{}, err
	}

	start := time.Now()
	gen, err := d.gen.Generate(ctx, req)
	if err != nil {
		code := llm.CodeOf(err)
		d.logger.Warn("draft itinerary failed", "destination", req.Destination, "code", string(code), "error", err)
		if code != "" {
			return nil, DraftOutput{}, fmt.Errorf("itinerary generation failed (%s)", code)
		}
		return nil, DraftOutput{}, errors.New("itinerary generation failed")
	}
	d.logger.Info("draft itinerary",
		"destination", req.Destination,
		"days", req.Days(),
		"model", gen.Model,
		"total_tokens", gen.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil, DraftOutput{Itinerary: gen.Itinerary, Model: gen.Model, Usage: gen.Usage}, nil
}
