// Package mcptools exposes escrow inspection and the demo flow as MCP tools.
// The same tool set is served in-process by the server and over stdio by
// cmd/mcp, each with its own Backend.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/paygate"
)

const (
	ServerName    = "TrustGate MCP"
	ServerVersion = "1.0.0"

	defaultListLimit = 20
)

type Backend interface {
	ListEscrows(ctx context.Context) ([]escrow.Escrow, error)
	GetEscrow(ctx context.Context, id int64) (escrow.Escrow, error)
	Stats(ctx context.Context) (escrow.Stats, error)
	PaymentRequirements(ctx context.Context, amount int64) (paygate.Document, error)
	RunDemo(ctx context.Context, quality string, amount int64) (int64, error)
}

type Tools struct {
	backend Backend
}

func New(b Backend) *Tools { return &Tools{backend: b} }

// NewServer builds an MCP server with every tool registered.
func NewServer(b Backend) *server.MCPServer {
	s := server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(true))
	New(b).Register(s)
	return s
}

func (t *Tools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("list_escrows",
		mcp.WithDescription("List escrows, most recent first"),
		mcp.WithString("status", mcp.Description("Only escrows in this status (Created, ResultSubmitted, Judging, Approved, Refunded, Partial)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of escrows to return")),
	), t.listEscrows)

	s.AddTool(mcp.NewTool("get_escrow",
		mcp.WithDescription("Get one escrow with its verdict and settlement"),
		mcp.WithNumber("escrow_id", mcp.Required(), mcp.Description("Escrow id")),
	), t.getEscrow)

	s.AddTool(mcp.NewTool("get_stats",
		mcp.WithDescription("Aggregate escrow statistics"),
	), t.getStats)

	s.AddTool(mcp.NewTool("get_payment_requirements",
		mcp.WithDescription("Payment requirements a client must satisfy to escrow an amount"),
		mcp.WithNumber("amount", mcp.Required(), mcp.Description("Escrow principal in token base units")),
	), t.getPaymentRequirements)

	s.AddTool(mcp.NewTool("run_demo",
		mcp.WithDescription("Start a demo escrow against the mock executor"),
		mcp.WithString("quality", mcp.Description("Mock delivery quality: good or bad")),
		mcp.WithNumber("amount", mcp.Description("Escrow principal; defaults to the demo amount")),
	), t.runDemo)
}

func (t *Tools) listEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	status, _ := args["status"].(string)
	limit := defaultListLimit
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	all, err := t.backend.ListEscrows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	out := make([]escrow.Escrow, 0, limit)
	for _, e := range all {
		if status != "" && !strings.EqualFold(string(e.Status), status) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return jsonResult(fmt.Sprintf("Found %d escrows", len(out)), out)
}

func (t *Tools) getEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireFloat("escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if id <= 0 {
		return mcp.NewToolResultError("escrow_id must be positive"), nil
	}
	e, err := t.backend.GetEscrow(ctx, int64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return jsonResult(fmt.Sprintf("Escrow %d", e.ID), e)
}

func (t *Tools) getStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.backend.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}
	return jsonResult("Escrow statistics", st)
}

func (t *Tools) getPaymentRequirements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount, err := req.RequireFloat("amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be positive"), nil
	}
	if amount >= math.MaxInt64 {
		return mcp.NewToolResultError("amount too large"), nil
	}
	doc, err := t.backend.PaymentRequirements(ctx, int64(amount))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment requirements: %v", err)), nil
	}
	return jsonResult("Payment requirements", doc)
}

func (t *Tools) runDemo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	quality, _ := args["quality"].(string)
	var amount int64
	if v, ok := args["amount"].(float64); ok {
		amount = int64(v)
	}
	id, err := t.backend.RunDemo(ctx, quality, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start demo: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Demo escrow %d started; poll get_escrow for progress", id)), nil
}

func jsonResult(title string, v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode: %v", err)), nil
	}
	return mcp.NewToolResultText(title + ":\n\n" + string(b)), nil
}
