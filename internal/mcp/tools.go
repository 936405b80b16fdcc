package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/sealerbench/internal/storage"
	"github.com/gateway-fm/sealerbench/pkg/types"
)

// RegisterTools registers all harness tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerHealth(s, client)
	registerFleets(s, client)
	registerFleetStatus(s, client)
	registerAnalyze(s, client)
	registerInjection(s, client)
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sealerbench_health",
		gomcp.WithDescription("Readiness of the harness: checks that the scrape endpoints answer eth_blockNumber."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Harness unhealthy: %v\n\nIs it running? Try: sealerbench serve", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerFleets(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sealerbench_fleets",
		gomcp.WithDescription("List every fleet in the registry with its lifecycle state and node count."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/fleets")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to list fleets: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatFleets(raw)), nil
	})
}

func registerFleetStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sealerbench_fleet_status",
		gomcp.WithDescription("Live status of one fleet: per node process liveness, RPC liveness and chain head."),
		gomcp.WithString("fleet_id",
			gomcp.Required(),
			gomcp.Description("Fleet identifier (e.g. fleet-a)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("fleet_id")
		if err != nil {
			return gomcp.NewToolResultError("fleet_id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/fleets/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get fleet %s: %v", id, err)), nil
		}
		return gomcp.NewToolResultText(formatFleetStatus(raw)), nil
	})
}

func registerAnalyze(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sealerbench_analyze",
		gomcp.WithDescription("Scrape a height range and classify every slot as on-schedule, usurped or missing. Reports per-validator production against the AuRa schedule."),
		gomcp.WithNumber("from",
			gomcp.Required(),
			gomcp.Description("First block height (inclusive)"),
		),
		gomcp.WithNumber("to",
			gomcp.Required(),
			gomcp.Description("Last block height (inclusive)"),
		),
		gomcp.WithString("endpoints",
			gomcp.Description("Comma-separated RPC URLs to scrape (default: the configured scrape endpoints)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		from := req.GetInt("from", -1)
		to := req.GetInt("to", -1)
		if from < 0 || to < 0 {
			return gomcp.NewToolResultError("from and to must be non-negative heights"), nil
		}
		if from > to {
			return gomcp.NewToolResultError("from must not exceed to"), nil
		}

		payload := types.AnalyzeRequest{From: uint64(from), To: uint64(to)}
		for _, ep := range strings.Split(req.GetString("endpoints", ""), ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				payload.Endpoints = append(payload.Endpoints, ep)
			}
		}

		raw, err := client.Post(ctx, "/v1/analyze", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Analysis failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatAnalysis(raw)), nil
	})
}

func registerInjection(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sealerbench_injection",
		gomcp.WithDescription("Details of a recorded transaction injection run, optionally with its first transactions."),
		gomcp.WithString("run_id",
			gomcp.Required(),
			gomcp.Description("Injection run ID"),
		),
		gomcp.WithNumber("tx_limit",
			gomcp.Description("Number of transactions to include (default 0, max 100)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("run_id")
		if err != nil {
			return gomcp.NewToolResultError("run_id is required"), nil
		}
		path := "/v1/injections/" + url.PathEscape(id)
		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get injection %s: %v", id, err)), nil
		}
		text := formatInjection(raw)

		if limit := min(req.GetInt("tx_limit", 0), 100); limit > 0 {
			txRaw, err := client.Get(ctx, fmt.Sprintf("%s/transactions?limit=%d", path, limit))
			if err != nil {
				return gomcp.NewToolResultError(fmt.Sprintf("Failed to get transactions: %v", err)), nil
			}
			text += "\n\n" + formatTransactions(txRaw)
		}
		return gomcp.NewToolResultText(text), nil
	})
}

func formatHealth(raw json.RawMessage) string {
	var r types.ReadyResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if !r.Ready {
		state = "NOT READY"
	}
	lines := section("Harness Health: " + state)
	for _, check := range r.Checks {
		line := fmt.Sprintf("  %-30s %s (%dms)", check.Name, check.Status, check.LatencyMs)
		if check.Error != "" {
			line += " - " + check.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatFleets(raw json.RawMessage) string {
	var fleets []types.FleetSummary
	if err := json.Unmarshal(raw, &fleets); err != nil {
		return fmt.Sprintf("Error parsing fleets: %v", err)
	}
	if len(fleets) == 0 {
		return joinLines(section("Fleets"), "No fleets registered.")
	}

	lines := section("Fleets")
	for _, f := range fleets {
		lines += fmt.Sprintf("\n  %-16s %-10s %2d nodes  %s", f.ID, f.State, f.Nodes, f.BaseDir)
	}
	return lines
}

func formatFleetStatus(raw json.RawMessage) string {
	var st types.FleetStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing fleet status: %v", err)
	}

	lines := joinLines(
		section("Fleet "+st.ID),
		kv("State", st.State),
		kv("Nodes", len(st.Nodes)),
		"",
	)
	for _, n := range st.Nodes {
		role := n.Role
		if n.Adversarial {
			role += " (adversarial)"
		}
		line := fmt.Sprintf("  %-10s %-22s process=%s rpc=%s head=%s",
			n.Name, role, liveness(n.ProcessAlive), liveness(n.RPCAlive), formatNumber(n.Head))
		if n.Error != "" {
			line += " - " + n.Error
		}
		lines += "\n" + line
	}
	return lines
}

func liveness(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}

func formatAnalysis(raw json.RawMessage) string {
	var r types.AnalyzeResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Sprintf("Error parsing analysis: %v", err)
	}

	verdict := "FAIR"
	if r.Usurped > 0 || r.LostTurns > 0 {
		verdict = "FAIRNESS VIOLATED"
	}
	if r.Incomplete {
		verdict += " (incomplete)"
	}

	lines := joinLines(
		section(fmt.Sprintf("Analysis %d-%d: %s", r.From, r.To, verdict)),
		kv("Window", fmt.Sprintf("%d-%d", r.WindowFrom, r.WindowTo)),
		kv("Slots", formatNumber(r.Slots)),
		kv("On schedule", fmt.Sprintf("%d (%s)", r.OnSchedule, formatPct(r.OnSchedule, r.Slots))),
		kv("Usurped", fmt.Sprintf("%d (%s)", r.Usurped, formatPct(r.Usurped, r.Slots))),
		kv("Missing", fmt.Sprintf("%d (%s)", r.Missing, formatPct(r.Missing, r.Slots))),
		kv("Unconfirmed", r.Unconfirmed),
		kv("Lost turns", r.LostTurns),
		kv("Rounds", r.Rounds),
		kv("Transactions", formatNumber(r.TotalTxs)),
		kv("Conflicts", r.Conflicts),
		kv("Unavailable", r.Unavailable),
		kv("Elapsed", fmt.Sprintf("%dms", r.ElapsedMs)),
	)

	if len(r.Authors) > 0 {
		lines += "\n\n" + section("Validators")
		for _, a := range r.Authors {
			lines += fmt.Sprintf("\n  #%d %s produced=%d expected=%d delta=%s usurped=%d lost=%d",
				a.Index, a.Address, a.Produced, a.Expected, signed(a.Delta), a.Usurped, a.Lost)
		}
	}

	if len(r.Violations) > 0 {
		lines += "\n\n" + section("Violations")
		const shown = 20
		for i, v := range r.Violations {
			if i == shown {
				lines += fmt.Sprintf("\n  ... and %d more", len(r.Violations)-shown)
				break
			}
			line := fmt.Sprintf("\n  height=%d step=%d %s expected=%s", v.Height, v.Step, v.Outcome, v.ExpectedAuthor)
			if v.ActualAuthor != "" {
				line += " actual=" + v.ActualAuthor
			}
			lines += line
		}
	}
	return lines
}

func formatInjection(raw json.RawMessage) string {
	var run storage.InjectionRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing injection run: %v", err)
	}

	completed := "-"
	if run.CompletedAt != nil {
		completed = run.CompletedAt.Format("2006-01-02 15:04:05")
	}
	return joinLines(
		section("Injection "+run.ID),
		kv("Fleet", run.FleetID),
		kv("Status", run.Status),
		kv("Endpoints", run.Endpoints),
		kv("Per endpoint", run.CountPerEP),
		kv("Interval", fmt.Sprintf("%dms", run.IntervalMs)),
		kv("TXs Sent", formatNumber(run.TxSent)),
		kv("TXs OK", formatNumber(run.TxOK)),
		kv("TXs Failed", formatNumber(run.TxFailed)),
		kv("Started", run.StartedAt.Format("2006-01-02 15:04:05")),
		kv("Completed", completed),
	)
}

func formatTransactions(raw json.RawMessage) string {
	var page storage.PaginatedTxLogs
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing transactions: %v", err)
	}

	lines := section(fmt.Sprintf("Transactions (%d of %d)", len(page.Transactions), page.Total))
	for _, tx := range page.Transactions {
		line := fmt.Sprintf("\n  %-28s #%-4d %-14s %4dms %s", tx.Endpoint, tx.Seq, tx.Outcome, tx.LatencyMs, tx.TxHash)
		if tx.ErrorReason != "" {
			line += " - " + tx.ErrorReason
		}
		lines += line
	}
	return lines
}
