package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/rankzen/internal/audit"
	"github.com/kalambet/rankzen/internal/ratelimit"
	"github.com/kalambet/rankzen/internal/report"
	"github.com/kalambet/rankzen/internal/site"
	"github.com/kalambet/rankzen/internal/storage"
)

// MCPAuditor runs a single on-demand audit.
type MCPAuditor interface {
	Audit(ctx context.Context, url string) (audit.Result, error)
}

// MCPComposer drafts the outreach message for an audit.
type MCPComposer interface {
	Compose(ctx context.Context, res audit.Result, maxIssues int) report.Report
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Auditor   MCPAuditor
	Composer  MCPComposer // optional; if nil, audit_site omits the draft message
	Stats     StatsSource
	Blacklist BlacklistReader
	Cases     CaseService
	Caps      ratelimit.Caps
	MaxIssues int
	Now       func() time.Time
}

// NewMCPServer creates an MCP server with the rankzen tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxIssues <= 0 {
		deps.MaxIssues = 3
	}
	s := server.NewMCPServer(
		"rankzen",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("rankzen audits small business websites, runs SEO outreach and tracks paid fulfillment cases."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("audit_site",
			mcp.WithDescription("Run an on-page SEO audit of a website and return its score, issues and the outreach message it would get. Does not contact the site owner."),
			mcp.WithString("url", mcp.Description("Site URL, e.g. https://acme-landscaping.com"), mcp.Required()),
		),
		mcpAuditSite(deps),
	)

	s.AddTool(
		mcp.NewTool("outreach_stats",
			mcp.WithDescription("Return audit, outreach, blacklist and case totals plus today's counters."),
		),
		mcpOutreachStats(deps),
	)

	s.AddTool(
		mcp.NewTool("case_status",
			mcp.WithDescription("Return a fulfillment case and its event history."),
			mcp.WithString("case_id", mcp.Description("Case ID"), mcp.Required()),
		),
		mcpCaseStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("blacklist_check",
			mcp.WithDescription("Check whether a site is on the do-not-contact list."),
			mcp.WithString("url", mcp.Description("Site URL or host"), mcp.Required()),
		),
		mcpBlacklistCheck(deps),
	)

	return s
}

func mcpAuditSite(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		if _, err := site.Normalize(url); err != nil {
			return mcpError(err.Error()), nil
		}

		res, err := deps.Auditor.Audit(ctx, site.StripTracking(url))
		if err != nil {
			return mcpError(fmt.Sprintf("audit failed: %v", err)), nil
		}

		out := struct {
			audit.Result
			Message string `json:"message,omitempty"`
		}{Result: res}
		if deps.Composer != nil {
			out.Message = deps.Composer.Compose(ctx, res, deps.MaxIssues).Text
		}
		return mcpJSON(out)
	}
}

func mcpOutreachStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := buildStats(AppDeps{Stats: deps.Stats, Caps: deps.Caps, Now: deps.Now})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpCaseStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		c, err := deps.Cases.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("case %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load case: %v", err)), nil
		}
		events, err := deps.Cases.Events(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load events: %v", err)), nil
		}
		return mcpJSON(struct {
			Case   CaseView    `json:"case"`
			Events []EventView `json:"events"`
		}{caseView(c), eventViews(events)})
	}
}

func mcpBlacklistCheck(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		id, err := site.Normalize(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		listed, err := deps.Blacklist.Contains(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("blacklist check failed: %v", err)), nil
		}
		return mcpJSON(map[string]any{"identity": id, "blacklisted": listed})
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
