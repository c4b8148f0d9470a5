package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/rankzen/internal/audit"
	"github.com/kalambet/rankzen/internal/blacklist"
	"github.com/kalambet/rankzen/internal/fulfillment"
	"github.com/kalambet/rankzen/internal/report"
)

// --- mocks ---

type mockMCPAuditor struct {
	mu   sync.Mutex
	urls []string
	res  audit.Result
	err  error
}

func (m *mockMCPAuditor) Audit(_ context.Context, url string) (audit.Result, error) {
	m.mu.Lock()
	m.urls = append(m.urls, url)
	m.mu.Unlock()
	return m.res, m.err
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := setupAppHandler(t)
	return MCPDeps{
		Auditor: &mockMCPAuditor{res: audit.Result{
			URL:   "https://acme-landscaping.com/",
			Score: 45,
			Issues: []audit.Issue{
				{Code: "missing_meta", Severity: 3, Deduction: 20, Description: "No meta description on the home page."},
			},
		}},
		Composer:  report.New(report.Options{}),
		Stats:     env.store,
		Blacklist: blacklist.New(env.store),
		Cases:     env.machine,
		Now:       func() time.Time { return env.now },
	}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_AuditSite(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	aud := deps.Auditor.(*mockMCPAuditor)

	result, err := mcpAuditSite(deps)(context.Background(), makeCallToolRequest("audit_site", map[string]interface{}{
		"url": "https://acme-landscaping.com/?utm_source=newsletter",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var out struct {
		Score   int           `json:"score"`
		Issues  []audit.Issue `json:"issues"`
		Message string        `json:"message"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Score != 45 || len(out.Issues) != 1 {
		t.Errorf("result = %+v", out)
	}
	if !strings.Contains(out.Message, "No meta description") {
		t.Errorf("message = %q", out.Message)
	}
	if len(aud.urls) != 1 || strings.Contains(aud.urls[0], "utm_source") {
		t.Errorf("audited %v, want tracking parameters stripped", aud.urls)
	}
}

func TestMCPTool_AuditSite_Errors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAuditSite(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("audit_site", map[string]interface{}{}))
	if !result.IsError {
		t.Error("missing url accepted")
	}
	result, _ = handler(context.Background(), makeCallToolRequest("audit_site", map[string]interface{}{"url": "ftp://x.example.com"}))
	if !result.IsError {
		t.Error("ftp url accepted")
	}

	deps.Auditor = &mockMCPAuditor{err: errors.New("connection refused")}
	result, _ = mcpAuditSite(deps)(context.Background(), makeCallToolRequest("audit_site", map[string]interface{}{"url": "https://down.example.com"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "connection refused") {
		t.Errorf("audit failure not reported: %+v", result)
	}
}

func TestMCPTool_OutreachStats(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.openCase(t, fulfillment.Engaged)

	result, err := mcpOutreachStats(deps)(context.Background(), makeCallToolRequest("outreach_stats", nil))
	if err != nil || result.IsError {
		t.Fatalf("outreach_stats failed: %v", err)
	}
	var st statsResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if st.CasesByState["ENGAGED"] != 1 || st.Today.Date != "2026-05-04" {
		t.Errorf("stats = %+v", st)
	}
}

func TestMCPTool_CaseStatus(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	c := env.openCase(t, fulfillment.AwaitingPayment)
	handler := mcpCaseStatus(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("case_status", map[string]interface{}{"case_id": c.ID}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var out struct {
		Case   CaseView    `json:"case"`
		Events []EventView `json:"events"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Case.State != string(fulfillment.AwaitingPayment) || len(out.Events) != 2 {
		t.Errorf("case_status = %+v", out)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("case_status", map[string]interface{}{"case_id": "missing"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("missing case: %+v", result)
	}
}

func TestMCPTool_BlacklistCheck(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	blacklist.New(env.store).Add(context.Background(), "https://acme-landscaping.com", blacklist.ReasonContacted)
	handler := mcpBlacklistCheck(deps)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.acme-landscaping.com/", true},
		{"acme-landscaping.com", true},
		{"https://other.example.com", false},
	}
	for _, tt := range tests {
		result, _ := handler(context.Background(), makeCallToolRequest("blacklist_check", map[string]interface{}{"url": tt.url}))
		if result.IsError {
			t.Fatalf("%s: %s", tt.url, toolText(t, result))
		}
		var out struct {
			Blacklisted bool `json:"blacklisted"`
		}
		json.Unmarshal([]byte(toolText(t, result)), &out)
		if out.Blacklisted != tt.want {
			t.Errorf("%s: blacklisted = %v, want %v", tt.url, out.Blacklisted, tt.want)
		}
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	statsHandler := mcpOutreachStats(deps)
	checkHandler := mcpBlacklistCheck(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := statsHandler(context.Background(), makeCallToolRequest("outreach_stats", nil)); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("blacklist_check", map[string]interface{}{"url": "https://a.example.com"})
			if _, err := checkHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)
	tools := s.ListTools()
	for _, name := range []string{"audit_site", "outreach_stats", "case_status", "blacklist_check"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}
