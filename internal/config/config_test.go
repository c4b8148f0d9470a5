package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
	err    error
	sets   map[string]string
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.sets == nil {
		m.sets = map[string]string{}
	}
	m.sets[account] = value
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[account] = value
	return nil
}

// memBackend is an in-memory Backend.
type memBackend struct {
	strs   map[string]string
	ints   map[string]int
	floats map[string]float64
}

func newMemBackend() *memBackend {
	return &memBackend{strs: map[string]string{}, ints: map[string]int{}, floats: map[string]float64{}}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.strs[key]
	return v, ok, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *memBackend) GetFloat(key string) (float64, bool, error) {
	v, ok := b.floats[key]
	return v, ok, nil
}

func (b *memBackend) SetString(key, val string) error { b.strs[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error { b.ints[key] = val; return nil }
func (b *memBackend) SetFloat(key string, val float64) error { b.floats[key] = val; return nil }
func (b *memBackend) Delete(key string) error {
	delete(b.strs, key)
	delete(b.ints, key)
	delete(b.floats, key)
	return nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMemBackend(), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Outreach.SkipScoreThreshold != 80 {
		t.Errorf("SkipScoreThreshold = %d, want 80", cfg.Outreach.SkipScoreThreshold)
	}
	if cfg.Outreach.MaxIssuesPerReport != 3 {
		t.Errorf("MaxIssuesPerReport = %d, want 3", cfg.Outreach.MaxIssuesPerReport)
	}
	if cfg.Outreach.FormNotFoundRetryBudget != 3 {
		t.Errorf("FormNotFoundRetryBudget = %d, want 3", cfg.Outreach.FormNotFoundRetryBudget)
	}
	if cfg.Report.Backend != "openrouter" {
		t.Errorf("Report.Backend = %q", cfg.Report.Backend)
	}
	if len(cfg.Targets.Industries) != 6 {
		t.Errorf("default industries = %d, want 6", len(cfg.Targets.Industries))
	}
	if cfg.Targets.Regions[0].Tier != 1 || cfg.Targets.Regions[len(cfg.Targets.Regions)-1].Tier != 2 {
		t.Errorf("default regions not tier ordered: %+v", cfg.Targets.Regions)
	}
}

func TestBackendValues(t *testing.T) {
	b := newMemBackend()
	b.ints["outreach.daily_outreach_cap"] = 0
	b.ints["server.port"] = 5000
	b.strs["report.backend"] = "ollama"
	b.floats["outreach.per_host_qps"] = 0.5

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Outreach.DailyOutreachCap != 0 {
		t.Errorf("DailyOutreachCap = %d, want 0", cfg.Outreach.DailyOutreachCap)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Report.Backend != "ollama" {
		t.Errorf("Report.Backend = %q", cfg.Report.Backend)
	}
	if cfg.Outreach.PerHostQPS != 0.5 {
		t.Errorf("PerHostQPS = %v", cfg.Outreach.PerHostQPS)
	}
}

func TestEnvOverride(t *testing.T) {
	b := newMemBackend()
	b.ints["outreach.audits_per_cycle"] = 10
	t.Setenv("RANKZEN_AUDITS_PER_CYCLE", "12")
	t.Setenv("RANKZEN_SERPER_API_KEY", "env-key")

	kc := &mockKeychain{values: map[string]string{"serper_api_key": "keychain-key"}}
	cfg, err := loadWith(b, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Outreach.AuditsPerCycle != 12 {
		t.Errorf("AuditsPerCycle = %d, want 12", cfg.Outreach.AuditsPerCycle)
	}
	if cfg.Discovery.SerperAPIKey != "env-key" {
		t.Errorf("SerperAPIKey = %q, want env-key", cfg.Discovery.SerperAPIKey)
	}
}

func TestEnvOverride_BadIntKeepsDefault(t *testing.T) {
	t.Setenv("RANKZEN_DAILY_AUDIT_CAP", "lots")

	cfg, err := loadWith(newMemBackend(), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Outreach.DailyAuditCap != 150 {
		t.Errorf("DailyAuditCap = %d, want default 150", cfg.Outreach.DailyAuditCap)
	}
}

func TestKeychainFallback(t *testing.T) {
	t.Setenv("RANKZEN_OPENROUTER_API_KEY", "")

	kc := &mockKeychain{values: map[string]string{
		"openrouter_api_key":    "keychain-secret",
		"stripe_webhook_secret": "whsec_123",
	}}
	cfg, err := loadWith(newMemBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenRouter.APIKey != "keychain-secret" {
		t.Errorf("OpenRouter.APIKey = %q", cfg.OpenRouter.APIKey)
	}
	if cfg.Payment.StripeWebhookSecret != "whsec_123" {
		t.Errorf("StripeWebhookSecret = %q", cfg.Payment.StripeWebhookSecret)
	}
	if cfg.Captcha.TwoCaptchaAPIKey != "" {
		t.Errorf("TwoCaptchaAPIKey = %q, want empty", cfg.Captcha.TwoCaptchaAPIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"threshold above 100", func(c *Config) { c.Outreach.SkipScoreThreshold = 101 }, "skip_score_threshold"},
		{"zero max issues", func(c *Config) { c.Outreach.MaxIssuesPerReport = 0 }, "max_issues_per_report"},
		{"negative cap", func(c *Config) { c.Outreach.DailyOutreachCap = -1 }, "must not be negative"},
		{"unknown backend", func(c *Config) { c.Report.Backend = "gpt" }, "report.backend"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero interval", func(c *Config) { c.Outreach.CycleIntervalSeconds = 0 }, "cycle_interval_seconds"},
		{"report bound below floor", func(c *Config) { c.Report.MaxChars = 200 }, "report.max_chars"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestTargetsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	content := `
industries:
  - landscaping
  - name: dentists
    terms: ["dentist", "dental clinic"]
  - bakeries
regions:
  - {tier: 2, name: Chicago}
  - {tier: 1, name: Austin}
  - {tier: 1, name: Brooklyn}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	b := newMemBackend()
	b.strs["targets.file"] = path
	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inds := cfg.Targets.Industries
	if len(inds) != 3 {
		t.Fatalf("industries = %d, want 3", len(inds))
	}
	if len(inds[0].Terms) != 5 {
		t.Errorf("landscaping terms = %v, want built-in terms", inds[0].Terms)
	}
	if inds[1].Terms[1] != "dental clinic" {
		t.Errorf("dentists terms = %v", inds[1].Terms)
	}
	if got := inds[2].SearchTerms(); len(got) != 1 || got[0] != "bakeries" {
		t.Errorf("bakeries SearchTerms = %v", got)
	}

	want := []string{"Austin", "Brooklyn", "Chicago"}
	for i, r := range cfg.Targets.Regions {
		if r.Name != want[i] {
			t.Errorf("region[%d] = %q, want %q", i, r.Name, want[i])
		}
	}
}

func TestParseTargets_Errors(t *testing.T) {
	cases := map[string]string{
		"no industries": "regions: [{tier: 1, name: Austin}]",
		"no regions":    "industries: [hvac]",
		"unnamed":       "industries: [hvac]\nregions: [{tier: 1}]",
		"not yaml":      "industries: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseTargets([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGetAPIToken_GeneratesOnce(t *testing.T) {
	kc := &mockKeychain{}
	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(first))
	}
	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if first != second {
		t.Error("token regenerated on second call")
	}
	if len(kc.sets) != 1 {
		t.Errorf("Set called %d times, want 1", len(kc.sets))
	}
}

func TestGetCredentialsKey(t *testing.T) {
	kc := &mockKeychain{}
	k1, err := GetCredentialsKey(kc)
	if err != nil {
		t.Fatalf("GetCredentialsKey: %v", err)
	}
	k2, _ := GetCredentialsKey(kc)
	if k1 != k2 {
		t.Error("credentials key changed between calls")
	}

	bad := &mockKeychain{values: map[string]string{"credentials_key": "c2hvcnQ="}}
	if _, err := GetCredentialsKey(bad); err == nil {
		t.Error("expected error for a short stored key")
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Payment.StripeAPIKey = "sk_live_abc"
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "sk_live") {
			t.Errorf("secret %s leaked: %q", k.Key, k.Value)
		}
		if k.Key == "payment.stripe_api_key" && k.Value != "********" {
			t.Errorf("stripe key shown as %q", k.Value)
		}
		if k.Key == "captcha.twocaptcha_api_key" && k.Value != "(unset)" {
			t.Errorf("unset secret shown as %q", k.Value)
		}
	}
}

func TestValidKeys_ExcludesSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if strings.HasSuffix(k, "_api_key") || strings.HasSuffix(k, "_secret") {
			t.Errorf("ValidKeys contains secret %q", k)
		}
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()

	if err := setKey(b, "outreach.daily_outreach_cap", "10"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := setKey(b, "outreach.per_host_qps", "0.25"); err != nil {
		t.Fatalf("set float: %v", err)
	}
	if err := setKey(b, "report.backend", "ollama"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if b.ints["outreach.daily_outreach_cap"] != 10 || b.floats["outreach.per_host_qps"] != 0.25 || b.strs["report.backend"] != "ollama" {
		t.Errorf("backend = %+v", b)
	}

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Outreach.DailyOutreachCap != 10 || cfg.Outreach.PerHostQPS != 0.25 {
		t.Errorf("cfg.Outreach = %+v", cfg.Outreach)
	}
}

func TestSetKey_Rejects(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"outreach.daily_audit_cap", "many", "invalid value"},
		{"outreach.skip_score_threshold", "120", "0..100"},
		{"report.backend", "gpt", "report.backend"},
		{"payment.stripe_api_key", "sk_live", "RANKZEN_STRIPE_API_KEY"},
		{"no.such_key", "1", "unknown config key"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			b := newMemBackend()
			err := setKey(b, tt.key, tt.value)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
			if len(b.strs)+len(b.ints)+len(b.floats) != 0 {
				t.Errorf("rejected value was persisted: %+v", b)
			}
		})
	}
}

func TestUnsetKey_RestoresDefault(t *testing.T) {
	b := newMemBackend()
	if err := setKey(b, "server.port", "5000"); err != nil {
		t.Fatal(err)
	}
	if err := unsetKey(b, "server.port"); err != nil {
		t.Fatalf("unset: %v", err)
	}
	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
	if err := unsetKey(b, "discovery.serper_api_key"); err == nil {
		t.Error("expected error unsetting a secret")
	}
}
