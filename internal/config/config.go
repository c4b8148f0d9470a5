package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Outreach    OutreachConfig
	Targets     TargetsConfig
	Audit       AuditConfig
	Report      ReportConfig
	OpenRouter  OpenRouterConfig
	Ollama      OllamaConfig
	Sender      SenderConfig
	Discovery   DiscoveryConfig
	Captcha     CaptchaConfig
	Payment     PaymentConfig
	Fulfillment FulfillmentConfig
	Notify      NotifyConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

// OutreachConfig holds the cycle policy: caps, thresholds and retry budgets.
type OutreachConfig struct {
	AuditsPerCycle          int
	DailyAuditCap           int
	DailyOutreachCap        int
	CycleIntervalSeconds    int
	SkipScoreThreshold      int
	MaxIssuesPerReport      int
	FormNotFoundRetryBudget int
	CaptchaAttempts         int
	SubmitTimeoutSeconds    int
	PerHostQPS              float64
}

// TargetsConfig lists what discovery searches for. File, when set, points
// at a YAML file that replaces the built-in industries and regions.
type TargetsConfig struct {
	File       string
	Industries []Industry
	Regions    []Region
}

type AuditConfig struct {
	TimeoutSeconds int
	SlowResponseMs int
	UserAgent      string
}

// MinReportChars is the smallest report.max_chars that still fits the
// message opening, the signature and one issue line.
const MinReportChars = 600

type ReportConfig struct {
	Backend        string // "openrouter", "ollama" or "none"
	Model          string
	MaxChars       int
	Tone           string
	TimeoutSeconds int
}

type OpenRouterConfig struct {
	APIKey string
}

type OllamaConfig struct {
	BaseURL string
}

// SenderConfig is the requester identity filled into contact forms.
type SenderConfig struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Website string
}

type DiscoveryConfig struct {
	SerperAPIKey    string
	ResultsPerQuery int
	Pages           int
}

type CaptchaConfig struct {
	TwoCaptchaAPIKey string
}

type PaymentConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	AmountCents         int
	Currency            string
	SuccessURL          string
}

type FulfillmentConfig struct {
	CaseTimeoutHours int
}

type NotifyConfig struct {
	WebhookURL string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info", Format: "text"},
		Outreach: OutreachConfig{
			AuditsPerCycle:          30,
			DailyAuditCap:           150,
			DailyOutreachCap:        25,
			CycleIntervalSeconds:    3600,
			SkipScoreThreshold:      80,
			MaxIssuesPerReport:      3,
			FormNotFoundRetryBudget: 3,
			CaptchaAttempts:         2,
			SubmitTimeoutSeconds:    90,
			PerHostQPS:              2,
		},
		Targets: TargetsConfig{
			Industries: defaultIndustries(),
			Regions:    defaultRegions(),
		},
		Audit: AuditConfig{
			TimeoutSeconds: 15,
			SlowResponseMs: 3000,
			UserAgent:      "Mozilla/5.0 (compatible; RankzenAudit/1.0; +https://rankzen.io/bot)",
		},
		Report: ReportConfig{
			Backend:        "openrouter",
			Model:          "anthropic/claude-3.5-haiku",
			MaxChars:       1200,
			Tone:           "friendly",
			TimeoutSeconds: 20,
		},
		Ollama: OllamaConfig{BaseURL: "http://localhost:11434"},
		Sender: SenderConfig{
			Name:    "Rankzen SEO",
			Email:   "hello@rankzen.io",
			Company: "Rankzen",
			Website: "https://rankzen.io",
		},
		Discovery: DiscoveryConfig{
			ResultsPerQuery: 5,
			Pages:           1,
		},
		Payment: PaymentConfig{
			AmountCents: 10000,
			Currency:    "usd",
			SuccessURL:  "https://rankzen.io/thanks",
		},
		Fulfillment: FulfillmentConfig{CaseTimeoutHours: 14 * 24},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store, then loads the targets file if
// one is configured.
//
// On macOS the backend is UserDefaults (domain: com.rankzen.agent) and
// secrets fall back to the macOS Keychain. Elsewhere the backend is a JSON
// file at $XDG_CONFIG_HOME/rankzen/config.json and secrets fall back to
// $XDG_DATA_HOME/rankzen/secrets.json.
//
// Environment variables (RANKZEN_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "rankzen"

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if cfg.Targets.File != "" {
		t, err := LoadTargets(cfg.Targets.File)
		if err != nil {
			return Config{}, err
		}
		cfg.Targets.Industries = t.Industries
		cfg.Targets.Regions = t.Regions
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects option values that would make the cycle policy
// meaningless.
func (c Config) Validate() error {
	var errs []error
	o := c.Outreach
	if o.AuditsPerCycle < 0 || o.DailyAuditCap < 0 || o.DailyOutreachCap < 0 {
		errs = append(errs, errors.New("outreach caps must not be negative"))
	}
	if o.SkipScoreThreshold < 0 || o.SkipScoreThreshold > 100 {
		errs = append(errs, fmt.Errorf("outreach.skip_score_threshold must be within 0..100, got %d", o.SkipScoreThreshold))
	}
	if o.MaxIssuesPerReport < 1 {
		errs = append(errs, fmt.Errorf("outreach.max_issues_per_report must be at least 1, got %d", o.MaxIssuesPerReport))
	}
	if o.FormNotFoundRetryBudget < 1 {
		errs = append(errs, fmt.Errorf("outreach.form_not_found_retry_budget must be at least 1, got %d", o.FormNotFoundRetryBudget))
	}
	if o.CycleIntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("outreach.cycle_interval_seconds must be positive, got %d", o.CycleIntervalSeconds))
	}
	if c.Report.MaxChars < MinReportChars {
		errs = append(errs, fmt.Errorf("report.max_chars must be at least %d, got %d", MinReportChars, c.Report.MaxChars))
	}
	switch c.Report.Backend {
	case "openrouter", "ollama", "none":
	default:
		errs = append(errs, fmt.Errorf("report.backend must be openrouter, ollama or none, got %q", c.Report.Backend))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// keychainReader reads secrets from the platform store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
