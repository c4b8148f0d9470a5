package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the secret store account name for a secret key: the part
// after the last dot ("discovery.serper_api_key" -> "serper_api_key").
func (s keySpec) account() string {
	return s.key[strings.LastIndex(s.key, ".")+1:]
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RANKZEN_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RANKZEN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "RANKZEN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "RANKZEN_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "outreach.audits_per_cycle", typ: kInt, env: "RANKZEN_AUDITS_PER_CYCLE",
		apply:   func(cfg *Config, v any) { cfg.Outreach.AuditsPerCycle = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.AuditsPerCycle },
	},
	{
		key: "outreach.daily_audit_cap", typ: kInt, env: "RANKZEN_DAILY_AUDIT_CAP",
		apply:   func(cfg *Config, v any) { cfg.Outreach.DailyAuditCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.DailyAuditCap },
	},
	{
		key: "outreach.daily_outreach_cap", typ: kInt, env: "RANKZEN_DAILY_OUTREACH_CAP",
		apply:   func(cfg *Config, v any) { cfg.Outreach.DailyOutreachCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.DailyOutreachCap },
	},
	{
		key: "outreach.cycle_interval_seconds", typ: kInt, env: "RANKZEN_CYCLE_INTERVAL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Outreach.CycleIntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.CycleIntervalSeconds },
	},
	{
		key: "outreach.skip_score_threshold", typ: kInt, env: "RANKZEN_SKIP_SCORE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Outreach.SkipScoreThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.SkipScoreThreshold },
	},
	{
		key: "outreach.max_issues_per_report", typ: kInt, env: "RANKZEN_MAX_ISSUES_PER_REPORT",
		apply:   func(cfg *Config, v any) { cfg.Outreach.MaxIssuesPerReport = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.MaxIssuesPerReport },
	},
	{
		key: "outreach.form_not_found_retry_budget", typ: kInt, env: "RANKZEN_FORM_NOT_FOUND_RETRY_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Outreach.FormNotFoundRetryBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.FormNotFoundRetryBudget },
	},
	{
		key: "outreach.captcha_attempts", typ: kInt, env: "RANKZEN_CAPTCHA_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Outreach.CaptchaAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.CaptchaAttempts },
	},
	{
		key: "outreach.submit_timeout_seconds", typ: kInt, env: "RANKZEN_SUBMIT_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Outreach.SubmitTimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Outreach.SubmitTimeoutSeconds },
	},
	{
		key: "outreach.per_host_qps", typ: kFloat, env: "RANKZEN_PER_HOST_QPS",
		apply:   func(cfg *Config, v any) { cfg.Outreach.PerHostQPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Outreach.PerHostQPS },
	},
	{
		key: "targets.file", typ: kString, env: "RANKZEN_TARGETS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Targets.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Targets.File },
	},
	{
		key: "audit.timeout_seconds", typ: kInt, env: "RANKZEN_AUDIT_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Audit.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Audit.TimeoutSeconds },
	},
	{
		key: "audit.slow_response_ms", typ: kInt, env: "RANKZEN_AUDIT_SLOW_RESPONSE_MS",
		apply:   func(cfg *Config, v any) { cfg.Audit.SlowResponseMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Audit.SlowResponseMs },
	},
	{
		key: "audit.user_agent", typ: kString, env: "RANKZEN_AUDIT_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Audit.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Audit.UserAgent },
	},
	{
		key: "report.backend", typ: kString, env: "RANKZEN_REPORT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Report.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Report.Backend },
	},
	{
		key: "report.model", typ: kString, env: "RANKZEN_REPORT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Report.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Report.Model },
	},
	{
		key: "report.max_chars", typ: kInt, env: "RANKZEN_REPORT_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Report.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Report.MaxChars },
	},
	{
		key: "report.tone", typ: kString, env: "RANKZEN_REPORT_TONE",
		apply:   func(cfg *Config, v any) { cfg.Report.Tone = v.(string) },
		extract: func(cfg Config) any { return cfg.Report.Tone },
	},
	{
		key: "report.timeout_seconds", typ: kInt, env: "RANKZEN_REPORT_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Report.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Report.TimeoutSeconds },
	},
	{
		key: "ollama.base_url", typ: kString, env: "RANKZEN_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "sender.name", typ: kString, env: "RANKZEN_SENDER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Sender.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Sender.Name },
	},
	{
		key: "sender.email", typ: kString, env: "RANKZEN_SENDER_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.Sender.Email = v.(string) },
		extract: func(cfg Config) any { return cfg.Sender.Email },
	},
	{
		key: "sender.phone", typ: kString, env: "RANKZEN_SENDER_PHONE",
		apply:   func(cfg *Config, v any) { cfg.Sender.Phone = v.(string) },
		extract: func(cfg Config) any { return cfg.Sender.Phone },
	},
	{
		key: "sender.company", typ: kString, env: "RANKZEN_SENDER_COMPANY",
		apply:   func(cfg *Config, v any) { cfg.Sender.Company = v.(string) },
		extract: func(cfg Config) any { return cfg.Sender.Company },
	},
	{
		key: "sender.website", typ: kString, env: "RANKZEN_SENDER_WEBSITE",
		apply:   func(cfg *Config, v any) { cfg.Sender.Website = v.(string) },
		extract: func(cfg Config) any { return cfg.Sender.Website },
	},
	{
		key: "discovery.results_per_query", typ: kInt, env: "RANKZEN_DISCOVERY_RESULTS_PER_QUERY",
		apply:   func(cfg *Config, v any) { cfg.Discovery.ResultsPerQuery = v.(int) },
		extract: func(cfg Config) any { return cfg.Discovery.ResultsPerQuery },
	},
	{
		key: "discovery.pages", typ: kInt, env: "RANKZEN_DISCOVERY_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Discovery.Pages = v.(int) },
		extract: func(cfg Config) any { return cfg.Discovery.Pages },
	},
	{
		key: "payment.amount_cents", typ: kInt, env: "RANKZEN_PAYMENT_AMOUNT_CENTS",
		apply:   func(cfg *Config, v any) { cfg.Payment.AmountCents = v.(int) },
		extract: func(cfg Config) any { return cfg.Payment.AmountCents },
	},
	{
		key: "payment.currency", typ: kString, env: "RANKZEN_PAYMENT_CURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Payment.Currency = v.(string) },
		extract: func(cfg Config) any { return cfg.Payment.Currency },
	},
	{
		key: "payment.success_url", typ: kString, env: "RANKZEN_PAYMENT_SUCCESS_URL",
		apply:   func(cfg *Config, v any) { cfg.Payment.SuccessURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Payment.SuccessURL },
	},
	{
		key: "fulfillment.case_timeout_hours", typ: kInt, env: "RANKZEN_CASE_TIMEOUT_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Fulfillment.CaseTimeoutHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Fulfillment.CaseTimeoutHours },
	},
	{
		key: "notify.webhook_url", typ: kString, env: "RANKZEN_NOTIFY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookURL },
	},
	{
		key: "discovery.serper_api_key", typ: kString, env: "RANKZEN_SERPER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Discovery.SerperAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Discovery.SerperAPIKey },
	},
	{
		key: "openrouter.openrouter_api_key", typ: kString, env: "RANKZEN_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "captcha.twocaptcha_api_key", typ: kString, env: "RANKZEN_TWOCAPTCHA_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Captcha.TwoCaptchaAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Captcha.TwoCaptchaAPIKey },
	},
	{
		key: "payment.stripe_api_key", typ: kString, env: "RANKZEN_STRIPE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Payment.StripeAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Payment.StripeAPIKey },
	},
	{
		key: "payment.stripe_webhook_secret", typ: kString, env: "RANKZEN_STRIPE_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Payment.StripeWebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Payment.StripeWebhookSecret },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		var (
			v   any
			ok  bool
			err error
		)
		switch s.typ {
		case kString:
			v, ok, err = b.GetString(s.key)
		case kInt:
			v, ok, err = b.GetInt(s.key)
		case kFloat:
			v, ok, err = b.GetFloat(s.key)
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

// parseValue converts a raw string to the Go type a key's apply expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

// applyEnvOverrides applies RANKZEN_* variables. A value that does not
// parse is logged and the previous value is kept.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets that the environment left empty from the
// platform secret store. Missing secrets are not an error here; the
// commands that need one report it.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account()); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
