package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/rankzen/internal/activity"
	"github.com/kalambet/rankzen/internal/audit"
	"github.com/kalambet/rankzen/internal/blacklist"
	"github.com/kalambet/rankzen/internal/captcha"
	"github.com/kalambet/rankzen/internal/config"
	"github.com/kalambet/rankzen/internal/discovery"
	"github.com/kalambet/rankzen/internal/fulfillment"
	"github.com/kalambet/rankzen/internal/outreach"
	"github.com/kalambet/rankzen/internal/ratelimit"
	"github.com/kalambet/rankzen/internal/report"
	"github.com/kalambet/rankzen/internal/storage"
	"github.com/kalambet/rankzen/internal/submit"
	"github.com/kalambet/rankzen/internal/textgen"
)

// setupLogging installs the default logger from the log.* options.
func setupLogging(cfg config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Log.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadConfig loads configuration and installs the logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg)
	return cfg, nil
}

// components are the long-lived pieces every command that touches local
// state shares. They are built after the logger so each one picks it up.
type components struct {
	cfg        config.Config
	store      *storage.Store
	activity   *activity.Log
	blacklist  *blacklist.Store
	limiter    *ratelimit.Limiter
	politeness *ratelimit.Politeness
	machine    *fulfillment.Machine
}

func caps(cfg config.Config) ratelimit.Caps {
	return ratelimit.Caps{
		DailyAudits:    cfg.Outreach.DailyAuditCap,
		DailyOutreach:  cfg.Outreach.DailyOutreachCap,
		AuditsPerCycle: cfg.Outreach.AuditsPerCycle,
	}
}

func openComponents(cfg config.Config) (*components, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	logs, err := activity.Open(filepath.Join(cfg.Storage.DataDir, "logs"))
	if err != nil {
		store.Close()
		return nil, err
	}
	return &components{
		cfg:        cfg,
		store:      store,
		activity:   logs,
		blacklist:  blacklist.New(store),
		limiter:    ratelimit.New(store, caps(cfg)),
		politeness: ratelimit.NewPoliteness(cfg.Outreach.PerHostQPS),
		machine:    fulfillment.NewMachine(store, logs),
	}, nil
}

func (c *components) Close() {
	if err := c.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func (c *components) auditor() *audit.Auditor {
	th := audit.DefaultThresholds()
	if c.cfg.Audit.SlowResponseMs > 0 {
		th.SlowResponse = time.Duration(c.cfg.Audit.SlowResponseMs) * time.Millisecond
	}
	return audit.New(audit.Options{
		Timeout:    time.Duration(c.cfg.Audit.TimeoutSeconds) * time.Second,
		UserAgent:  c.cfg.Audit.UserAgent,
		Thresholds: th,
		Politeness: c.politeness,
	})
}

// generator returns the configured text generator, or nil when reports
// should always use the template body.
func generator(cfg config.Config) textgen.Generator {
	switch cfg.Report.Backend {
	case "openrouter":
		if cfg.OpenRouter.APIKey == "" {
			slog.Warn("OpenRouter API key not set, reports use the template body",
				"hint", config.MissingSecretError("openrouter.openrouter_api_key").Error())
			return nil
		}
		return textgen.NewOpenRouter(cfg.OpenRouter.APIKey, cfg.Report.Model)
	case "ollama":
		return textgen.NewOllama(cfg.Ollama.BaseURL, cfg.Report.Model)
	default:
		return nil
	}
}

func (c *components) composer() *report.Composer {
	return report.New(report.Options{
		Generator: generator(c.cfg),
		MaxChars:  c.cfg.Report.MaxChars,
		Tone:      c.cfg.Report.Tone,
		Timeout:   time.Duration(c.cfg.Report.TimeoutSeconds) * time.Second,
		Sender: report.Sender{
			Name:    c.cfg.Sender.Name,
			Company: c.cfg.Sender.Company,
			Website: c.cfg.Sender.Website,
		},
	})
}

func (c *components) submitter() *submit.Submitter {
	var solver captcha.Solver
	if c.cfg.Captcha.TwoCaptchaAPIKey != "" {
		solver = captcha.NewTwoCaptcha(c.cfg.Captcha.TwoCaptchaAPIKey)
	}
	s := c.cfg.Sender
	return submit.New(submit.Options{
		Browser: submit.NewFormDriver(submit.FormDriverOptions{
			UserAgent:       c.cfg.Audit.UserAgent,
			Solver:          solver,
			CaptchaAttempts: c.cfg.Outreach.CaptchaAttempts,
		}),
		Politeness: c.politeness,
		Timeout:    time.Duration(c.cfg.Outreach.SubmitTimeoutSeconds) * time.Second,
		Sender: submit.Sender{
			Name:    s.Name,
			Email:   s.Email,
			Phone:   s.Phone,
			Company: s.Company,
			Website: s.Website,
		},
	})
}

// orchestrator wires the full outreach pipeline. Discovery needs the Serper
// key; everything else degrades to a working default.
func (c *components) orchestrator() (*outreach.Orchestrator, error) {
	if c.cfg.Discovery.SerperAPIKey == "" {
		return nil, config.MissingSecretError("discovery.serper_api_key")
	}
	searcher := discovery.NewSerper(c.cfg.Discovery.SerperAPIKey, c.cfg.Discovery.ResultsPerQuery, c.cfg.Discovery.Pages)
	queries := discovery.Queries(c.cfg.Targets.Industries, c.cfg.Targets.Regions)

	o := c.cfg.Outreach
	return outreach.New(outreach.Deps{
		Source:    discovery.NewSource(searcher, queries),
		Blacklist: c.blacklist,
		Limiter:   c.limiter,
		Auditor:   c.auditor(),
		Composer:  c.composer(),
		Submitter: c.submitter(),
		Cases:     c.machine,
		Store:     c.store,
		Activity:  c.activity,
	}, outreach.Policy{
		AuditsPerCycle:     o.AuditsPerCycle,
		SkipScoreThreshold: o.SkipScoreThreshold,
		MaxIssuesPerReport: o.MaxIssuesPerReport,
		FormNotFoundBudget: o.FormNotFoundRetryBudget,
	}), nil
}
