package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/rankzen/internal/api"
	"github.com/kalambet/rankzen/internal/config"
	"github.com/kalambet/rankzen/internal/fulfillment"
	"github.com/kalambet/rankzen/internal/notify"
	"github.com/kalambet/rankzen/internal/payment"
	"github.com/kalambet/rankzen/internal/textgen"
	"github.com/kalambet/rankzen/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the fulfillment worker (foreground)",
	Long: `Start the operator API, the payment webhook, the fulfillment worker and the
idle case sweeper. With --mcp the audit and status tools are also served over
stdio for MCP clients.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running rankzen server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rankzen system status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "rankzen.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "rankzen version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	credsKey, err := config.GetCredentialsKey(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing credentials key: %w", err)
	}

	// Refuse to start a second server on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("rankzen is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("rankzen is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.Payment.StripeAPIKey == "" {
		slog.Warn("Stripe API key not set, payment links cannot be created",
			"hint", config.MissingSecretError("payment.stripe_api_key").Error())
	}
	if cfg.Payment.StripeWebhookSecret == "" {
		slog.Warn("Stripe webhook secret not set, payments must be confirmed by hand")
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Stats:         c.store,
		Blacklist:     c.blacklist,
		Cases:         c.machine,
		Sealer:        vault.NewSealer(credsKey),
		Caps:          caps(cfg),
		Token:         apiToken,
		WebhookSecret: cfg.Payment.StripeWebhookSecret,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Automatic fulfillment steps and the idle case sweeper.
	worker := fulfillment.NewWorker(fulfillment.WorkerOptions{
		Jobs:     c.store,
		Machine:  c.machine,
		Payments: payment.NewStripe(cfg.Payment.StripeAPIKey, cfg.Payment.SuccessURL),
		Notifier: notify.NewWebhook(cfg.Notify.WebhookURL),
		Product: payment.Product{
			Name:        "Website SEO fixes",
			Description: "Implementation of the fixes from your " + cfg.Sender.Company + " site report",
			AmountCents: int64(cfg.Payment.AmountCents),
			Currency:    cfg.Payment.Currency,
		},
	})
	go worker.Run(ctx)

	sweeper := fulfillment.NewSweeper(c.machine, time.Duration(cfg.Fulfillment.CaseTimeoutHours)*time.Hour, time.Hour)
	go sweeper.Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Auditor:   c.auditor(),
			Composer:  c.composer(),
			Stats:     c.store,
			Blacklist: c.blacklist,
			Cases:     c.machine,
			Caps:      caps(cfg),
			MaxIssues: cfg.Outreach.MaxIssuesPerReport,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "rankzen listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("rankzen is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop rankzen (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to rankzen (PID %d)", pid)
	return nil
}

func secretState(v string) string {
	if v == "" {
		return "not set"
	}
	return "set"
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	switch cfg.Report.Backend {
	case "ollama":
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if textgen.NewOllama(cfg.Ollama.BaseURL, cfg.Report.Model).IsRunning(ctx) {
			printStatus("Reports", "ollama %s at %s", cfg.Report.Model, cfg.Ollama.BaseURL)
		} else {
			printStatus("Reports", "ollama not running at %s (template fallback)", cfg.Ollama.BaseURL)
		}
	case "openrouter":
		printStatus("Reports", "openrouter %s (API key %s)", cfg.Report.Model, secretState(cfg.OpenRouter.APIKey))
	default:
		printStatus("Reports", "template only")
	}
	printStatus("Discovery", "serper (API key %s)", secretState(cfg.Discovery.SerperAPIKey))
	printStatus("CAPTCHA solver", "2captcha (API key %s)", secretState(cfg.Captcha.TwoCaptchaAPIKey))
	printStatus("Payments", "stripe (API key %s, webhook secret %s)",
		secretState(cfg.Payment.StripeAPIKey), secretState(cfg.Payment.StripeWebhookSecret))

	if running {
		if cl, err := newAPIClient(); err == nil {
			if st, err := fetchStats(context.Background(), cl); err == nil {
				printStatus("Today", "%d/%d audits, %d/%d outreach",
					st.Today.AuditsDone, st.Today.AuditsCap, st.Today.OutreachDone, st.Today.OutreachCap)
				printStatus("Open cases", "%d", openCases(st.CasesByState))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// openCases counts cases not yet in a terminal state.
func openCases(byState map[string]int) int {
	n := 0
	for state, count := range byState {
		if s, err := fulfillment.ParseState(state); err == nil && !s.Terminal() {
			n += count
		}
	}
	return n
}
