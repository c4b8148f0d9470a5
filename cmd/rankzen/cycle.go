package main

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/rankzen/internal/outreach"
	"github.com/kalambet/rankzen/internal/report"
	"github.com/kalambet/rankzen/internal/site"
	"github.com/kalambet/rankzen/internal/submit"
)

// --- cycle ---

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one outreach cycle and print each outcome",
	Long: `Run one outreach cycle: discover candidates, audit them, and contact the
owners of sites that need work, within the daily caps.

Ctrl-C stops the cycle after the candidate in flight.

Examples:
  rankzen cycle
  rankzen cycle --max 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxCandidates, _ := cmd.Flags().GetInt("max")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openComponents(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		orch, err := c.orchestrator()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return streamCycle(ctx, os.Stdout, orch.RunCycle(ctx, maxCandidates))
	},
}

func init() {
	cycleCmd.Flags().Int("max", 0, "maximum candidates to audit (default outreach.audits_per_cycle)")
}

// cycleTally counts what a streamed cycle did.
type cycleTally struct {
	cycleID   string
	seen      int
	audited   int
	attempted int
	succeeded int
}

func (t *cycleTally) add(o outreach.Outcome) {
	if t.cycleID == "" {
		t.cycleID = o.CycleID
	}
	t.seen++
	switch o.Kind {
	case outreach.SkippedWellOptimized, outreach.AuditOnly:
		t.audited++
	case outreach.Attempted:
		t.audited++
		t.attempted++
		if o.Submission == submit.Success {
			t.succeeded++
		}
	}
}

// streamCycle prints outcomes as the cycle produces them. The returned
// error is the cycle's persistence failure, if any.
func streamCycle(ctx context.Context, w io.Writer, seq iter.Seq2[outreach.Outcome, error]) error {
	var t cycleTally
	for o, err := range seq {
		if err != nil {
			printError("cycle stopped: %v", err)
			return err
		}
		t.add(o)
		fmt.Fprintln(w, formatOutcome(o))
	}

	if t.seen == 0 {
		printWarning("No candidates processed (daily audit cap reached or nothing discovered).")
		return nil
	}
	if ctx.Err() != nil {
		printWarning("Cycle %s stopped early", t.cycleID)
	}
	printSuccess("Cycle %s: %d candidates, %d audited, %d contacted, %d succeeded",
		t.cycleID, t.seen, t.audited, t.attempted, t.succeeded)
	return nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run outreach cycles forever",
	Long: `Run an outreach cycle, wait, and repeat until interrupted.

A cycle that fails to persist its results stops the loop with exit code 2.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		maxCandidates, _ := cmd.Flags().GetInt("max")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if interval <= 0 {
			interval = time.Duration(cfg.Outreach.CycleIntervalSeconds) * time.Second
		}
		c, err := openComponents(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		orch, err := c.orchestrator()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Running cycles every %s (Ctrl-C to stop)", interval)
		if err := outreach.NewScheduler(orch, maxCandidates).Run(ctx, interval); err != nil {
			return err
		}
		printSuccess("Stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().Duration("interval", 0, "pause between cycles (default outreach.cycle_interval_seconds)")
	runCmd.Flags().Int("max", 0, "maximum candidates to audit per cycle")
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit <url>",
	Short: "Audit one site and show the message it would get",
	Long: `Audit one site and show its score, issues and the outreach message it would
get. Nothing is sent and no daily cap is used.

Examples:
  rankzen audit https://acme-landscaping.com
  rankzen audit acme-landscaping.com --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		id, err := site.Normalize(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openComponents(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		target := args[0]
		if !strings.Contains(target, "://") {
			target = "https://" + target
		}
		res, err := c.auditor().Audit(ctx, site.StripTracking(target))
		if err != nil {
			return fmt.Errorf("auditing %s: %w", id, err)
		}
		msg := c.composer().Compose(ctx, res, cfg.Outreach.MaxIssuesPerReport)

		if asJSON {
			return printJSON(struct {
				Identity site.Identity `json:"identity"`
				Result   any           `json:"result"`
				Report   report.Report `json:"report"`
			}{id, res, msg})
		}

		verdict := "would be contacted"
		if res.Score > cfg.Outreach.SkipScoreThreshold {
			verdict = "well optimized, would be skipped"
		}
		printStatus("Site", "%s", id)
		printStatus("Score", "%d/100 (%s)", res.Score, verdict)
		printStatus("Response", "%s", res.ResponseTime.Round(time.Millisecond))
		for _, is := range res.Issues {
			fmt.Printf("  - [%d] %s: %s\n", is.Severity, colorize(colorBold, is.Code), is.Description)
		}
		fmt.Println()
		fmt.Println(msg.Text)
		if msg.Fallback {
			printWarning("Message body uses the template (text generator unavailable)")
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Bool("json", false, "print the audit and report as JSON")
}
