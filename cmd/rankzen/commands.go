package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/rankzen/internal/blacklist"
	"github.com/kalambet/rankzen/internal/config"
	"github.com/kalambet/rankzen/internal/site"
)

// --- stats ---

type statsView struct {
	Audits           int            `json:"audits"`
	AverageScore     float64        `json:"average_score"`
	Attempts         int            `json:"attempts"`
	AttemptsByResult map[string]int `json:"attempts_by_result"`
	Blacklisted      int            `json:"blacklisted"`
	CasesByState     map[string]int `json:"cases_by_state"`
	Today            struct {
		Date         string `json:"date"`
		AuditsDone   int    `json:"audits_done"`
		AuditsCap    int    `json:"audits_cap"`
		OutreachDone int    `json:"outreach_done"`
		OutreachCap  int    `json:"outreach_cap"`
	} `json:"today"`
}

func fetchStats(ctx context.Context, client *apiClient) (statsView, error) {
	var st statsView
	if err := client.getJSON(ctx, "/stats", &st); err != nil {
		return statsView{}, err
	}
	return st, nil
}

// sortedKeys returns m's keys in order so output is stable.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outreach and fulfillment totals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := fetchStats(cmd.Context(), client)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(st)
		}

		printStatus("Today", "%s: %d/%d audits, %d/%d outreach",
			st.Today.Date, st.Today.AuditsDone, st.Today.AuditsCap, st.Today.OutreachDone, st.Today.OutreachCap)
		printStatus("Audits", "%d (average score %.1f)", st.Audits, st.AverageScore)
		printStatus("Attempts", "%d", st.Attempts)
		for _, k := range sortedKeys(st.AttemptsByResult) {
			fmt.Printf("    %-18s %d\n", k, st.AttemptsByResult[k])
		}
		printStatus("Blacklisted", "%d", st.Blacklisted)
		printStatus("Cases", "%d open", openCases(st.CasesByState))
		for _, k := range sortedKeys(st.CasesByState) {
			fmt.Printf("    %-22s %d\n", k, st.CasesByState[k])
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- blacklist ---

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Inspect or extend the do-not-contact list",
	Long: `Inspect or extend the do-not-contact list. Entries are permanent; there is
no way to remove one.`,
}

// openBlacklist opens the local store for blacklist commands. SQLite's busy
// timeout lets this run next to a cycle or the server.
func openBlacklist() (*components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openComponents(cfg)
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blacklisted sites, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		c, err := openBlacklist()
		if err != nil {
			return err
		}
		defer c.Close()

		entries, err := c.blacklist.List(cmd.Context(), limit, offset)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Blacklist is empty.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.AddedAt.Format("2006-01-02 15:04"), colorize(colorCyan, e.Reason), e.Identity)
		}
		return tw.Flush()
	},
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add <url>...",
	Short: "Blacklist one or more sites by hand",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]site.Identity, len(args))
		for i, raw := range args {
			id, err := site.Normalize(raw)
			if err != nil {
				return err
			}
			ids[i] = id
		}

		c, err := openBlacklist()
		if err != nil {
			return err
		}
		defer c.Close()

		for _, id := range ids {
			if err := c.blacklist.Add(cmd.Context(), id, blacklist.ReasonManual); err != nil {
				return err
			}
			printSuccess("Blacklisted %s", id)
		}
		return nil
	},
}

var blacklistCheckCmd = &cobra.Command{
	Use:   "check <url>",
	Short: "Check whether a site is blacklisted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := site.Normalize(args[0])
		if err != nil {
			return err
		}

		c, err := openBlacklist()
		if err != nil {
			return err
		}
		defer c.Close()

		listed, err := c.blacklist.Contains(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !listed {
			printStatus(id.String(), "not blacklisted")
			return nil
		}
		entry, err := c.store.GetBlacklistEntry(id.String())
		if err != nil {
			return err
		}
		printStatus(id.String(), "blacklisted (%s since %s)", entry.Reason, entry.AddedAt.Format("2006-01-02"))
		return nil
	},
}

func init() {
	blacklistListCmd.Flags().Int("limit", 50, "maximum entries to list")
	blacklistListCmd.Flags().Int("offset", 0, "entries to skip")
	blacklistCmd.AddCommand(blacklistListCmd)
	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistCheckCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("Industries", "%d", len(cfg.Targets.Industries))
		printStatus("Regions", "%d", len(cfg.Targets.Regions))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  ") + `

Secrets are read from RANKZEN_* environment variables or the platform secret
store and cannot be set here.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// casePath builds /cases/{id}/suffix with the ID escaped.
func casePath(id string, suffix ...string) string {
	p := "/cases/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}
