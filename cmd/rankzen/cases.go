package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// caseView mirrors the server's case representation.
type caseView struct {
	ID                string    `json:"id"`
	Identity          string    `json:"identity"`
	URL               string    `json:"url"`
	OutreachID        string    `json:"outreach_id"`
	State             string    `json:"state"`
	PaymentRef        string    `json:"payment_ref,omitempty"`
	HasCredentials    bool      `json:"has_credentials"`
	ImplementationRef string    `json:"implementation_ref,omitempty"`
	QARef             string    `json:"qa_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type eventView struct {
	ID        string         `json:"id"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Drive fulfillment cases on the running server",
	Long: `Drive fulfillment cases on the running server.

A case starts ENGAGED when an outreach message gets through, and moves
ENGAGED -> AWAITING_PAYMENT -> PAYMENT_RECEIVED -> AWAITING_CREDENTIALS ->
CREDENTIALS_RECEIVED -> IMPLEMENTING -> AWAITING_QA -> QA_APPROVED -> NOTIFIED.
Any open case can be declined, which moves it to ABANDONED.`,
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/cases?limit=%d", limit)
		if state != "" {
			path += "&state=" + strings.ToUpper(state)
		}
		var cases []caseView
		if err := client.getJSON(cmd.Context(), path, &cases); err != nil {
			return err
		}
		if len(cases) == 0 {
			fmt.Println("No cases found.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, c := range cases {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				colorize(colorCyan, c.ID),
				c.State,
				c.UpdatedAt.Local().Format("2006-01-02 15:04"),
				c.Identity,
			)
		}
		return tw.Flush()
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a case and its event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var c caseView
		if err := client.getJSON(cmd.Context(), casePath(args[0]), &c); err != nil {
			return err
		}
		var events []eventView
		if err := client.getJSON(cmd.Context(), casePath(args[0], "events"), &events); err != nil {
			return err
		}

		if asJSON {
			return printJSON(struct {
				Case   caseView    `json:"case"`
				Events []eventView `json:"events"`
			}{c, events})
		}

		printStatus("Case", "%s", c.ID)
		printStatus("Site", "%s", c.URL)
		printStatus("State", "%s", colorize(colorBold, c.State))
		if c.PaymentRef != "" {
			printStatus("Payment", "%s", c.PaymentRef)
		}
		printStatus("Credentials", "%s", map[bool]string{true: "received (sealed)", false: "none"}[c.HasCredentials])
		if c.ImplementationRef != "" {
			printStatus("Implementation", "%s", c.ImplementationRef)
		}
		for _, ev := range events {
			from := ev.From
			if from == "" {
				from = "(new)"
			}
			line := fmt.Sprintf("  %s  %s -> %s", ev.CreatedAt.Local().Format("2006-01-02 15:04"), from, ev.To)
			if r, ok := ev.Detail["reason"].(string); ok && r != "" {
				line += "  (" + r + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var casesAcceptCmd = &cobra.Command{
	Use:   "accept <id>",
	Short: "Record that the owner accepted the offer and send a payment link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.postJSON(cmd.Context(), casePath(args[0], "accept"), nil, nil); err != nil {
			return conflictHint(err, args[0])
		}
		printSuccess("Case %s accepted, payment link queued", args[0])
		return nil
	},
}

var casesPaymentCmd = &cobra.Command{
	Use:   "payment <id> <payment-ref>",
	Short: "Confirm a payment received outside the Stripe webhook",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postCase(cmd, args[0], "payment", map[string]string{"payment_ref": args[1]}, "Payment recorded")
	},
}

// readSecret reads a line from stdin without echo when it is a terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var casesCredentialsCmd = &cobra.Command{
	Use:   "credentials <id>",
	Short: "Hand over the client's site credentials",
	Long: `Hand over the client's site credentials. The password is read from the
terminal (or stdin) and sealed by the server before it is stored.

Example:
  rankzen cases credentials 3f2a... --platform wordpress --username owner`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		loginURL, _ := cmd.Flags().GetString("login-url")
		username, _ := cmd.Flags().GetString("username")
		notes, _ := cmd.Flags().GetString("notes")

		if username == "" {
			return fmt.Errorf("--username is required")
		}
		password, err := readSecret("Password: ")
		if err != nil {
			return err
		}

		return postCase(cmd, args[0], "credentials", map[string]string{
			"platform":  platform,
			"login_url": loginURL,
			"username":  username,
			"password":  password,
			"notes":     notes,
		}, "Credentials sealed and stored")
	},
}

var casesImplementedCmd = &cobra.Command{
	Use:   "implemented <id> <ref>",
	Short: "Mark the implementation as done and send it to QA",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, _ := cmd.Flags().GetString("summary")
		return postCase(cmd, args[0], "implementation", map[string]string{"ref": args[1], "summary": summary}, "Implementation recorded")
	},
}

var casesQACmd = &cobra.Command{
	Use:   "qa <id>",
	Short: "Record the QA verdict (--approve or --reject)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approve, _ := cmd.Flags().GetBool("approve")
		reject, _ := cmd.Flags().GetBool("reject")
		reviewer, _ := cmd.Flags().GetString("reviewer")
		notes, _ := cmd.Flags().GetString("notes")

		if approve == reject {
			return fmt.Errorf("exactly one of --approve or --reject is required")
		}
		if reviewer == "" {
			reviewer = os.Getenv("USER")
		}
		msg := "QA approved, owner will be notified"
		if reject {
			msg = "QA rejected, rework dispatched"
		}
		return postCase(cmd, args[0], "qa", map[string]any{
			"reviewer": reviewer,
			"approved": approve,
			"notes":    notes,
		}, msg)
	},
}

var casesDeclineCmd = &cobra.Command{
	Use:   "decline <id>",
	Short: "Abandon a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return postCase(cmd, args[0], "decline", map[string]string{"reason": reason}, "Case abandoned")
	},
}

// postCase sends a case action and prints the resulting state.
func postCase(cmd *cobra.Command, id, action string, body any, msg string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var c caseView
	if err := client.postJSON(cmd.Context(), casePath(id, action), body, &c); err != nil {
		return conflictHint(err, id)
	}
	printSuccess("%s (%s is now %s)", msg, c.ID, c.State)
	return nil
}

// conflictHint points at `cases show` when the case was not in the state
// the action needs.
func conflictHint(err error, id string) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.conflict() {
		return fmt.Errorf("%w; see `rankzen cases show %s`", err, id)
	}
	return err
}

func init() {
	casesListCmd.Flags().String("state", "", "only list cases in this state")
	casesListCmd.Flags().Int("limit", 50, "maximum number of cases to list")
	casesShowCmd.Flags().Bool("json", false, "print raw JSON")

	casesCredentialsCmd.Flags().String("platform", "", "site platform, e.g. wordpress, wix, squarespace")
	casesCredentialsCmd.Flags().String("login-url", "", "admin login URL")
	casesCredentialsCmd.Flags().String("username", "", "login user name")
	casesCredentialsCmd.Flags().String("notes", "", "anything the implementer should know")

	casesImplementedCmd.Flags().String("summary", "", "what was changed")

	casesQACmd.Flags().Bool("approve", false, "approve the implementation")
	casesQACmd.Flags().Bool("reject", false, "send the implementation back for rework")
	casesQACmd.Flags().String("reviewer", "", "reviewer name (default $USER)")
	casesQACmd.Flags().String("notes", "", "review notes")

	casesDeclineCmd.Flags().String("reason", "declined", "why the case is abandoned")

	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	casesCmd.AddCommand(casesAcceptCmd)
	casesCmd.AddCommand(casesPaymentCmd)
	casesCmd.AddCommand(casesCredentialsCmd)
	casesCmd.AddCommand(casesImplementedCmd)
	casesCmd.AddCommand(casesQACmd)
	casesCmd.AddCommand(casesDeclineCmd)
}
