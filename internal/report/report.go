// Package report turns audit issues into a short outreach message.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/rankzen/internal/audit"
	"github.com/kalambet/rankzen/internal/textgen"
)

const (
	defaultMaxChars     = 1200
	defaultTimeout      = 20 * time.Second
	maxDescriptionRunes = 200
	maxHostRunes        = 60
	maxSenderRunes      = 60
	// minBodyRunes keeps room for at least one issue line after the
	// opening and closing take their share.
	minBodyRunes = 120
	ellipsis     = "…"
)

// MinMaxChars is the smallest message bound that always fits the opening,
// the closing and one issue line, whatever the host and sender are.
const MinMaxChars = 600

// Report is a composed outreach message.
type Report struct {
	Text      string        `json:"text"`
	Issues    []audit.Issue `json:"issues"`
	Fallback  bool          `json:"fallback"`
	Truncated bool          `json:"truncated"`
}

// Sender is who signs the message.
type Sender struct {
	Name    string
	Company string
	Website string
}

type Options struct {
	Generator textgen.Generator // nil means always use the template body
	MaxChars  int
	Tone      string
	Timeout   time.Duration
	Sender    Sender
}

// Composer builds messages from a fixed opening and closing around a body
// phrased by a text generator, or by a template when the generator fails.
type Composer struct {
	gen      textgen.Generator
	maxChars int
	tone     string
	timeout  time.Duration
	sender   Sender
	logger   *slog.Logger
}

func New(opts Options) *Composer {
	if opts.MaxChars <= 0 {
		opts.MaxChars = defaultMaxChars
	}
	if opts.MaxChars < MinMaxChars {
		slog.Warn("report bound too small for the fixed message parts, raising it",
			"max_chars", opts.MaxChars, "min", MinMaxChars)
		opts.MaxChars = MinMaxChars
	}
	opts.Sender = Sender{
		Name:    sanitize(opts.Sender.Name, maxSenderRunes),
		Company: sanitize(opts.Sender.Company, maxSenderRunes),
		Website: sanitize(opts.Sender.Website, maxSenderRunes),
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Tone == "" {
		opts.Tone = "friendly"
	}
	return &Composer{
		gen:      opts.Generator,
		maxChars: opts.MaxChars,
		tone:     opts.Tone,
		timeout:  opts.Timeout,
		sender:   opts.Sender,
		logger:   slog.Default(),
	}
}

// TopIssues returns up to n issues ordered by severity descending, ties
// broken by the fixed check-id priority.
func TopIssues(issues []audit.Issue, n int) []audit.Issue {
	sorted := slices.Clone(issues)
	slices.SortStableFunc(sorted, func(a, b audit.Issue) int {
		if a.Severity != b.Severity {
			return b.Severity - a.Severity
		}
		return audit.Priority(a.Code) - audit.Priority(b.Code)
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Compose writes the message for res using its top maxIssues issues. It
// never fails: a generator error, an empty reply or a reply that does not
// fit falls back to the template body. Only the body is ever truncated.
func (c *Composer) Compose(ctx context.Context, res audit.Result, maxIssues int) Report {
	top := TopIssues(res.Issues, maxIssues)
	for i := range top {
		top[i].Description = sanitize(top[i].Description, maxDescriptionRunes)
		if top[i].Description == "" {
			top[i].Description = strings.ReplaceAll(top[i].Code, "_", " ")
		}
	}

	host := siteName(res.URL)
	opening := c.opening(host, res.Score)
	closing := c.closing()
	budget := c.maxChars - runes(opening) - runes(closing)

	body, fallback := c.generate(ctx, host, res.Score, top, budget)
	if fallback {
		body = templateBody(top)
	}

	truncated := false
	if runes(body) > budget {
		body = truncate(body, budget)
		truncated = true
	}

	return Report{
		Text:      opening + body + closing,
		Issues:    top,
		Fallback:  fallback,
		Truncated: truncated,
	}
}

// generate returns the generator's body, or fallback=true when the template
// must be used instead.
func (c *Composer) generate(ctx context.Context, host string, score int, top []audit.Issue, budget int) (string, bool) {
	if c.gen == nil || len(top) == 0 {
		return "", true
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := textgen.Request{Site: host, Score: score, Tone: c.tone, MaxChars: budget}
	for _, is := range top {
		req.Issues = append(req.Issues, textgen.Issue{Code: is.Code, Description: is.Description})
	}

	text, err := c.gen.Generate(ctx, req)
	if err != nil {
		c.logger.Warn("report text generation failed, using template", "site", host, "error", err)
		return "", true
	}
	text = sanitizeBody(text)
	if text == "" {
		c.logger.Warn("report text generation returned nothing, using template", "site", host)
		return "", true
	}
	if runes(text) > budget {
		c.logger.Warn("report text generation exceeded length bound, using template",
			"site", host, "chars", runes(text), "budget", budget)
		return "", true
	}
	return text, false
}

func (c *Composer) opening(host string, score int) string {
	return fmt.Sprintf("Hi there,\n\nI ran a quick SEO check on %s and it scored %d out of 100. A few things are holding it back in search results:\n\n", host, score)
}

func (c *Composer) closing() string {
	var b strings.Builder
	b.WriteString("\n\nThese are quick fixes and I'd be happy to take care of them for you. Just reply if you'd like the details.")
	sig := strings.TrimSpace(c.sender.Name)
	if sig != "" {
		b.WriteString("\n\n" + sig)
	}
	var line []string
	if s := strings.TrimSpace(c.sender.Company); s != "" {
		line = append(line, s)
	}
	if s := strings.TrimSpace(c.sender.Website); s != "" {
		line = append(line, s)
	}
	if len(line) > 0 {
		if sig == "" {
			b.WriteString("\n")
		}
		b.WriteString("\n" + strings.Join(line, " | "))
	}
	return b.String()
}

func templateBody(issues []audit.Issue) string {
	if len(issues) == 0 {
		return "- The basics look fine, but there is room to stand out more in local search."
	}
	lines := make([]string, len(issues))
	for i, is := range issues {
		lines[i] = "- " + is.Description
	}
	return strings.Join(lines, "\n")
}

func siteName(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return sanitize(strings.TrimPrefix(u.Hostname(), "www."), maxHostRunes)
	}
	return sanitize(raw, maxHostRunes)
}

// sanitize strips control characters, collapses whitespace and caps the
// result at limit runes.
func sanitize(s string, limit int) string {
	return truncate(clean(s), limit)
}

func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// sanitizeBody cleans multi-paragraph text: line breaks survive, other
// control characters and markdown markers do not.
func sanitizeBody(s string) string {
	var out []string
	for _, p := range strings.Split(s, "\n") {
		p = strings.Trim(clean(p), "*#_`- ")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// truncate cuts s to at most limit runes, preferring a word boundary, and
// marks the cut with an ellipsis.
func truncate(s string, limit int) string {
	if runes(s) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	head := string([]rune(s)[:limit-1])
	if i := strings.LastIndexFunc(head, unicode.IsSpace); i > len(head)/2 {
		head = strings.TrimRightFunc(head[:i], unicode.IsSpace)
	}
	return head + ellipsis
}

func runes(s string) int {
	return utf8.RuneCountInString(s)
}
