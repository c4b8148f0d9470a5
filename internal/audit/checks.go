package audit

import (
	"bytes"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Issue is a single detected problem on a page.
type Issue struct {
	Code        string `json:"code"`
	Severity    int    `json:"severity"`
	Deduction   int    `json:"deduction"`
	Description string `json:"description"`
}

// Page is everything the checks look at. Two equal Pages always analyze to
// the same score and issue order.
type Page struct {
	URL          string
	HTML         []byte
	ResponseTime time.Duration
}

// Thresholds tune the checks that compare against a limit.
type Thresholds struct {
	TitleMaxChars       int
	DescriptionMaxChars int
	SlowResponse        time.Duration
	MinAltRatio         float64
	MinWords            int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TitleMaxChars:       60,
		DescriptionMaxChars: 160,
		SlowResponse:        3 * time.Second,
		MinAltRatio:         0.8,
		MinWords:            300,
	}
}

// facts is what the checks need from a parsed page.
type facts struct {
	scheme       string
	title        string
	hasTitle     bool
	description  string
	hasMeta      bool
	hasViewport  bool
	h1Count      int
	images       int
	imagesAlt    int
	words        int
	responseTime time.Duration
}

type check struct {
	code      string
	deduction int
	severity  int
	detect    func(f facts, th Thresholds) (string, bool)
}

// checks is in check-id order. Ties in deduction keep this order.
var checks = []check{
	{"missing_title", 20, 3, func(f facts, _ Thresholds) (string, bool) {
		return "The page has no title tag, so search results show a generic heading.", !f.hasTitle || f.title == ""
	}},
	{"missing_meta", 20, 3, func(f facts, _ Thresholds) (string, bool) {
		return "The page has no meta description, so search engines pick a random snippet.", !f.hasMeta || f.description == ""
	}},
	{"no_h1", 15, 2, func(f facts, _ Thresholds) (string, bool) {
		return "The page has no main H1 heading describing what the business does.", f.h1Count == 0
	}},
	{"slow_response", 15, 2, func(f facts, th Thresholds) (string, bool) {
		return fmt.Sprintf("The page took %.1fs to load; visitors and search engines expect under %.0fs.",
			f.responseTime.Seconds(), th.SlowResponse.Seconds()), f.responseTime > th.SlowResponse
	}},
	{"no_viewport", 15, 2, func(f facts, _ Thresholds) (string, bool) {
		return "The page has no mobile viewport tag, so it renders poorly on phones.", !f.hasViewport
	}},
	{"missing_alt", 10, 2, func(f facts, th Thresholds) (string, bool) {
		if f.images == 0 {
			return "", false
		}
		missing := f.images - f.imagesAlt
		return fmt.Sprintf("%d of %d images have no alt text describing them.", missing, f.images),
			float64(f.imagesAlt)/float64(f.images) < th.MinAltRatio
	}},
	{"thin_content", 10, 2, func(f facts, th Thresholds) (string, bool) {
		return fmt.Sprintf("The page has only %d words of text; search engines favor pages with at least %d.",
			f.words, th.MinWords), f.words < th.MinWords
	}},
	{"no_https", 10, 2, func(f facts, _ Thresholds) (string, bool) {
		return "The site is not served over HTTPS, so browsers mark it as not secure.", f.scheme != "https"
	}},
	{"title_too_long", 5, 1, func(f facts, th Thresholds) (string, bool) {
		n := utf8.RuneCountInString(f.title)
		return fmt.Sprintf("The title is %d characters long and gets cut off in search results (limit %d).",
			n, th.TitleMaxChars), n > th.TitleMaxChars
	}},
	{"meta_too_long", 5, 1, func(f facts, th Thresholds) (string, bool) {
		n := utf8.RuneCountInString(f.description)
		return fmt.Sprintf("The meta description is %d characters long and gets truncated (limit %d).",
			n, th.DescriptionMaxChars), n > th.DescriptionMaxChars
	}},
	{"multiple_h1", 5, 1, func(f facts, _ Thresholds) (string, bool) {
		return fmt.Sprintf("The page has %d H1 headings; one clear main heading ranks better.", f.h1Count), f.h1Count > 1
	}},
}

var checkOrder = func() map[string]int {
	m := make(map[string]int, len(checks))
	for i, c := range checks {
		m[c.code] = i
	}
	return m
}()

// Priority is the fixed tie-break position of an issue code. Unknown codes
// sort after every known one.
func Priority(code string) int {
	if i, ok := checkOrder[code]; ok {
		return i
	}
	return len(checks)
}

// Codes lists every check code in check-id order.
func Codes() []string {
	out := make([]string, len(checks))
	for i, c := range checks {
		out[i] = c.code
	}
	return out
}

// Analyze runs the check battery over p. The score is 100 minus the sum of
// deductions, floored at 0. Issues are ordered by deduction descending, then
// by check-id order.
func Analyze(p Page, th Thresholds) (int, []Issue, error) {
	f, err := extract(p)
	if err != nil {
		return 0, nil, err
	}

	score := 100
	var issues []Issue
	for _, c := range checks {
		desc, hit := c.detect(f, th)
		if !hit {
			continue
		}
		score -= c.deduction
		issues = append(issues, Issue{
			Code:        c.code,
			Severity:    c.severity,
			Deduction:   c.deduction,
			Description: desc,
		})
	}
	slices.SortStableFunc(issues, func(a, b Issue) int {
		return b.Deduction - a.Deduction
	})
	return max(0, score), issues, nil
}

func extract(p Page) (facts, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.HTML))
	if err != nil {
		return facts{}, fmt.Errorf("parsing html: %w", err)
	}

	f := facts{responseTime: p.ResponseTime}
	if u, err := url.Parse(p.URL); err == nil {
		f.scheme = strings.ToLower(u.Scheme)
	}

	if t := doc.Find("title").First(); t.Length() > 0 {
		f.hasTitle = true
		f.title = collapse(t.Text())
	}
	doc.Find("meta").Each(func(_ int, m *goquery.Selection) {
		name, _ := m.Attr("name")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "description":
			if !f.hasMeta {
				f.hasMeta = true
				content, _ := m.Attr("content")
				f.description = collapse(content)
			}
		case "viewport":
			f.hasViewport = true
		}
	})
	f.h1Count = doc.Find("h1").Length()
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		f.images++
		if alt, ok := img.Attr("alt"); ok && strings.TrimSpace(alt) != "" {
			f.imagesAlt++
		}
	})

	body := doc.Find("body")
	body.Find("script, style, noscript, template").Remove()
	f.words = len(strings.Fields(body.Text()))
	return f, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
