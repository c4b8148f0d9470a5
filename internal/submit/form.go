package submit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/kalambet/rankzen/internal/captcha"
)

const maxPageBytes = 2 << 20

var contactPaths = []string{"/contact", "/contact-us", "/contact.html", "/contact-us/", "/get-a-quote"}

var formKeywords = []string{"contact", "message", "inquiry", "enquiry", "quote", "consultation", "appointment", "booking", "request"}

var successMarkers = []string{"thank you", "thanks for", "message sent", "message has been sent", "we'll be in touch", "we will be in touch", "received your", "successfully submitted", "submission received"}

var errorMarkers = []string{"please correct", "is required", "required field", "invalid email", "there was an error", "failed to send", "try again"}

// errHTTPStatus carries a non-2xx status from the target site.
type errHTTPStatus struct {
	url    string
	status int
}

func (e *errHTTPStatus) Error() string {
	return fmt.Sprintf("%s answered HTTP %d", e.url, e.status)
}

// FormDriver is a Browser that works over plain HTTP: it parses pages with
// goquery, fills the best-looking contact form and posts it.
type FormDriver struct {
	client          *http.Client
	userAgent       string
	solver          captcha.Solver
	captchaAttempts int
	logger          *slog.Logger
}

type FormDriverOptions struct {
	HTTPClient *http.Client
	UserAgent  string
	// Solver may be nil, in which case any CAPTCHA blocks the submission.
	Solver          captcha.Solver
	CaptchaAttempts int
}

func NewFormDriver(opts FormDriverOptions) *FormDriver {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if client.Jar == nil {
		jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		c := *client
		c.Jar = jar
		client = &c
	}
	if opts.CaptchaAttempts <= 0 {
		opts.CaptchaAttempts = 2
	}
	return &FormDriver{
		client:          client,
		userAgent:       opts.UserAgent,
		solver:          opts.Solver,
		captchaAttempts: opts.CaptchaAttempts,
		logger:          slog.Default(),
	}
}

type page struct {
	url *url.URL
	doc *goquery.Document
}

// FindAndSubmitForm looks for a contact form on siteURL, then on pages it
// links to as contact pages, then on common contact paths.
func (d *FormDriver) FindAndSubmitForm(ctx context.Context, siteURL string, f Fields) (string, error) {
	home, err := d.get(ctx, siteURL)
	if err != nil {
		return d.rawForError(err)
	}

	pg, form := home, bestForm(home.doc)
	if form == nil {
		for _, next := range d.contactCandidates(home) {
			p, err := d.get(ctx, next)
			if err != nil {
				var hs *errHTTPStatus
				if errors.As(err, &hs) && hs.status != http.StatusTooManyRequests {
					continue
				}
				return d.rawForError(err)
			}
			if fm := bestForm(p.doc); fm != nil {
				pg, form = p, fm
				break
			}
		}
	}
	if form == nil {
		return RawFormNotFound, nil
	}

	values := fillForm(form, f)

	if ch, ok := captcha.Detect(form, pg.url.String()); ok {
		token, err := d.solve(ctx, ch)
		if err != nil {
			d.logger.Info("captcha not solved", "url", pg.url.String(), "kind", ch.Kind, "error", err)
			return RawCaptchaBlocked, nil
		}
		values.Set(ch.ResponseField(), token)
	}

	return d.post(ctx, pg.url, form, values)
}

func (d *FormDriver) solve(ctx context.Context, ch captcha.Challenge) (string, error) {
	if d.solver == nil {
		return "", captcha.ErrUnsolvable
	}
	var lastErr error
	for range d.captchaAttempts {
		if ch.Kind == captcha.KindImage && len(ch.Image) == 0 && ch.ImageURL != "" {
			img, err := d.fetchBytes(ctx, ch.ImageURL)
			if err != nil {
				lastErr = err
				continue
			}
			ch.Image = img
		}
		token, err := d.solver.Solve(ctx, ch)
		if err == nil && token != "" {
			return token, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = captcha.ErrUnsolvable
	}
	return "", lastErr
}

func (d *FormDriver) post(ctx context.Context, base *url.URL, form *goquery.Selection, values url.Values) (string, error) {
	action, _ := form.Attr("action")
	target := base
	if strings.TrimSpace(action) != "" {
		ref, err := url.Parse(strings.TrimSpace(action))
		if err != nil {
			return "", fmt.Errorf("form action %q: %w", action, err)
		}
		target = base.ResolveReference(ref)
	}

	method, _ := form.Attr("method")
	var req *http.Request
	var err error
	if strings.EqualFold(method, http.MethodGet) {
		u := *target
		u.RawQuery = values.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return "", fmt.Errorf("creating submit request: %w", err)
	}
	d.setHeaders(req)
	req.Header.Set("Referer", base.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting form: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return RawRateLimited, nil
	}
	if resp.StatusCode >= 400 {
		return "", &errHTTPStatus{url: target.String(), status: resp.StatusCode}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	text := strings.ToLower(visibleText(body))
	for _, m := range successMarkers {
		if strings.Contains(text, m) {
			return RawSubmitted, nil
		}
	}
	for _, m := range errorMarkers {
		if strings.Contains(text, m) {
			return RawRejected, fmt.Errorf("form rejected the submission (%q)", m)
		}
	}
	return RawSubmitted, nil
}

func (d *FormDriver) get(ctx context.Context, rawURL string) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return page{}, err
	}
	d.setHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return page{}, &errHTTPStatus{url: rawURL, status: resp.StatusCode}
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return page{}, fmt.Errorf("parsing %s: %w", rawURL, err)
	}
	return page{url: resp.Request.URL, doc: doc}, nil
}

func (d *FormDriver) fetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	d.setHeaders(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &errHTTPStatus{url: rawURL, status: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
}

func (d *FormDriver) setHeaders(req *http.Request) {
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
}

// rawForError turns a fetch failure into a raw token where one applies.
func (d *FormDriver) rawForError(err error) (string, error) {
	var hs *errHTTPStatus
	if errors.As(err, &hs) && hs.status == http.StatusTooManyRequests {
		return RawRateLimited, nil
	}
	return "", err
}

// contactCandidates lists same-host pages likely to carry a contact form:
// linked contact pages first, then common paths.
func (d *FormDriver) contactCandidates(home page) []string {
	seen := map[string]bool{home.url.String(): true}
	var out []string
	add := func(u *url.URL) {
		u.Fragment = ""
		s := u.String()
		if !seen[s] && strings.EqualFold(u.Hostname(), home.url.Hostname()) {
			seen[s] = true
			out = append(out, s)
		}
	}

	home.doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		label := strings.ToLower(a.Text() + " " + href)
		if !strings.Contains(label, "contact") && !strings.Contains(label, "quote") {
			return
		}
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			add(home.url.ResolveReference(ref))
		}
	})
	for _, p := range contactPaths {
		add(home.url.ResolveReference(&url.URL{Path: p}))
	}
	if len(out) > 6 {
		out = out[:6]
	}
	return out
}

// bestForm picks the form most likely to be a contact form, or nil.
// Search, login and newsletter-only forms are ignored.
func bestForm(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestScore := 0
	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		if form.Find(`input[type="password"]`).Length() > 0 {
			return
		}
		if role, _ := form.Attr("role"); role == "search" {
			return
		}
		hasTextarea := form.Find("textarea").Length() > 0
		hasEmail := form.Find(`input[type="email"]`).Length() > 0 || form.Find(`input[name*="mail"]`).Length() > 0
		if !hasTextarea && !hasEmail {
			return
		}

		score := 0
		if hasTextarea {
			score += 3
		}
		if hasEmail {
			score += 2
		}
		action, _ := form.Attr("action")
		id, _ := form.Attr("id")
		class, _ := form.Attr("class")
		attrs := strings.ToLower(action + " " + id + " " + class)
		if strings.Contains(attrs, "search") || strings.Contains(attrs, "login") {
			return
		}
		for _, k := range formKeywords {
			if strings.Contains(attrs, k) {
				score += 2
				break
			}
		}
		if !hasTextarea && strings.Contains(attrs, "newsletter") {
			return
		}
		if score > bestScore {
			best, bestScore = form, score
		}
	})
	return best
}

// fillForm builds the submission values for form from f.
func fillForm(form *goquery.Selection, f Fields) url.Values {
	v := url.Values{}
	radios := map[string]bool{}

	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		typ := strings.ToLower(in.AttrOr("type", "text"))
		value := in.AttrOr("value", "")
		switch typ {
		case "hidden":
			v.Set(name, value)
		case "submit", "button", "image", "reset", "file", "password":
		case "checkbox":
			_, required := in.Attr("required")
			_, checked := in.Attr("checked")
			if required || checked || containsAny(strings.ToLower(name), "consent", "agree", "privacy", "terms") {
				v.Set(name, orDefault(value, "on"))
			}
		case "radio":
			_, checked := in.Attr("checked")
			if checked || !radios[name] {
				v.Set(name, orDefault(value, "on"))
				radios[name] = true
			}
		default:
			if val := valueFor(in, typ, f); val != "" {
				v.Set(name, val)
			} else if value != "" {
				v.Set(name, value)
			}
		}
	})

	form.Find("textarea").Each(func(_ int, ta *goquery.Selection) {
		if name, ok := ta.Attr("name"); ok && name != "" {
			v.Set(name, f.Message)
		}
	})

	form.Find("select").Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		sel.Find("option").EachWithBreak(func(_ int, opt *goquery.Selection) bool {
			val := opt.AttrOr("value", strings.TrimSpace(opt.Text()))
			if val == "" {
				return true
			}
			v.Set(name, val)
			return false
		})
	})

	if btn := form.Find(`button[type="submit"][name], input[type="submit"][name]`).First(); btn.Length() > 0 {
		v.Set(btn.AttrOr("name", ""), btn.AttrOr("value", ""))
	}
	return v
}

// valueFor picks the requester field for a text-like input from its type,
// name, id and placeholder.
func valueFor(in *goquery.Selection, typ string, f Fields) string {
	key := strings.ToLower(in.AttrOr("name", "") + " " + in.AttrOr("id", "") + " " + in.AttrOr("placeholder", ""))
	first, last, _ := strings.Cut(f.Name, " ")
	switch {
	case typ == "email" || containsAny(key, "email", "e-mail"):
		return f.Email
	case typ == "tel" || containsAny(key, "phone", "tel", "mobile"):
		return f.Phone
	case containsAny(key, "subject", "topic", "regarding"):
		return f.Subject
	case containsAny(key, "company", "business", "organization", "organisation"):
		return f.Company
	case typ == "url" || containsAny(key, "website", "url", "site"):
		return f.Website
	case containsAny(key, "first"):
		return first
	case containsAny(key, "last", "surname"):
		return orDefault(last, first)
	case containsAny(key, "name"):
		return f.Name
	case containsAny(key, "message", "comment", "inquiry", "enquiry", "details", "description", "question"):
		return f.Message
	}
	return ""
}

func visibleText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
