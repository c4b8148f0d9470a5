// Package captcha detects CAPTCHA widgets on a page and solves them through
// the 2Captcha HTTP API.
package captcha

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type Kind string

const (
	KindRecaptcha Kind = "recaptcha"
	KindHCaptcha  Kind = "hcaptcha"
	KindTurnstile Kind = "turnstile"
	KindImage     Kind = "image"
)

// ErrUnsolvable means the solver gave up on a challenge.
var ErrUnsolvable = errors.New("captcha could not be solved")

// Challenge is a CAPTCHA found on a page.
type Challenge struct {
	Kind    Kind
	SiteKey string
	PageURL string
	// For image challenges: where the image lives and which input takes the answer.
	ImageURL   string
	Image      []byte
	AnswerName string
}

// ResponseField is the form field a solved token is posted in.
func (c Challenge) ResponseField() string {
	switch c.Kind {
	case KindRecaptcha:
		return "g-recaptcha-response"
	case KindHCaptcha:
		return "h-captcha-response"
	case KindTurnstile:
		return "cf-turnstile-response"
	default:
		return c.AnswerName
	}
}

// Solver turns a Challenge into the value to submit.
type Solver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

var renderKey = regexp.MustCompile(`[?&]render=([A-Za-z0-9_-]{20,})`)

// Detect looks for a CAPTCHA inside scope (usually a form, or the whole
// document). pageURL resolves relative image sources.
func Detect(scope *goquery.Selection, pageURL string) (Challenge, bool) {
	widgets := []struct {
		sel  string
		kind Kind
	}{
		{".g-recaptcha[data-sitekey], [data-sitekey].recaptcha", KindRecaptcha},
		{".h-captcha[data-sitekey]", KindHCaptcha},
		{".cf-turnstile[data-sitekey]", KindTurnstile},
	}
	for _, w := range widgets {
		if n := scope.Find(w.sel).First(); n.Length() > 0 {
			key, _ := n.Attr("data-sitekey")
			return Challenge{Kind: w.kind, SiteKey: key, PageURL: pageURL}, true
		}
	}

	root := scope
	if doc := scope.Closest("html"); doc.Length() > 0 {
		root = doc
	}
	var found Challenge
	ok := false
	root.Find("script[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		switch {
		case strings.Contains(src, "recaptcha/api.js") || strings.Contains(src, "recaptcha/enterprise.js"):
			found = Challenge{Kind: KindRecaptcha, PageURL: pageURL}
			if m := renderKey.FindStringSubmatch(src); m != nil {
				found.SiteKey = m[1]
			}
			ok = true
		case strings.Contains(src, "hcaptcha.com/1/api.js"):
			found, ok = Challenge{Kind: KindHCaptcha, PageURL: pageURL}, true
		case strings.Contains(src, "challenges.cloudflare.com/turnstile"):
			found, ok = Challenge{Kind: KindTurnstile, PageURL: pageURL}, true
		}
		return !ok
	})
	if ok {
		return found, true
	}

	input := scope.Find(`input[name*="captcha" i]`).First()
	img := scope.Find(`img[src*="captcha" i], img[id*="captcha" i], img[class*="captcha" i]`).First()
	if input.Length() > 0 && img.Length() > 0 {
		name, _ := input.Attr("name")
		src, _ := img.Attr("src")
		return Challenge{Kind: KindImage, PageURL: pageURL, ImageURL: resolve(pageURL, src), AnswerName: name}, true
	}
	return Challenge{}, false
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
