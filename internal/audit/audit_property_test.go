package audit

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func buildPage(title string, h1s, imgs, alts, wordCount int, viewport bool) string {
	var b strings.Builder
	b.WriteString("<html><head>")
	if title != "" {
		b.WriteString("<title>" + title + "</title>")
	}
	if viewport {
		b.WriteString(`<meta name="viewport" content="width=device-width">`)
	}
	b.WriteString("</head><body>")
	for range h1s {
		b.WriteString("<h1>heading</h1>")
	}
	for i := range imgs {
		if i < alts {
			b.WriteString(`<img src="x" alt="photo">`)
		} else {
			b.WriteString(`<img src="x">`)
		}
	}
	b.WriteString("<p>" + words(wordCount) + "</p></body></html>")
	return b.String()
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical pages give identical results", prop.ForAll(
		func(title string, h1s, imgs, alts, wordCount, ms int, viewport bool) bool {
			p := Page{
				URL:          "https://acme.com",
				HTML:         []byte(buildPage(title, h1s, imgs, alts, wordCount, viewport)),
				ResponseTime: time.Duration(ms) * time.Millisecond,
			}
			s1, i1, err1 := Analyze(p, DefaultThresholds())
			s2, i2, err2 := Analyze(p, DefaultThresholds())
			return err1 == nil && err2 == nil && s1 == s2 && reflect.DeepEqual(i1, i2)
		},
		gen.AlphaString(),
		gen.IntRange(0, 3),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.IntRange(0, 600),
		gen.IntRange(0, 6000),
		gen.Bool(),
	))

	properties.Property("score is 100 minus deductions and issues are ordered", prop.ForAll(
		func(h1s, imgs, wordCount, ms int, viewport bool) bool {
			p := Page{
				URL:          "http://acme.com",
				HTML:         []byte(buildPage("", h1s, imgs, 0, wordCount, viewport)),
				ResponseTime: time.Duration(ms) * time.Millisecond,
			}
			score, issues, err := Analyze(p, DefaultThresholds())
			if err != nil {
				return false
			}
			sum := 0
			for i, is := range issues {
				sum += is.Deduction
				if i == 0 {
					continue
				}
				prev := issues[i-1]
				if prev.Deduction < is.Deduction {
					return false
				}
				if prev.Deduction == is.Deduction && Priority(prev.Code) > Priority(is.Code) {
					return false
				}
			}
			return score == max(0, 100-sum) && score >= 0 && score <= 100
		},
		gen.IntRange(0, 3),
		gen.IntRange(0, 5),
		gen.IntRange(0, 600),
		gen.IntRange(0, 6000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
