// Package discovery finds candidate business websites by querying a search
// API for industry terms in each target region.
package discovery

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/rankzen/internal/config"
	"github.com/kalambet/rankzen/internal/site"
)

// Query is one search: an industry term in a region.
type Query struct {
	Industry string
	Term     string
	Region   string
}

// directorySites are excluded from both the search query and the results.
var directorySites = []string{
	"google.com", "yelp.com", "facebook.com", "yellowpages.com", "angieslist.com",
	"homeadvisor.com", "thumbtack.com", "nextdoor.com",
}

// parkedSites never host a real business's own site.
var parkedSites = []string{
	"hugedomains.com", "godaddy.com", "domain.com", "namecheap.com",
	"squarespace.com", "wix.com", "weebly.com", "wordpress.com", "instagram.com",
}

var excluded = func() map[string]bool {
	m := make(map[string]bool)
	for _, d := range directorySites {
		m[d] = true
	}
	for _, d := range parkedSites {
		m[d] = true
	}
	return m
}()

// Text renders q as a search string that favors small business sites with a
// contact page and filters out directories.
func (q Query) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q %q %q %q", q.Term, q.Region, "contact us", "about us")
	for _, d := range directorySites {
		b.WriteString(" -site:" + d)
	}
	return b.String()
}

// Excluded reports whether rawURL belongs to a directory, social network or
// site builder rather than a business.
func Excluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return true
	}
	return excluded[site.RegistrableDomain(u.Hostname())]
}

// Queries expands industries and regions into search queries, regions in
// tier order and each industry's terms in order within a region.
func Queries(industries []config.Industry, regions []config.Region) []Query {
	var qs []Query
	for _, r := range regions {
		for _, ind := range industries {
			for _, term := range ind.SearchTerms() {
				qs = append(qs, Query{Industry: ind.Name, Term: term, Region: r.Name})
			}
		}
	}
	return qs
}

// Searcher runs one query against a search backend.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]site.Candidate, error)
}

// Source yields candidates lazily, one query at a time, dropping duplicates
// by identity. A failed query is logged and skipped.
type Source struct {
	searcher Searcher
	queries  []Query
	timeout  time.Duration
	logger   *slog.Logger
}

func NewSource(s Searcher, queries []Query) *Source {
	return &Source{searcher: s, queries: queries, timeout: 30 * time.Second, logger: slog.Default()}
}

// Candidates returns a fresh sequence over all queries. Each call starts
// from the first query.
func (s *Source) Candidates(ctx context.Context) iter.Seq[site.Candidate] {
	return func(yield func(site.Candidate) bool) {
		seen := make(map[site.Identity]bool)
		for _, q := range s.queries {
			if ctx.Err() != nil {
				return
			}
			qctx, cancel := context.WithTimeout(ctx, s.timeout)
			results, err := s.searcher.Search(qctx, q)
			cancel()
			if err != nil {
				s.logger.Warn("discovery query failed", "term", q.Term, "region", q.Region, "error", err)
				continue
			}
			for _, c := range results {
				id, err := site.Normalize(c.URL)
				if err != nil || seen[id] || Excluded(c.URL) {
					continue
				}
				seen[id] = true
				if !yield(c) {
					return
				}
			}
		}
	}
}
