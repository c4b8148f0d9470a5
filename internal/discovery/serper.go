package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/rankzen/internal/site"
)

const defaultSerperURL = "https://google.serper.dev"

// Serper searches Google through the serper.dev API.
type Serper struct {
	apiKey     string
	baseURL    string
	perPage    int
	pages      int
	httpClient *http.Client
	now        func() time.Time
}

// NewSerper creates a client that keeps perPage organic results from each
// of the first pages result pages.
func NewSerper(apiKey string, perPage, pages int) *Serper {
	if perPage <= 0 {
		perPage = 5
	}
	if pages <= 0 {
		pages = 1
	}
	return &Serper{
		apiKey:     apiKey,
		baseURL:    defaultSerperURL,
		perPage:    perPage,
		pages:      pages,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		now:        time.Now,
	}
}

// NewSerperWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewSerperWithBaseURL(apiKey, baseURL string, perPage, pages int) *Serper {
	s := NewSerper(apiKey, perPage, pages)
	s.baseURL = strings.TrimRight(baseURL, "/")
	return s
}

type serperRequest struct {
	Q    string `json:"q"`
	Num  int    `json:"num"`
	GL   string `json:"gl"`
	HL   string `json:"hl"`
	Page int    `json:"page,omitempty"`
}

type serperResponse struct {
	Organic []struct {
		Title string `json:"title"`
		Link  string `json:"link"`
	} `json:"organic"`
}

// Search fetches the configured result pages concurrently and returns
// their candidates in page order.
func (s *Serper) Search(ctx context.Context, q Query) ([]site.Candidate, error) {
	pages := make([][]string, s.pages)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(3)

	for i := range s.pages {
		g.Go(func() error {
			links, err := s.searchPage(gCtx, q.Text(), i+1)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			pages[i] = links
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := s.now()
	var out []site.Candidate
	for _, links := range pages {
		for _, link := range links {
			out = append(out, site.Candidate{
				URL:          site.StripTracking(link),
				Industry:     q.Industry,
				Region:       q.Region,
				DiscoveredAt: now,
			})
		}
	}
	return out, nil
}

func (s *Serper) searchPage(ctx context.Context, text string, page int) ([]string, error) {
	sr := serperRequest{Q: text, Num: 10, GL: "us", HL: "en"}
	if page > 1 {
		sr.Page = page
	}
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("serper returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding serper response: %w", err)
	}

	var links []string
	for _, r := range result.Organic {
		if r.Link == "" || Excluded(r.Link) {
			continue
		}
		links = append(links, r.Link)
		if len(links) == s.perPage {
			break
		}
	}
	return links, nil
}
