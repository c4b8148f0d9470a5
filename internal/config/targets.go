package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Industry is a business vertical and the search terms used to find it.
type Industry struct {
	Name  string   `yaml:"name" json:"name"`
	Terms []string `yaml:"terms,omitempty" json:"terms,omitempty"`
}

// UnmarshalYAML accepts either a bare name ("plumbers") or a mapping with
// explicit terms. A bare name picks up the built-in terms when it names a
// known industry.
func (i *Industry) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		i.Name = strings.TrimSpace(n.Value)
		i.Terms = builtinTerms[i.Name]
		return nil
	}
	type plain Industry
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*i = Industry(p)
	if len(i.Terms) == 0 {
		i.Terms = builtinTerms[i.Name]
	}
	return nil
}

// SearchTerms returns the terms to query for this industry, falling back to
// the industry name with underscores turned into spaces.
func (i Industry) SearchTerms() []string {
	if len(i.Terms) > 0 {
		return i.Terms
	}
	return []string{strings.ReplaceAll(i.Name, "_", " ")}
}

// Region is a searchable locality. Lower tiers are searched first.
type Region struct {
	Tier int    `yaml:"tier" json:"tier"`
	Name string `yaml:"name" json:"name"`
}

// Targets is the document shape of the targets file.
type Targets struct {
	Industries []Industry `yaml:"industries"`
	Regions    []Region   `yaml:"regions"`
}

// LoadTargets reads a YAML targets file. Regions come back ordered by tier,
// keeping file order within a tier.
func LoadTargets(path string) (Targets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Targets{}, fmt.Errorf("reading targets file: %w", err)
	}
	return ParseTargets(data)
}

func ParseTargets(data []byte) (Targets, error) {
	var t Targets
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Targets{}, fmt.Errorf("parsing targets: %w", err)
	}
	if len(t.Industries) == 0 {
		return Targets{}, errors.New("targets: at least one industry is required")
	}
	if len(t.Regions) == 0 {
		return Targets{}, errors.New("targets: at least one region is required")
	}
	for idx, r := range t.Regions {
		if strings.TrimSpace(r.Name) == "" {
			return Targets{}, fmt.Errorf("targets: region %d has no name", idx)
		}
		if r.Tier < 1 {
			t.Regions[idx].Tier = 1
		}
	}
	slices.SortStableFunc(t.Regions, func(a, b Region) int { return cmp.Compare(a.Tier, b.Tier) })
	return t, nil
}

var builtinTerms = map[string][]string{
	"landscaping": {"landscaping services", "lawn care", "garden maintenance", "landscape design", "landscaping company"},
	"real_estate": {"real estate agent", "real estate broker", "property management", "real estate agency", "realtor"},
	"plumbers":    {"plumbing services", "emergency plumber", "plumbing repair", "plumber near me", "plumbing company"},
	"hvac":        {"HVAC services", "air conditioning repair", "heating and cooling", "HVAC contractor", "HVAC company"},
	"roofers":     {"roofing services", "roof repair", "roofing contractor", "roof installation", "roofing company"},
	"lawyers":     {"personal injury lawyer", "immigration lawyer", "law firm", "attorney", "personal injury attorney"},
}

func defaultIndustries() []Industry {
	names := []string{"landscaping", "real_estate", "plumbers", "hvac", "roofers", "lawyers"}
	out := make([]Industry, 0, len(names))
	for _, n := range names {
		out = append(out, Industry{Name: n, Terms: builtinTerms[n]})
	}
	return out
}

func defaultRegions() []Region {
	var out []Region
	for _, n := range []string{
		"New York City", "Miami-Dade", "Austin", "Los Angeles", "Phoenix",
		"Brooklyn", "Queens", "Bronx", "Manhattan", "Staten Island",
	} {
		out = append(out, Region{Tier: 1, Name: n})
	}
	for _, n := range []string{"Dallas-Fort Worth", "Chicago", "Atlanta", "Denver", "Seattle"} {
		out = append(out, Region{Tier: 2, Name: n})
	}
	return out
}
