// Package catalog holds the adaptation measures and per-hazard scenario
// options offered to clients.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// HazardOptions lists what the model has data for under one hazard.
type HazardOptions struct {
	Years         []int                 `yaml:"years" json:"years"`
	Scenarios     []string              `yaml:"scenarios" json:"scenarios"`
	ReturnPeriods []domain.ReturnPeriod `yaml:"return_periods" json:"return_periods"`
	ImpactTypes   []string              `yaml:"impact_types" json:"impact_types"`
}

// Catalog is the parsed catalog file.
type Catalog struct {
	Hazards  map[domain.HazardType]HazardOptions `yaml:"hazards"`
	Measures []domain.MeasureRef                 `yaml:"measures"`
}

// Default returns the catalog built into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads the catalog at path, or the built-in one when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML catalog.
func Parse(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	for h, opts := range c.Hazards {
		slices.Sort(opts.Years)
		opts.Years = slices.Compact(opts.Years)
		c.Hazards[h] = opts
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	for h, opts := range c.Hazards {
		if !h.Valid() {
			return fmt.Errorf("catalog: unknown hazard type %q", h)
		}
		for _, rp := range opts.ReturnPeriods {
			if _, err := domain.ParseReturnPeriod(string(rp)); err != nil {
				return fmt.Errorf("catalog: hazard %s: %w", h, err)
			}
		}
	}
	seen := make(map[string]bool, len(c.Measures))
	for i, m := range c.Measures {
		if m.Slug == "" || m.Name == "" {
			return fmt.Errorf("catalog: measure %d needs a slug and a name", i)
		}
		if seen[m.Slug] {
			return fmt.Errorf("catalog: duplicate measure slug %q", m.Slug)
		}
		seen[m.Slug] = true
		if !m.HazardType.Valid() {
			return fmt.Errorf("catalog: measure %q has unknown hazard type %q", m.Slug, m.HazardType)
		}
	}
	return nil
}

// Years returns the scenario years available for hazard h, ascending.
func (c *Catalog) Years(h domain.HazardType) []int {
	return slices.Clone(c.Hazards[h].Years)
}

// Options returns the scenario options of hazard h.
func (c *Catalog) Options(h domain.HazardType) (HazardOptions, bool) {
	opts, ok := c.Hazards[h]
	return opts, ok
}

// MeasuresFor returns the measures applicable to hazard h, or every measure
// when h is empty.
func (c *Catalog) MeasuresFor(h domain.HazardType) []domain.MeasureRef {
	out := make([]domain.MeasureRef, 0, len(c.Measures))
	for _, m := range c.Measures {
		if h == "" || m.HazardType == h {
			out = append(out, m)
		}
	}
	return out
}

// Resolve looks up measures by slug, preserving order.
func (c *Catalog) Resolve(slugs []string) ([]domain.MeasureRef, error) {
	out := make([]domain.MeasureRef, 0, len(slugs))
	for _, slug := range slugs {
		i := slices.IndexFunc(c.Measures, func(m domain.MeasureRef) bool { return m.Slug == slug })
		if i < 0 {
			return nil, fmt.Errorf("%w: unknown measure %q", domain.ErrInvalidRequest, slug)
		}
		out = append(out, c.Measures[i])
	}
	return out, nil
}
