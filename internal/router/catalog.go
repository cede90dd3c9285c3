// Package router picks a route for every request: a static catalog filtered
// by hard constraints, then Thompson sampling over Beta posteriors to choose
// among the survivors. Outcomes feed back as rewards.
package router

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/ocx/gateway/internal/core"
)

// Catalog is the immutable set of routes the router selects from.
type Catalog struct {
	routes []core.Route
	byName map[string]core.Route
}

type catalogFile struct {
	Routes []core.Route `yaml:"routes"`
}

// LoadCatalog reads a route catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route catalog: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parse route catalog: %w", err)
	}
	return NewCatalog(cf.Routes)
}

// DefaultCatalog builds the built-in three-route catalog from the configured
// primary and lite models.
func DefaultCatalog(defaultModel, fallbackModel string) *Catalog {
	c, _ := NewCatalog([]core.Route{
		{
			Name:         "lite-fast",
			Model:        fallbackModel,
			LatencyClass: core.LatencyFast,
			CostPer1K:    0.2,
			Quality:      core.QualityLow,
		},
		{
			Name:         "primary-standard",
			Model:        defaultModel,
			LatencyClass: core.LatencyStandard,
			CostPer1K:    1.0,
			Quality:      core.QualityStandard,
			Fallbacks:    []string{"lite-fast"},
		},
		{
			Name:         "primary-deep",
			Model:        defaultModel,
			LatencyClass: core.LatencySlow,
			CostPer1K:    1.5,
			Quality:      core.QualityHigh,
			Fallbacks:    []string{"primary-standard", "lite-fast"},
		},
	})
	return c
}

// NewCatalog validates the route set: unique names, resolvable fallbacks, no
// self-referencing chains.
func NewCatalog(routes []core.Route) (*Catalog, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("route catalog is empty")
	}
	byName := make(map[string]core.Route, len(routes))
	for _, r := range routes {
		if r.Name == "" || r.Model == "" {
			return nil, fmt.Errorf("route %q missing name or model", r.Name)
		}
		if _, dup := byName[r.Name]; dup {
			return nil, fmt.Errorf("duplicate route %q", r.Name)
		}
		byName[r.Name] = r
	}
	for _, r := range routes {
		for _, fb := range r.Fallbacks {
			if fb == r.Name {
				return nil, fmt.Errorf("route %q falls back to itself", r.Name)
			}
			if _, ok := byName[fb]; !ok {
				return nil, fmt.Errorf("route %q fallback %q not in catalog", r.Name, fb)
			}
		}
	}
	return &Catalog{routes: routes, byName: byName}, nil
}

// Routes returns the catalog in declaration order.
func (c *Catalog) Routes() []core.Route {
	out := make([]core.Route, len(c.routes))
	copy(out, c.routes)
	return out
}

// Lookup resolves one route by name.
func (c *Catalog) Lookup(name string) (core.Route, bool) {
	r, ok := c.byName[name]
	return r, ok
}

// Chain returns the route followed by its resolved fallbacks, in order. Each
// entry is tried at most once per request.
func (c *Catalog) Chain(name string) []core.Route {
	r, ok := c.byName[name]
	if !ok {
		return nil
	}
	chain := []core.Route{r}
	for _, fb := range r.Fallbacks {
		if next, ok := c.byName[fb]; ok {
			chain = append(chain, next)
		}
	}
	return chain
}
