// Package markets supplies the markets the ledger trades: a YAML seed
// catalog and a generator for live soccer propositions.
package markets

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed markets.yaml
var defaultCatalog []byte

// Entry is one market in a catalog file. Times are offsets from load time.
type Entry struct {
	ID          string        `yaml:"id"`
	Question    string        `yaml:"question"`
	Description string        `yaml:"description"`
	Category    string        `yaml:"category"`
	YesOdds     float64       `yaml:"yes_odds"`
	NoOdds      float64       `yaml:"no_odds"`
	StartsIn    time.Duration `yaml:"starts_in"`
	Duration    time.Duration `yaml:"duration"`
	AutoResolve bool          `yaml:"auto_resolve"`
}

type file struct {
	Markets []Entry `yaml:"markets"`
}

// Catalog is a validated list of seed markets. It implements
// ledger.Catalog.
type Catalog struct {
	entries []Entry
}

// Default returns the catalog bundled with the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("markets: bundled catalog: %v", err))
	}
	return c
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("markets: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("markets: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("markets: decode: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Markets))
	for i, e := range f.Markets {
		if e.ID == "" {
			return nil, fmt.Errorf("markets: entry %d: missing id", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("markets: duplicate id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.Question == "" {
			return nil, fmt.Errorf("markets: %s: missing question", e.ID)
		}
		if !validOdds(e.YesOdds) || !validOdds(e.NoOdds) {
			return nil, fmt.Errorf("markets: %s: odds %v/%v outside (0, 100)", e.ID, e.YesOdds, e.NoOdds)
		}
		if e.Duration <= 0 || e.StartsIn < 0 {
			return nil, fmt.Errorf("markets: %s: bad timing starts_in=%s duration=%s", e.ID, e.StartsIn, e.Duration)
		}
	}
	return &Catalog{entries: f.Markets}, nil
}

func validOdds(v float64) bool { return v > 0 && v < 100 }

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Markets materialises the catalog at now. Entries that start later are
// UPCOMING; the rest are LIVE.
func (c *Catalog) Markets(now time.Time) []domain.Market {
	out := make([]domain.Market, 0, len(c.entries))
	for _, e := range c.entries {
		start := now.Add(e.StartsIn)
		status := domain.MarketStatusLive
		if e.StartsIn > 0 {
			status = domain.MarketStatusUpcoming
		}
		out = append(out, domain.Market{
			ID:          e.ID,
			Question:    e.Question,
			Description: e.Description,
			Category:    e.Category,
			Status:      status,
			YesOdds:     e.YesOdds,
			NoOdds:      e.NoOdds,
			StartTime:   start,
			EndTime:     start.Add(e.Duration),
			TotalVolume: decimal.Zero,
			AutoResolve: e.AutoResolve,
		})
	}
	return out
}
