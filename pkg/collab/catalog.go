package collab

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"sommelier/pkg/proto"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// CatalogWine is one bottle a retailer stocks.
type CatalogWine struct {
	Name       string  `yaml:"name"`
	Varietal   string  `yaml:"varietal"`
	Style      string  `yaml:"style"`
	Producer   string  `yaml:"producer"`
	Vintage    int     `yaml:"vintage"`
	Price      float64 `yaml:"price"`
	Retailer   string  `yaml:"retailer"`
	OutOfStock bool    `yaml:"out_of_stock"`
}

// Catalog is an immutable list of wines searchable by name and style.
type Catalog struct {
	Wines []CatalogWine `yaml:"wines"`
}

// LoadCatalog reads a catalog from path, or the built-in one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := builtinCatalog
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		data = raw
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog and rejects entries without a name or price.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for i, w := range c.Wines {
		if strings.TrimSpace(w.Name) == "" {
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		}
		if w.Price <= 0 {
			return nil, fmt.Errorf("catalog entry %q has no price", w.Name)
		}
	}
	return &c, nil
}

// Search returns wines accepted by match and priced within budget (no limit when budget
// is not positive). In-stock wines come first, then the most expensive that still fits,
// which is usually the best bottle the user can afford.
func (c *Catalog) Search(budget float64, limit int, match func(*CatalogWine) bool) []proto.WineOption {
	var hits []CatalogWine
	for i := range c.Wines {
		w := &c.Wines[i]
		if budget > 0 && w.Price > budget {
			continue
		}
		if match(w) {
			hits = append(hits, *w)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].OutOfStock != hits[j].OutOfStock {
			return !hits[i].OutOfStock
		}
		return hits[i].Price > hits[j].Price
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]proto.WineOption, 0, len(hits))
	for i := range hits {
		out = append(out, hits[i].option())
	}
	return out
}

// Cheapest returns the lowest in-stock price among wines accepted by match.
func (c *Catalog) Cheapest(match func(*CatalogWine) bool) (float64, bool) {
	best, found := 0.0, false
	for i := range c.Wines {
		w := &c.Wines[i]
		if w.OutOfStock || !match(w) {
			continue
		}
		if !found || w.Price < best {
			best, found = w.Price, true
		}
	}
	return best, found
}

func (w *CatalogWine) option() proto.WineOption {
	return proto.WineOption{
		Name:       w.Name,
		Producer:   w.Producer,
		Vintage:    w.Vintage,
		Price:      w.Price,
		Retailer:   w.Retailer,
		Style:      w.Style,
		OutOfStock: w.OutOfStock,
	}
}

// matchesRecommendation is true when the wine's varietal or name contains the recommended name.
func (w *CatalogWine) matchesRecommendation(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	return strings.EqualFold(w.Varietal, name) || strings.Contains(strings.ToLower(w.Name), name)
}

func anyWine(*CatalogWine) bool { return true }
