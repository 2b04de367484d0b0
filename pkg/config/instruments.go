package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Instrument describes one tradeable underlying and its contract terms.
type Instrument struct {
	Underlying string `yaml:"underlying"`
	Exchange   string `yaml:"exchange"`
	Product    string `yaml:"product"`
	LotSize    int    `yaml:"lot_size"`
}

// Catalog is the instrument lot-size catalog loaded from YAML.
type Catalog struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadCatalog reads the instrument catalog from path. A missing file yields an
// empty catalog so lot validation degrades to "any quantity".
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("read instrument catalog: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse instrument catalog: %w", err)
	}
	return &cat, nil
}

// LotFor returns the lot size for a symbol by matching its underlying prefix.
// Unknown symbols return 1 so quantity validation never blocks them.
func (c *Catalog) LotFor(symbol string) int {
	up := strings.ToUpper(symbol)
	best := 0
	lot := 1
	for _, ins := range c.Instruments {
		u := strings.ToUpper(ins.Underlying)
		if strings.HasPrefix(up, u) && len(u) > best && ins.LotSize > 0 {
			best = len(u)
			lot = ins.LotSize
		}
	}
	return lot
}
