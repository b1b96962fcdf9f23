// Package config provides configuration loading utilities for the price table.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/forgestack/agentd/internal/domain"
)

// LoadPriceTable returns the built-in price table with the entries from the
// YAML file at path merged over it. Providers present in the file replace
// the built-in provider wholesale; a top-level default in the file replaces
// the built-in table default. An empty path returns the built-ins.
func LoadPriceTable(path string) (domain.PriceTable, error) {
	table := domain.DefaultPriceTable()
	if path == "" {
		return table, nil
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return domain.PriceTable{}, fmt.Errorf("op=config.LoadPriceTable path=%s: %w", path, err)
	}

	var override domain.PriceTable
	if err := yaml.Unmarshal(content, &override); err != nil {
		return domain.PriceTable{}, fmt.Errorf("op=config.LoadPriceTable path=%s: %w", path, err)
	}

	for name, pricing := range override.Providers {
		table.Providers[name] = pricing
	}
	if override.Default != nil {
		table.Default = override.Default
	}
	return table, nil
}
