package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PageEntry is a page the daemon opens and captures at startup.
type PageEntry struct {
	URL string `yaml:"url"`
}

// PagesConfig is the top-level YAML configuration for startup pages.
type PagesConfig struct {
	Pages []PageEntry `yaml:"pages"`
}

// LoadPages reads and validates a pages YAML file. A missing file yields an
// os.ErrNotExist-wrapped error; callers skip startup pages in that case.
func LoadPages(path string) (*PagesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pages config: %w", err)
	}
	var cfg PagesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pages config: %w", err)
	}
	for i, p := range cfg.Pages {
		if p.URL == "" {
			return nil, fmt.Errorf("pages config: pages[%d] missing url", i)
		}
	}
	return &cfg, nil
}
