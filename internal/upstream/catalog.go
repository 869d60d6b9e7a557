package upstream

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint names as they appear in routes and usage entries.
const (
	Text   = "text"
	Image  = "image"
	QR     = "qr"
	Voice  = "voice"
	Num    = "num"
	Video  = "video"
	FFInfo = "ffinfo"
)

// EndpointConfig describes one upstream collaborator.
type EndpointConfig struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	Cost    int64         `yaml:"cost"`
	Timeout time.Duration `yaml:"timeout"`

	// RatePerSecond caps outbound calls. Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Catalog is the set of metered endpoints.
type Catalog struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// DefaultCatalog returns the built-in endpoints. num, video and ffinfo have
// no public default and stay unavailable until a base_url is configured.
func DefaultCatalog() Catalog {
	return Catalog{Endpoints: []EndpointConfig{
		{Name: Text, BaseURL: "https://text.pollinations.ai", Cost: 0, Timeout: 30 * time.Second},
		{Name: Image, BaseURL: "https://image.pollinations.ai", Cost: 0, Timeout: 60 * time.Second},
		{Name: QR, BaseURL: "https://api.qrserver.com", Cost: 0, Timeout: 30 * time.Second},
		{Name: Voice, BaseURL: "https://api.soundoftext.com", Cost: 0},
		{Name: Num, Cost: 5, Timeout: 30 * time.Second},
		{Name: Video, Cost: 2, Timeout: 60 * time.Second},
		{Name: FFInfo, Cost: 1},
	}}
}

// Lookup finds an endpoint by name.
func (c Catalog) Lookup(name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// Unconfigured lists the endpoints that have no base URL and so cannot be
// served until one is set.
func (c Catalog) Unconfigured() []string {
	var names []string
	for _, ep := range c.Endpoints {
		if ep.BaseURL == "" {
			names = append(names, ep.Name)
		}
	}
	return names
}

// LoadCatalog reads a YAML file and overlays it on the defaults. Entries
// are matched by name; fields left unset keep their default.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("upstream: read catalog: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var file struct {
		Endpoints []endpointOverride `yaml:"endpoints"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return Catalog{}, fmt.Errorf("upstream: parse catalog: %w", err)
	}

	cat := DefaultCatalog()
	for i, override := range file.Endpoints {
		idx := -1
		for j := range cat.Endpoints {
			if cat.Endpoints[j].Name == override.Name {
				idx = j
				break
			}
		}
		if idx < 0 {
			return Catalog{}, fmt.Errorf("upstream: catalog: endpoints[%d]: unknown endpoint %q", i, override.Name)
		}
		merge(&cat.Endpoints[idx], override)
	}

	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// endpointOverride distinguishes an explicit zero cost from an absent one.
type endpointOverride struct {
	Name          string        `yaml:"name"`
	BaseURL       string        `yaml:"base_url"`
	Cost          *int64        `yaml:"cost"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

func merge(dst *EndpointConfig, src endpointOverride) {
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.Cost != nil {
		dst.Cost = *src.Cost
	}
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if src.RatePerSecond != 0 {
		dst.RatePerSecond = src.RatePerSecond
	}
	if src.Burst != 0 {
		dst.Burst = src.Burst
	}
}

// Validate checks the catalog for required fields and consistency.
func (c Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("upstream: catalog: endpoints[%d]: name is required", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("upstream: catalog: duplicate endpoint %q", ep.Name)
		}
		seen[ep.Name] = true

		if ep.Cost < 0 {
			return fmt.Errorf("upstream: catalog: endpoint %s: cost must not be negative", ep.Name)
		}
		if ep.Timeout < 0 {
			return fmt.Errorf("upstream: catalog: endpoint %s: timeout must not be negative", ep.Name)
		}
		if ep.RatePerSecond < 0 || ep.Burst < 0 {
			return fmt.Errorf("upstream: catalog: endpoint %s: rate limits must not be negative", ep.Name)
		}
	}
	return nil
}
