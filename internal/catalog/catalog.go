// Package catalog holds the list of plugins offered for installation.
//
// A default list is compiled in; a YAML or TOML file can replace it.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dmplugins/plugin-manager/internal/plugins"
)

//go:embed default.yaml
var defaultYAML []byte

// Catalog lists installable plugin names. MOD Audio plugins are listed per
// device platform because not every plugin is built for every device.
type Catalog struct {
	VST3     []string            `yaml:"VST3" toml:"VST3"`
	CLAP     []string            `yaml:"CLAP" toml:"CLAP"`
	ModAudio map[string][]string `yaml:"MOD Audio" toml:"MOD Audio"`
}

// Default returns the compiled-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML, ".yaml")
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default is invalid: %v", err))
	}
	return c
}

// Load reads a catalog file. The format is chosen by extension: .yaml,
// .yml or .toml. An empty path returns Default.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog load failed (%s): %w", path, err)
	}
	c, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("catalog parse failed (%s): %w", path, err)
	}
	return c, nil
}

// Parse decodes data in the format named by ext and validates it.
func Parse(data []byte, ext string) (*Catalog, error) {
	var c Catalog
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &c); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q (want .yaml, .yml or .toml)", ext)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects unknown platforms and blank plugin names.
func (c *Catalog) Validate() error {
	check := func(where string, names []string) error {
		for i, n := range names {
			if strings.TrimSpace(n) == "" {
				return fmt.Errorf("%s[%d]: empty plugin name", where, i)
			}
		}
		return nil
	}
	if err := check(string(plugins.VST3), c.VST3); err != nil {
		return err
	}
	if err := check(string(plugins.CLAP), c.CLAP); err != nil {
		return err
	}
	for p, names := range c.ModAudio {
		if _, err := plugins.ParsePlatform(p); err != nil {
			return err
		}
		if err := check(string(plugins.ModAudio)+"."+p, names); err != nil {
			return err
		}
	}
	return nil
}

// Local returns the plugins offered in a local format.
func (c *Catalog) Local(format plugins.Format) []string {
	switch format {
	case plugins.VST3:
		return clone(c.VST3)
	case plugins.CLAP:
		return clone(c.CLAP)
	}
	return nil
}

// Remote returns the MOD Audio plugins for platform. An empty platform
// returns every platform's list.
func (c *Catalog) Remote(platform plugins.Platform) map[plugins.Platform][]string {
	out := make(map[plugins.Platform][]string)
	for p, names := range c.ModAudio {
		if platform != "" && plugins.Platform(p) != platform {
			continue
		}
		out[plugins.Platform(p)] = clone(names)
	}
	return out
}

// Contains reports whether name is offered in format. For MOD Audio the
// plugin must be listed for platform, or any platform when it is empty.
func (c *Catalog) Contains(format plugins.Format, platform plugins.Platform, name string) bool {
	if format.IsLocal() {
		return contains(c.Local(format), name)
	}
	for _, names := range c.Remote(platform) {
		if contains(names, name) {
			return true
		}
	}
	return false
}

func clone(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
