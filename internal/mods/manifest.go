package mods

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/hjson/hjson-go/v4"
	"gopkg.in/yaml.v3"
)

// ManifestFiles are the recognized manifest names, in lookup order.
var ManifestFiles = []string{"mod.json", "mod.hjson", "mod.yaml", "mod.toml"}

// Manifest is the metadata a mod declares about itself.
type Manifest struct {
	Name           string `json:"name" yaml:"name" toml:"name"`
	DisplayName    string `json:"displayName" yaml:"displayName" toml:"displayName"`
	Author         string `json:"author" yaml:"author" toml:"author"`
	Description    string `json:"description" yaml:"description" toml:"description"`
	Version        string `json:"version" yaml:"version" toml:"version"`
	MinGameVersion string `json:"minGameVersion" yaml:"minGameVersion" toml:"minGameVersion"`
	Main           string `json:"main" yaml:"main" toml:"main"`
	Repo           string `json:"repo" yaml:"repo" toml:"repo"`
}

// FindManifest returns the path of the first manifest file in dir, or "".
func FindManifest(dir string) string {
	for _, name := range ManifestFiles {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// ReadManifest decodes the manifest at path according to its extension.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	switch filepath.Ext(path) {
	case ".json":
		err = json.Unmarshal(data, &m)
	case ".hjson":
		err = hjson.Unmarshal(data, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	case ".toml":
		err = toml.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("unknown manifest format: %s", filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}
