package model

import (
	"strings"
	"time"
)

// PackageRecord unifies the remote index entry and the local installation of
// one mod. Repo is the merge key and compares case-insensitively.
type PackageRecord struct {
	Repo             string       `json:"repo"`
	Name             string       `json:"name"`
	DisplayName      string       `json:"displayName"`
	Author           string       `json:"author"`
	Description      string       `json:"description"`
	Version          string       `json:"version"`
	InstalledVersion string       `json:"installedVersion"`
	MinGameVersion   string       `json:"minGameVersion"`
	LastUpdated      time.Time    `json:"lastUpdated"`
	Stars            int          `json:"stars"`
	Verified         bool         `json:"verified"`
	Capabilities     Capabilities `json:"capabilities"`
	Installed        bool         `json:"installed"`
	Enabled          bool         `json:"enabled"`

	// LocalName is the lookup key into the runtime registry. The runtime owns
	// the installation; records only refer to it.
	LocalName string `json:"localName,omitempty"`
}

// Capabilities describes what a mod does to the game.
type Capabilities struct {
	UsesPrimaryRuntime bool `json:"usesPrimaryRuntime"`
	UsesScriptRuntime  bool `json:"usesScriptRuntime"`
	DeclaresManifest   bool `json:"declaresManifest"`
	TouchesContent     bool `json:"touchesContent"`
	ClientOnly         bool `json:"clientOnly"`
	ServerCompatible   bool `json:"serverCompatible"`
}

// Derive recomputes ClientOnly and ServerCompatible. They are never both true.
func (c *Capabilities) Derive() {
	c.ClientOnly = !c.TouchesContent && c.UsesScriptRuntime
	c.ServerCompatible = !c.ClientOnly
}

// Key returns the normalized repository identity, or "" when unknown.
func Key(repo string) string {
	return strings.ToLower(strings.TrimSpace(repo))
}

// SameRepo reports whether two identities refer to the same repository.
// Empty identities never match.
func SameRepo(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Key returns the record's normalized identity.
func (p *PackageRecord) Key() string {
	return Key(p.Repo)
}

// InstallName is the directory name the package occupies under the install
// root.
func (p *PackageRecord) InstallName() string {
	if p.LocalName != "" {
		return p.LocalName
	}
	if p.Repo == "" {
		return p.Name
	}
	repo := strings.TrimSuffix(p.Repo, "/")
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		return repo[i+1:]
	}
	return repo
}

// PackageStats aggregates repository metadata and release download counts.
type PackageStats struct {
	Stars          int `json:"stars"`
	Forks          int `json:"forks"`
	OpenIssues     int `json:"openIssues"`
	ReleaseCount   int `json:"releaseCount"`
	TotalDownloads int `json:"totalDownloads"`
}
