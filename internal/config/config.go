package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TokensEnv lists extra API credentials, comma separated. A token may be
// split into fragments with "|".
const TokensEnv = "MODBROWSER_TOKENS"

type Config struct {
	Server      Server      `yaml:"server"`
	Catalog     Catalog     `yaml:"catalog"`
	Credentials Credentials `yaml:"credentials"`
	Timeouts    Timeouts    `yaml:"timeouts"`
	Install     Install     `yaml:"install"`
	Storage     Storage     `yaml:"storage"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	Transport   Transport   `yaml:"transport"`
	Log         Log         `yaml:"log"`
}

// Server is the local HTTP API. Host defaults to loopback; set "0.0.0.0" to
// listen on every interface.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr is the listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type Catalog struct {
	IndexURL      string `yaml:"index_url"`
	APIBaseURL    string `yaml:"api_base_url"`
	RawBaseURL    string `yaml:"raw_base_url"`
	WebBaseURL    string `yaml:"web_base_url"`
	PageSize      int    `yaml:"page_size"`
	VerifiedStars int    `yaml:"verified_stars"`
	IconSize      int    `yaml:"icon_size"`
	UserAgent     string `yaml:"user_agent"`
	DefaultBranch string `yaml:"default_branch"`

	// RefreshInterval reloads the catalog periodically while serving. Zero
	// disables it.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Credential is one API token. Fragments are concatenated in order.
type Credential struct {
	Fragments []string `yaml:"fragments"`
}

type Credentials struct {
	Pool     []Credential  `yaml:"pool"`
	Quota    int           `yaml:"quota"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type Timeouts struct {
	API      time.Duration `yaml:"api"`
	Download time.Duration `yaml:"download"`
}

type Install struct {
	Root    string `yaml:"root"`
	TempDir string `yaml:"temp_dir"`
}

type Storage struct {
	Path string `yaml:"path"`
}

type RateLimit struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type Transport struct {
	MaxInFlight int     `yaml:"max_in_flight"`
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
}

type Log struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Filename   string `yaml:"filename"`    // log file path, empty for stdout only
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // number of backups
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`    // compress rotated files
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	return &Config{
		Server: Server{Host: "127.0.0.1", Port: 8787},
		Catalog: Catalog{
			IndexURL:      "https://raw.githubusercontent.com/Anuken/MindustryMods/master/mods.json",
			APIBaseURL:    "https://api.github.com",
			RawBaseURL:    "https://raw.githubusercontent.com",
			WebBaseURL:    "https://github.com",
			PageSize:      20,
			VerifiedStars: 50,
			IconSize:      64,
			UserAgent:     "modbrowser/1.0",
			DefaultBranch: "master",
		},
		Credentials: Credentials{
			Quota:    50,
			Cooldown: time.Hour,
		},
		Timeouts: Timeouts{
			API:      15 * time.Second,
			Download: 10 * time.Minute,
		},
		Install: Install{
			Root: "mods",
		},
		Storage:   Storage{Path: "data"},
		RateLimit: RateLimit{RPS: 10, Burst: 20},
		Transport: Transport{MaxInFlight: 8, RPS: 20, Burst: 10},
		Log: Log{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	return LoadFromFile("config/config.yaml")
}

// LoadFromFile loads the configuration from the specified file. A missing
// file yields the defaults. Tokens from the environment (and a .env file next
// to the working directory) are appended to the credential pool.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// .env is optional
	_ = godotenv.Load()
	cfg.Credentials.Pool = append(cfg.Credentials.Pool, parseTokens(os.Getenv(TokensEnv))...)

	cfg.applyDefaults()

	if err := ensureDirs(cfg); err != nil {
		return nil, fmt.Errorf("failed to prepare directories: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Catalog.PageSize <= 0 {
		c.Catalog.PageSize = def.Catalog.PageSize
	}
	if c.Catalog.IconSize <= 0 {
		c.Catalog.IconSize = def.Catalog.IconSize
	}
	if c.Catalog.UserAgent == "" {
		c.Catalog.UserAgent = def.Catalog.UserAgent
	}
	if c.Catalog.DefaultBranch == "" {
		c.Catalog.DefaultBranch = def.Catalog.DefaultBranch
	}
	if c.Credentials.Quota <= 0 {
		c.Credentials.Quota = def.Credentials.Quota
	}
	if c.Credentials.Cooldown <= 0 {
		c.Credentials.Cooldown = def.Credentials.Cooldown
	}
	if c.Timeouts.API <= 0 {
		c.Timeouts.API = def.Timeouts.API
	}
	if c.Timeouts.Download <= 0 {
		c.Timeouts.Download = def.Timeouts.Download
	}
	if c.Install.TempDir == "" {
		c.Install.TempDir = filepath.Join(c.Storage.Path, "downloads")
	}
	if c.Transport.MaxInFlight <= 0 {
		c.Transport.MaxInFlight = def.Transport.MaxInFlight
	}
}

// Secrets returns the assembled credential secrets in pool order.
func (c *Credentials) Secrets() []string {
	secrets := make([]string, 0, len(c.Pool))
	for _, cred := range c.Pool {
		secret := strings.Join(cred.Fragments, "")
		if secret == "" {
			continue
		}
		secrets = append(secrets, secret)
	}
	return secrets
}

func parseTokens(raw string) []Credential {
	var creds []Credential
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		creds = append(creds, Credential{Fragments: strings.Split(token, "|")})
	}
	return creds
}

// ensureDirs creates necessary directories if they don't exist
func ensureDirs(cfg *Config) error {
	dirs := []string{
		cfg.Storage.Path,
		cfg.Install.Root,
		cfg.Install.TempDir,
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
