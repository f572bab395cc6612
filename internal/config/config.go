package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	RemoteDrive = "drive"
	RemoteS3    = "s3"

	driveChunkMultiple = 256 << 10
	minS3PartSize      = 5 << 20
)

// Config represents the application configuration
type Config struct {
	Remote      Remote `yaml:"remote"`
	Auth        Auth   `yaml:"auth"`
	Store       Store  `yaml:"store"`
	Sync        Sync   `yaml:"sync"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Remote selects and configures the remote backend
type Remote struct {
	Kind      string `yaml:"kind"`
	Endpoint  string `yaml:"endpoint"`
	Root      string `yaml:"root"`
	ChunkSize int64  `yaml:"chunk_size"`
	PageSize  int    `yaml:"page_size"`

	// s3 only
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
	Region       string `yaml:"region"`
	Secure       bool   `yaml:"secure"`
	Bucket       string `yaml:"bucket"`
}

// Auth configures the OAuth tokens used by the drive backend
type Auth struct {
	AccessToken  string   `yaml:"access_token"`
	RefreshToken string   `yaml:"refresh_token"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Store locates the SQLite files
type Store struct {
	Dir string `yaml:"dir"`
}

// FilesPath is the local file store database
func (s Store) FilesPath() string {
	return filepath.Join(s.Dir, "files.db")
}

// TasksPath is the task queue database
func (s Store) TasksPath() string {
	return filepath.Join(s.Dir, "tasks.db")
}

// Sync tunes the sync queue
type Sync struct {
	RetryAttempts int  `yaml:"retry_attempts"`
	ShowProgress  bool `yaml:"show_progress"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Remote: Remote{
			Kind:     RemoteDrive,
			Root:     "cloudfs",
			PageSize: 100,
			Region:   "us-east-1",
		},
		Auth: Auth{
			Scopes: []string{"https://www.googleapis.com/auth/drive.file"},
		},
		Store: Store{Dir: ".cloudfs"},
		Sync: Sync{
			RetryAttempts: 3,
			ShowProgress:  true,
		},
	}
}

// RegisterFlags defines the flags read by Load
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()

	flags.String("remote", d.Remote.Kind, "Remote backend (drive/s3)")
	flags.String("endpoint", "", "Remote API endpoint")
	flags.String("root", d.Remote.Root, "Remote folder or key prefix holding the synced files")
	flags.Int64("chunk-size", 0, "Upload chunk size in bytes (0 uses the backend default)")
	flags.Int("page-size", d.Remote.PageSize, "Files per listing page")

	flags.String("access-key", "", "S3 access key")
	flags.String("secret-key", "", "S3 secret key")
	flags.String("session-token", "", "S3 session token")
	flags.String("region", d.Remote.Region, "S3 region")
	flags.Bool("secure", false, "Use HTTPS for S3")
	flags.String("bucket", "", "S3 bucket")

	flags.String("access-token", "", "OAuth access token")
	flags.String("refresh-token", "", "OAuth refresh token")
	flags.String("client-id", "", "OAuth client id")
	flags.String("client-secret", "", "OAuth client secret")
	flags.String("token-url", "", "OAuth token endpoint")

	flags.String("store-dir", d.Store.Dir, "Directory holding the local databases")
	flags.Int("retry-attempts", d.Sync.RetryAttempts, "Retries granted to a failing task")
	flags.Bool("show-progress", d.Sync.ShowProgress, "Show progress display")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	stringFlags := map[string]*string{
		"remote":        &cfg.Remote.Kind,
		"endpoint":      &cfg.Remote.Endpoint,
		"root":          &cfg.Remote.Root,
		"access-key":    &cfg.Remote.AccessKey,
		"secret-key":    &cfg.Remote.SecretKey,
		"session-token": &cfg.Remote.SessionToken,
		"region":        &cfg.Remote.Region,
		"bucket":        &cfg.Remote.Bucket,
		"access-token":  &cfg.Auth.AccessToken,
		"refresh-token": &cfg.Auth.RefreshToken,
		"client-id":     &cfg.Auth.ClientID,
		"client-secret": &cfg.Auth.ClientSecret,
		"token-url":     &cfg.Auth.TokenURL,
		"store-dir":     &cfg.Store.Dir,
		"metrics-addr":  &cfg.MetricsAddr,
		"log-level":     &cfg.LogLevel,
	}
	for name, dst := range stringFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	var err error
	if flags.Changed("chunk-size") {
		if cfg.Remote.ChunkSize, err = flags.GetInt64("chunk-size"); err != nil {
			return err
		}
	}
	if flags.Changed("page-size") {
		if cfg.Remote.PageSize, err = flags.GetInt("page-size"); err != nil {
			return err
		}
	}
	if flags.Changed("secure") {
		if cfg.Remote.Secure, err = flags.GetBool("secure"); err != nil {
			return err
		}
	}
	if flags.Changed("retry-attempts") {
		if cfg.Sync.RetryAttempts, err = flags.GetInt("retry-attempts"); err != nil {
			return err
		}
	}
	if flags.Changed("show-progress") {
		if cfg.Sync.ShowProgress, err = flags.GetBool("show-progress"); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validate() error {
	if c.Store.Dir == "" {
		return fmt.Errorf("store dir is required")
	}
	if c.Sync.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}
	if c.Remote.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative")
	}
	if c.Remote.Root == "" {
		return fmt.Errorf("remote root is required")
	}

	switch c.Remote.Kind {
	case RemoteDrive:
		if c.Auth.AccessToken == "" && (c.Auth.RefreshToken == "" || c.Auth.TokenURL == "") {
			return fmt.Errorf("drive needs an access token or a refresh token with a token url")
		}
		if c.Remote.ChunkSize%driveChunkMultiple != 0 {
			return fmt.Errorf("drive chunk size must be a multiple of 256KiB")
		}
		if c.Remote.PageSize <= 0 {
			return fmt.Errorf("page size must be positive")
		}
	case RemoteS3:
		if c.Remote.Endpoint == "" {
			return fmt.Errorf("s3 endpoint is required")
		}
		if c.Remote.AccessKey == "" {
			return fmt.Errorf("s3 access key is required")
		}
		if c.Remote.SecretKey == "" {
			return fmt.Errorf("s3 secret key is required")
		}
		if c.Remote.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
		if c.Remote.ChunkSize != 0 && c.Remote.ChunkSize < minS3PartSize {
			return fmt.Errorf("s3 part size must be at least 5MB")
		}
	default:
		return fmt.Errorf("unknown remote %q", c.Remote.Kind)
	}

	return nil
}
