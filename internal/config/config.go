package config

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendWebDAV = "webdav"
	BackendS3     = "s3"
)

// Config models annoline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
		MaxConns  int    `yaml:"max_conns"`
	} `yaml:"database"`
	Workflow struct {
		IterationLimit int           `yaml:"iteration_limit"`
		ShareLinkTTL   time.Duration `yaml:"share_link_ttl"`
	} `yaml:"workflow"`
	Storage struct {
		Backend string `yaml:"backend"`
		WebDAV  struct {
			URL      string        `yaml:"url"`
			OCSURL   string        `yaml:"ocs_url"`
			User     string        `yaml:"user"`
			Password string        `yaml:"password"`
			Timeout  time.Duration `yaml:"timeout"`
		} `yaml:"webdav"`
		S3 struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Bucket    string `yaml:"bucket"`
			UseSSL    bool   `yaml:"use_ssl"`
			Region    string `yaml:"region"`
		} `yaml:"s3"`
	} `yaml:"storage"`
	Webhook struct {
		Token       string   `yaml:"token"`
		Directories []string `yaml:"directories"`
	} `yaml:"webhook"`
	Queue struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		RelayURL      string `yaml:"relay_url"`
	} `yaml:"queue"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		InviteTTL time.Duration `yaml:"invite_ttl"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.IterationLimit < 1 {
		return fmt.Errorf("config.workflow.iteration_limit must be at least 1")
	}
	if c.Workflow.ShareLinkTTL < 0 {
		return fmt.Errorf("config.workflow.share_link_ttl must not be negative")
	}
	if c.Database.DSN == "" && c.Database.Workspace == "" {
		return fmt.Errorf("config.database needs a dsn or a workspace")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendWebDAV:
		if c.Storage.WebDAV.URL == "" {
			return fmt.Errorf("config.storage.webdav.url is required for the webdav backend")
		}
		if c.Storage.WebDAV.OCSURL == "" {
			return fmt.Errorf("config.storage.webdav.ocs_url is required for the webdav backend")
		}
	case BackendS3:
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config.storage.s3 requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("config.storage.backend must be one of memory, webdav, s3 (got %q)", c.Storage.Backend)
	}
	for _, dir := range c.Webhook.Directories {
		if strings.Trim(dir, "/") == "" {
			return fmt.Errorf("config.webhook.directories contains an empty root")
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// WebhookRoots returns the allowed directory roots, cleaned and without a leading slash.
func (c *Config) WebhookRoots() []string {
	roots := make([]string, 0, len(c.Webhook.Directories))
	for _, dir := range c.Webhook.Directories {
		roots = append(roots, strings.Trim(path.Clean("/"+dir), "/"))
	}
	return roots
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "annoline.yml")
}

// Load reads the config at path; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

database:
  workspace: .
  max_conns: 8

workflow:
  iteration_limit: 3
  share_link_ttl: 24h

storage:
  backend: memory
  webdav:
    timeout: 10s

webhook:
  directories: []

queue:
  redis_db: 0

auth:
  invite_ttl: 5m

log:
  level: info
  format: text
`
