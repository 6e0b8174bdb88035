package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/artifact"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/auroralink"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/controlapi"
)

// Config is the runtime configuration. Every key can be set in aurora.yaml
// or through an AURORA_ environment variable (api.listen -> AURORA_API_LISTEN).
type Config struct {
	DataDir        string `mapstructure:"data_dir"`
	PluginsDir     string `mapstructure:"plugins_dir"`
	StagingDir     string `mapstructure:"staging_dir"`
	SuggestionsDir string `mapstructure:"suggestions_dir"`
	BackupDir      string `mapstructure:"backup_dir"`
	PIDDir         string `mapstructure:"pid_dir"`

	Journal    JournalConfig    `mapstructure:"journal"`
	API        APIConfig        `mapstructure:"api"`
	Link       LinkConfig       `mapstructure:"link"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Signing    SigningConfig    `mapstructure:"signing"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
}

// JournalConfig locates the event journal and bounds its age
type JournalConfig struct {
	Path          string        `mapstructure:"path"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// APIConfig configures the control API
type APIConfig struct {
	Listen          string   `mapstructure:"listen"`
	URL             string   `mapstructure:"url"`
	ActivationRoots []string `mapstructure:"activation_roots"`
	MaxUploadBytes  int64    `mapstructure:"max_upload_bytes"`

	// Approve and reject calls allowed per client and minute; 0 disables
	ApprovalRate  int `mapstructure:"approval_rate"`
	ApprovalBurst int `mapstructure:"approval_burst"`
}

// LinkConfig configures the pub/sub hub. An empty Listen serves the hub only
// on the control API's /link route.
type LinkConfig struct {
	Listen     string `mapstructure:"listen"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// NATSConfig bridges the hub to NATS when URL is set
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// SupervisorConfig tunes the watch loop
type SupervisorConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WatchPlugins    bool          `mapstructure:"watch_plugins"`
}

// SigningConfig holds artifact signing keys. Key is an age secret key
// (AGE-SECRET-KEY-1...); PublicKey is a base64 ed25519 public key.
type SigningConfig struct {
	Key       string `mapstructure:"key"`
	PublicKey string `mapstructure:"public_key"`
}

// ApprovalConfig selects the approver token check. With a secret, tokens
// must be minted by 'aurora token'; without one any non-empty token is
// accepted.
type ApprovalConfig struct {
	Secret string `mapstructure:"secret"`
}

// MirrorConfig copies staged artifacts to object storage
type MirrorConfig struct {
	S3 artifact.S3Config `mapstructure:"s3"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./aurora-data")
	v.SetDefault("plugins_dir", "./plugins")
	v.SetDefault("staging_dir", "")
	v.SetDefault("suggestions_dir", "")
	v.SetDefault("backup_dir", "")
	v.SetDefault("pid_dir", "")

	v.SetDefault("journal.path", "")
	v.SetDefault("journal.retention", 30*24*time.Hour)
	v.SetDefault("journal.prune_interval", time.Hour)

	v.SetDefault("api.listen", controlapi.DefaultAddr)
	v.SetDefault("api.url", "http://"+controlapi.DefaultAddr)
	v.SetDefault("api.activation_roots", []string{})
	v.SetDefault("api.max_upload_bytes", controlapi.DefaultMaxUploadBytes)
	v.SetDefault("api.approval_rate", 30)
	v.SetDefault("api.approval_burst", 5)

	v.SetDefault("link.listen", "")
	v.SetDefault("link.buffer_size", 256)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", auroralink.DefaultSubject)
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("supervisor.check_interval", time.Second)
	v.SetDefault("supervisor.max_backoff", 30*time.Second)
	v.SetDefault("supervisor.shutdown_timeout", 10*time.Second)
	v.SetDefault("supervisor.watch_plugins", true)

	v.SetDefault("signing.key", "")
	v.SetDefault("signing.public_key", "")
	v.SetDefault("approval.secret", "")

	v.SetDefault("mirror.s3.endpoint", "")
	v.SetDefault("mirror.s3.region", "")
	v.SetDefault("mirror.s3.bucket", "")
	v.SetDefault("mirror.s3.prefix", "")
	v.SetDefault("mirror.s3.access_key", "")
	v.SetDefault("mirror.s3.secret_key", "")
	v.SetDefault("mirror.s3.use_path_style", false)

	v.SetEnvPrefix("AURORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// readConfigFile loads path, or aurora.yaml from the working directory or
// ~/.aurora when path is empty. A missing default file is not an error.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aurora")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".aurora"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadConfig decodes v and fills paths derived from the data directory
func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data_dir is required")
	}

	derive := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(cfg.DataDir, name)
		}
	}
	derive(&cfg.StagingDir, "staging")
	derive(&cfg.SuggestionsDir, "suggestions")
	derive(&cfg.BackupDir, "backups")
	derive(&cfg.PIDDir, "run")
	derive(&cfg.Journal.Path, "journal.db")

	if cfg.Link.BufferSize <= 0 {
		return nil, fmt.Errorf("link.buffer_size must be positive, got %d", cfg.Link.BufferSize)
	}
	if cfg.Supervisor.CheckInterval <= 0 {
		return nil, fmt.Errorf("supervisor.check_interval must be positive, got %s", cfg.Supervisor.CheckInterval)
	}
	return &cfg, nil
}

func currentConfig() (*Config, error) {
	return loadConfig(viper.GetViper())
}
