// Package config loads the deployctl configuration file: YAML on disk,
// with a DATABASE_URL environment override for the datastore connection.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Database configures the datastore connection.
type Database struct {
	// URL is the connection string. postgres:// selects the PostgreSQL
	// variant; anything else is a SQLite database path. Overridden by
	// the DATABASE_URL environment variable.
	URL string `yaml:"url"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// Migrations configures the schema migration engine.
type Migrations struct {
	// Dir holds the NNN_name.up.sql / NNN_name.down.sql files.
	Dir string `yaml:"dir"`

	// Table is the version store table name.
	Table string `yaml:"table"`
}

// ObjectStore configures off-host snapshot storage. Optional; when the
// endpoint is empty, snapshots stay in the local directory.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Backup configures snapshotting and retention.
type Backup struct {
	// Dir is the local snapshot directory.
	Dir string `yaml:"dir"`

	// Retention is how long snapshots are kept.
	Retention Duration `yaml:"retention"`

	// ScheduleInterval is how often a scheduled snapshot is taken.
	// Zero disables the scheduler.
	ScheduleInterval Duration `yaml:"schedule_interval"`

	PgDumpPath    string `yaml:"pg_dump_path"`
	PgRestorePath string `yaml:"pg_restore_path"`

	ObjectStore ObjectStore `yaml:"object_store"`
}

// Process configures one managed process.
type Process struct {
	Name          string   `yaml:"name"`
	Command       []string `yaml:"command"`
	Dir           string   `yaml:"dir"`
	Env           []string `yaml:"env"`
	HealthURL     string   `yaml:"health_url"`
	DataDependent bool     `yaml:"data_dependent"`
}

// Supervisor configures process management.
type Supervisor struct {
	Processes     []Process `yaml:"processes"`
	RestartBudget int       `yaml:"restart_budget"`
	BudgetWindow  Duration  `yaml:"budget_window"`
}

// Health configures the health monitor.
type Health struct {
	Interval         Duration `yaml:"interval"`
	ProbeTimeout     Duration `yaml:"probe_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
}

// Deploy configures the release orchestrator.
type Deploy struct {
	StabilityWindow Duration `yaml:"stability_window"`
	HealthDeadline  Duration `yaml:"health_deadline"`

	// LockPath is the lock file that serializes releases across
	// deployctl invocations on the same host.
	LockPath string `yaml:"lock_path"`
}

// Control configures the unix socket the run command serves, letting
// other deployctl invocations reach the instance that owns the
// managed processes.
type Control struct {
	Socket string `yaml:"socket"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the full deployctl configuration.
type Config struct {
	LogLevel   string     `yaml:"log_level"`
	Database   Database   `yaml:"database"`
	Migrations Migrations `yaml:"migrations"`
	Backup     Backup     `yaml:"backup"`
	Supervisor Supervisor `yaml:"supervisor"`
	Health     Health     `yaml:"health"`
	Deploy     Deploy     `yaml:"deploy"`
	Control    Control    `yaml:"control"`
	Metrics    Metrics    `yaml:"metrics"`
}

// Default returns the configuration defaults applied before the file is
// read.
func Default() Config {
	return Config{
		LogLevel: "info",
		Database: Database{
			URL: "deployctl.db",
		},
		Migrations: Migrations{
			Dir:   "migrations",
			Table: "schema_migrations",
		},
		Backup: Backup{
			Dir:       "backups",
			Retention: Duration(168 * time.Hour),
		},
		Supervisor: Supervisor{
			RestartBudget: 5,
			BudgetWindow:  Duration(60 * time.Second),
		},
		Health: Health{
			Interval:         Duration(5 * time.Second),
			ProbeTimeout:     Duration(2 * time.Second),
			SuccessThreshold: 3,
		},
		Deploy: Deploy{
			StabilityWindow: Duration(30 * time.Second),
			HealthDeadline:  Duration(5 * time.Minute),
			LockPath:        "deployctl.lock",
		},
		Control: Control{
			Socket: "deployctl.sock",
		},
		Metrics: Metrics{
			Addr: ":9090",
		},
	}
}

// Load reads the configuration file, applies defaults, the DATABASE_URL
// override, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies a later component
// would only trip over at runtime.
func (c Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Migrations.Dir == "" {
		return fmt.Errorf("migrations.dir is required")
	}
	if c.Backup.Retention <= 0 {
		return fmt.Errorf("backup.retention must be positive")
	}
	if c.Supervisor.RestartBudget < 1 {
		return fmt.Errorf("supervisor.restart_budget must be at least 1")
	}
	if c.Deploy.LockPath == "" {
		return fmt.Errorf("deploy.lock_path is required")
	}

	seen := make(map[string]bool)
	for _, p := range c.Supervisor.Processes {
		if p.Name == "" {
			return fmt.Errorf("supervisor process without a name")
		}
		if len(p.Command) == 0 {
			return fmt.Errorf("supervisor process %s has no command", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate supervisor process %s", p.Name)
		}
		seen[p.Name] = true
	}

	if c.Backup.ObjectStore.Endpoint != "" {
		s := c.Backup.ObjectStore
		if s.AccessKey == "" || s.SecretKey == "" || s.Bucket == "" {
			return fmt.Errorf("backup.object_store needs access_key, secret_key, and bucket")
		}
	}

	return nil
}
