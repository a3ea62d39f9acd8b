package protocol

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "read "+path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes. See Load.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "parse yaml", err)
	}
	applyEnvOverrides(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(consts.EnvLogLevel); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv(consts.EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(consts.EnvNetwork); v != "" {
		cfg.Network = v
	}
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = consts.DefaultNetwork
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".rigkeeper")
		} else {
			c.DataDir = ".rigkeeper"
		}
	}
	if c.BinaryRoot == "" {
		c.BinaryRoot = filepath.Join(c.DataDir, "bin")
	}
	if c.Provisioning.DownloadAttempts <= 0 {
		c.Provisioning.DownloadAttempts = consts.DefaultDownloadTries
	}
	if c.Provisioning.MaxConcurrentDownloads <= 0 {
		c.Provisioning.MaxConcurrentDownloads = consts.DefaultMaxDownloads
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "rigkeeper.progress"
	}
}

// Validate checks cross references between binaries, workers and phases.
func (c *Config) Validate() error {
	workers := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.Name == "" {
			return invalid("worker with empty name")
		}
		if workers[w.Name] {
			return invalid("duplicate worker " + w.Name)
		}
		workers[w.Name] = true
		if w.Path == "" {
			if _, ok := c.Binaries[w.Binary]; !ok {
				return invalid(fmt.Sprintf("worker %s: unknown binary %q and no path", w.Name, w.Binary))
			}
		}
		switch w.Health.Kind {
		case "", "process", "http", "grpc", "tcp":
		default:
			return invalid(fmt.Sprintf("worker %s: unknown health kind %q", w.Name, w.Health.Kind))
		}
	}
	for name, b := range c.Binaries {
		switch b.Source {
		case "github":
			if b.Repo == "" {
				return invalid("binary " + name + ": github source needs repo")
			}
		case "fixed":
			if b.IndexURL == "" && len(b.Releases) == 0 {
				return invalid("binary " + name + ": fixed source needs index_url or releases")
			}
		default:
			return invalid(fmt.Sprintf("binary %s: unknown source %q", name, b.Source))
		}
	}
	if err := c.validateDurations(); err != nil {
		return err
	}
	phases := make(map[string]bool, len(c.Orchestration.Phases))
	for _, p := range c.Orchestration.Phases {
		if p.ID == "" || phases[p.ID] {
			return invalid(fmt.Sprintf("phase id %q empty or duplicated", p.ID))
		}
		phases[p.ID] = true
		for _, s := range p.Steps {
			switch s.Kind {
			case "provision":
				if _, ok := c.Binaries[s.Binary]; !ok {
					return invalid(fmt.Sprintf("phase %s: provision step references unknown binary %q", p.ID, s.Binary))
				}
			case "supervise", "wait_healthy":
				if !workers[s.Worker] {
					return invalid(fmt.Sprintf("phase %s: %s step references unknown worker %q", p.ID, s.Kind, s.Worker))
				}
			case "exec":
				if len(s.Command) == 0 {
					return invalid(fmt.Sprintf("phase %s: exec step %q without command", p.ID, s.Name))
				}
			default:
				return invalid(fmt.Sprintf("phase %s: unknown step kind %q", p.ID, s.Kind))
			}
		}
	}
	return nil
}

// Worker returns the worker config named name.
// validateDurations rejects duration strings that do not parse, such as a
// bare "30" without a unit, naming the offending key.
func (c *Config) validateDurations() error {
	type field struct{ key, value string }
	fields := []field{
		{"provisioning.download_backoff", c.Provisioning.DownloadBackoff},
		{"provisioning.http_timeout", c.Provisioning.HTTPTimeout},
		{"orchestration.shutdown_timeout", c.Orchestration.ShutdownTimeout},
	}
	for _, w := range c.Workers {
		prefix := "workers[" + w.Name + "]."
		fields = append(fields,
			field{prefix + "health.warmup", w.Health.Warmup},
			field{prefix + "health.timeout", w.Health.Timeout},
			field{prefix + "health.stop_after", w.Health.StopAfter},
			field{prefix + "restart.poll_interval", w.Restart.PollInterval},
			field{prefix + "restart.startup_grace", w.Restart.StartupGrace},
			field{prefix + "restart.stop_grace", w.Restart.StopGrace},
			field{prefix + "restart.recovery_timeout", w.Restart.RecoveryTimeout},
		)
	}
	for _, p := range c.Orchestration.Phases {
		prefix := "phases[" + p.ID + "]."
		fields = append(fields, field{prefix + "timeout", p.Timeout})
		for i, s := range p.Steps {
			fields = append(fields, field{fmt.Sprintf("%ssteps[%d].timeout", prefix, i), s.Timeout})
		}
	}
	for _, f := range fields {
		if err := ParseDuration(f.value); err != nil {
			return invalid(fmt.Sprintf("%s: %v", f.key, err))
		}
	}
	return nil
}

// ParseDuration checks a configured duration. Empty is allowed and means
// the default.
func ParseDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q (missing unit such as \"s\"?)", s)
	}
	if d < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	return nil
}

func (c *Config) Worker(name string) (WorkerConfig, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return WorkerConfig{}, false
}

// VerifyChecksums reports the effective checksum policy for binary name.
func (c *Config) VerifyChecksums(name string) bool {
	if b, ok := c.Binaries[name]; ok && b.Checksum != nil {
		return *b.Checksum
	}
	if c.Provisioning.VerifyChecksums != nil {
		return *c.Provisioning.VerifyChecksums
	}
	return true
}

// Duration parses s, returning def when s is empty. Load rejects malformed
// values, so def is also the fallback for configs built by hand.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func invalid(msg string) error {
	return errors.New(errors.ErrCodeConfigInvalid, "ValidateConfig", msg, nil)
}
