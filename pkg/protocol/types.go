package protocol

// Config is the root configuration, loaded once at startup.
type Config struct {
	Version       string                  `yaml:"version"`
	Network       string                  `yaml:"network"`
	DataDir       string                  `yaml:"data_dir"`
	BinaryRoot    string                  `yaml:"binary_root"` // Defaults to <data_dir>/bin
	Manifest      string                  `yaml:"manifest"`    // Overrides the bundled manifest
	Provisioning  ProvisioningConfig      `yaml:"provisioning"`
	Binaries      map[string]BinaryConfig `yaml:"binaries"`
	Workers       []WorkerConfig          `yaml:"workers"`
	Orchestration OrchestrationConfig     `yaml:"orchestration"`
	Observability ObservabilityConfig     `yaml:"observability"`
	Events        EventsConfig            `yaml:"events"`
}

type ProvisioningConfig struct {
	VerifyChecksums        *bool  `yaml:"verify_checksums"` // Default true
	DownloadAttempts       int    `yaml:"download_attempts"`
	DownloadBackoff        string `yaml:"download_backoff"`
	MaxConcurrentDownloads int    `yaml:"max_concurrent_downloads"`
	HTTPTimeout            string `yaml:"http_timeout"`
	APIBaseURL             string `yaml:"api_base_url"` // Release registry base, for mirrors
}

// BinaryConfig tells the provisioner where releases of one binary come from.
type BinaryConfig struct {
	Executable   string          `yaml:"executable"` // Base name, ".exe" added on windows
	Source       string          `yaml:"source"`     // github | fixed
	Repo         string          `yaml:"repo"`       // owner/name for github
	AssetPattern string          `yaml:"asset_pattern"`
	IndexURL     string          `yaml:"index_url"` // fixed: JSON release index
	Releases     []FixedRelease  `yaml:"releases"`  // fixed: static list
	Checksum     *bool           `yaml:"checksum"`
	Platforms    map[string]bool `yaml:"platforms"`
}

type FixedRelease struct {
	Version     string `yaml:"version"`
	URL         string `yaml:"url"` // May contain {version}, {os}, {arch}
	ChecksumURL string `yaml:"checksum_url"`
}

// WorkerConfig declares one supervised process slot.
type WorkerConfig struct {
	Name    string            `yaml:"name"`
	Binary  string            `yaml:"binary"`
	Path    string            `yaml:"path"` // Explicit executable, bypasses provisioning
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"work_dir"`
	PidFile string            `yaml:"pid_file"`
	Health  HealthConfig      `yaml:"health"`
	Restart RestartConfig     `yaml:"restart"`
}

type HealthConfig struct {
	Kind      string `yaml:"kind"` // process | http | grpc | tcp
	Target    string `yaml:"target"`
	Service   string `yaml:"service"` // grpc health service name
	Warmup    string `yaml:"warmup"`
	Timeout   string `yaml:"timeout"`
	StopAfter string `yaml:"stop_after"` // Give up on the worker after this long unhealthy
}

type RestartConfig struct {
	PollInterval      string `yaml:"poll_interval"`
	StartupGrace      string `yaml:"startup_grace"`
	StopGrace         string `yaml:"stop_grace"`
	WarningThreshold  int    `yaml:"warning_threshold"`
	FailureThreshold  int    `yaml:"failure_threshold"`
	SuccessThreshold  int    `yaml:"success_threshold"`
	RecoveryTimeout   string `yaml:"recovery_timeout"`
	TerminalExitCodes []int  `yaml:"terminal_exit_codes"`
}

type OrchestrationConfig struct {
	ShutdownTimeout string        `yaml:"shutdown_timeout"`
	ReloadGroups    []string      `yaml:"reload_groups"` // Restarted on SIGHUP
	Phases          []PhaseConfig `yaml:"phases"`
}

type PhaseConfig struct {
	ID        string       `yaml:"id"`
	Title     string       `yaml:"title"`
	Group     string       `yaml:"group"`
	DependsOn []string     `yaml:"depends_on"`
	Timeout   string       `yaml:"timeout"`
	Steps     []StepConfig `yaml:"steps"`
}

// StepConfig is one weighted unit of a phase.
type StepConfig struct {
	Kind        string   `yaml:"kind"` // provision | supervise | exec | wait_healthy
	Name        string   `yaml:"name"`
	Title       string   `yaml:"title"`
	Weight      int      `yaml:"weight"`
	Binary      string   `yaml:"binary"`
	Worker      string   `yaml:"worker"`
	Command     []string `yaml:"command"`
	Timeout     string   `yaml:"timeout"`
	WaitHealthy bool     `yaml:"wait_healthy"`
	Skip        bool     `yaml:"skip"`     // Resolved as skipped without running
	Optional    bool     `yaml:"optional"` // Failure downgrades the phase to warnings
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}
