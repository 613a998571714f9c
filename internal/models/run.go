package models

// RunConfig represents the parsed matrixci.toml configuration.
type RunConfig struct {
	WorkflowsDir     string                  `toml:"workflows_dir" json:"workflows_dir"`
	RunsDir          string                  `toml:"runs_dir" json:"runs_dir"`
	Manifests        []string                `toml:"manifests" json:"manifests"`
	MaxParallelJobs  int                     `toml:"max_parallel_jobs" json:"max_parallel_jobs"`
	MaxParallelCells int                     `toml:"max_parallel_cells" json:"max_parallel_cells"`
	LogLevel         string                  `toml:"log_level" json:"log_level"`
	Runners          map[string]RunnerConfig `toml:"runners" json:"runners"`
	Postgres         PostgresConfig          `toml:"postgres" json:"postgres"`
	Artifacts        ArtifactsConfig         `toml:"artifacts" json:"artifacts"`
	Coverage         CoverageConfig          `toml:"coverage" json:"coverage"`
}

// Runner returns the configuration for a runs-on label. Unknown labels fall
// back to the "default" runner, then to a local runner.
func (c RunConfig) Runner(label string) RunnerConfig {
	if r, ok := c.Runners[label]; ok {
		return r
	}
	if r, ok := c.Runners["default"]; ok {
		return r
	}
	return RunnerConfig{Provider: "local"}
}

type RunnerConfig struct {
	Provider       string         `toml:"provider" json:"provider"` // local, docker or modal
	Image          string         `toml:"image" json:"image"`
	CPUs           int            `toml:"cpus" json:"cpus"`
	Memory         string         `toml:"memory" json:"-"` // Legacy field, e.g. "2G"
	MemoryMB       int            `toml:"memory_mb" json:"memory_mb"`
	Shell          string         `toml:"shell" json:"shell"`
	ProviderConfig map[string]any `toml:"provider_config" json:"provider_config,omitempty"`
}

type PostgresConfig struct {
	Backend           string   `toml:"backend" json:"backend"` // container, pgctl or external
	Image             string   `toml:"image" json:"image"`     // fmt template taking the version
	User              string   `toml:"user" json:"user"`
	Password          string   `toml:"password" json:"-"`
	DBName            string   `toml:"dbname" json:"dbname"`
	TemplateDBName    string   `toml:"template_dbname" json:"template_dbname"`
	Load              []string `toml:"load" json:"load,omitempty"`
	Exec              string   `toml:"exec" json:"exec"`
	Host              string   `toml:"host" json:"host"`
	Port              string   `toml:"port" json:"port"`
	PortSearchCount   int      `toml:"port_search_count" json:"port_search_count"`
	StartParams       string   `toml:"startparams" json:"startparams"`
	UnixSocketDir     string   `toml:"unixsocketdir" json:"unixsocketdir"`
	PostgresOptions   string   `toml:"postgres_options" json:"postgres_options"`
	DropTestDatabase  bool     `toml:"drop_test_database" json:"drop_test_database"`
	ConnectionTimeout Duration `toml:"connection_timeout" json:"connection_timeout"`
}

type ArtifactsConfig struct {
	Store     string `toml:"store" json:"store"` // local or s3
	Dir       string `toml:"dir" json:"dir"`
	Endpoint  string `toml:"endpoint" json:"endpoint"`
	Bucket    string `toml:"bucket" json:"bucket"`
	AccessKey string `toml:"access_key" json:"-"`
	SecretKey string `toml:"secret_key" json:"-"`
	UseSSL    bool   `toml:"use_ssl" json:"use_ssl"`
	Region    string `toml:"region" json:"region"`
}

type CoverageConfig struct {
	URL      string   `toml:"url" json:"url"`
	TokenEnv string   `toml:"token_env" json:"token_env"`
	Timeout  Duration `toml:"timeout" json:"timeout"`
	Disable  bool     `toml:"disable" json:"disable"`
}
