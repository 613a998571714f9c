package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spachava753/matrixci/internal/models"
	"github.com/spachava753/matrixci/internal/util"
)

const (
	DefaultCoverageURL = "https://codecov.io/upload/v2"
	secretEnvPrefix    = "MATRIXCI_SECRET_"
)

// DefaultRunConfig returns a RunConfig with default values.
func DefaultRunConfig() models.RunConfig {
	return models.RunConfig{
		WorkflowsDir:     ".github/workflows",
		RunsDir:          "runs",
		Manifests:        []string{"requirements*.txt", "Pipfile.lock", "pylock.toml", "poetry.lock", "uv.lock"},
		MaxParallelJobs:  4,
		MaxParallelCells: 4,
		LogLevel:         "info",
		Runners: map[string]models.RunnerConfig{
			"default": {Provider: "local", Shell: "bash"},
		},
		Postgres: models.PostgresConfig{
			Backend:           "container",
			Image:             "postgres:%s-alpine",
			User:              "postgres",
			Password:          "postgres",
			DBName:            "tests",
			TemplateDBName:    "tests_tmpl",
			Host:              "127.0.0.1",
			PortSearchCount:   5,
			StartParams:       "-w",
			DropTestDatabase:  true,
			ConnectionTimeout: models.Duration{Duration: 60 * time.Second},
		},
		Artifacts: models.ArtifactsConfig{
			Store: "local",
			Dir:   "artifacts",
		},
		Coverage: models.CoverageConfig{
			URL:      DefaultCoverageURL,
			TokenEnv: "CODECOV_TOKEN",
			Timeout:  models.Duration{Duration: 2 * time.Minute},
		},
	}
}

// LoadRunConfig loads and parses a matrixci.toml file. Environment overrides
// are applied afterwards.
func LoadRunConfig(path string) (models.RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultRunConfig(), fmt.Errorf("reading run config: %w", err)
	}
	cfg, err := ParseRunConfig(string(data))
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg, os.Getenv)
	return cfg, nil
}

// ParseRunConfig decodes TOML on top of DefaultRunConfig.
func ParseRunConfig(data string) (models.RunConfig, error) {
	cfg := DefaultRunConfig()

	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing run config: %w", err)
	}

	// Handle legacy 'memory' field if 'memory_mb' is not explicitly set
	for label, r := range cfg.Runners {
		if !md.IsDefined("runners", label, "memory_mb") && md.IsDefined("runners", label, "memory") {
			mb, err := util.ParseMemory(r.Memory)
			if err != nil {
				return cfg, fmt.Errorf("runner %s: parsing memory %q: %w", label, r.Memory, err)
			}
			r.MemoryMB = mb
		}
		if r.Provider == "" {
			r.Provider = "local"
		}
		switch r.Provider {
		case "local", "docker", "modal":
		default:
			return cfg, fmt.Errorf("runner %s: unknown provider %q", label, r.Provider)
		}
		if r.Provider != "local" && r.Image == "" {
			return cfg, fmt.Errorf("runner %s: provider %s requires an image", label, r.Provider)
		}
		if r.Shell == "" {
			r.Shell = "bash"
		}
		cfg.Runners[label] = r
	}

	switch cfg.Postgres.Backend {
	case "container", "pgctl", "external":
	default:
		return cfg, fmt.Errorf("postgres: unknown backend %q", cfg.Postgres.Backend)
	}
	if cfg.Postgres.DBName == "" && cfg.Postgres.TemplateDBName == "" {
		return cfg, fmt.Errorf("postgres: at least one of dbname or template_dbname is required")
	}
	switch cfg.Artifacts.Store {
	case "local", "s3":
	default:
		return cfg, fmt.Errorf("artifacts: unknown store %q", cfg.Artifacts.Store)
	}
	if cfg.Artifacts.Store == "s3" && (cfg.Artifacts.Endpoint == "" || cfg.Artifacts.Bucket == "") {
		return cfg, fmt.Errorf("artifacts: s3 store requires endpoint and bucket")
	}

	// Apply defaults for missing values
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = 1
	}
	if cfg.MaxParallelCells <= 0 {
		cfg.MaxParallelCells = 1
	}
	if cfg.Postgres.PortSearchCount <= 0 {
		cfg.Postgres.PortSearchCount = 5
	}
	if cfg.Postgres.ConnectionTimeout.Duration <= 0 {
		cfg.Postgres.ConnectionTimeout.Duration = 60 * time.Second
	}
	if cfg.Coverage.URL == "" {
		cfg.Coverage.URL = DefaultCoverageURL
	}

	return cfg, nil
}

// ApplyEnv applies MATRIXCI_* environment overrides.
func ApplyEnv(cfg *models.RunConfig, getenv func(string) string) {
	if v := getenv("MATRIXCI_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("MATRIXCI_RUNS_DIR"); v != "" {
		cfg.RunsDir = v
	}
}

// SecretsFromEnv collects secrets from an environment list in os.Environ
// form. Every MATRIXCI_SECRET_<NAME> variable is included; bare <NAME>
// variables are included only for the wanted names. Prefixed values win.
func SecretsFromEnv(environ []string, wanted []string) map[string]string {
	all := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			all[k] = v
		}
	}

	secrets := make(map[string]string)
	for _, name := range wanted {
		if v, ok := all[name]; ok && v != "" {
			secrets[name] = v
		}
	}
	for k, v := range all {
		if name, ok := strings.CutPrefix(k, secretEnvPrefix); ok && name != "" {
			secrets[name] = v
		}
	}
	return secrets
}

// SecretNames returns the sorted keys of a secrets map.
func SecretNames(secrets map[string]string) []string {
	names := make([]string, 0, len(secrets))
	for k := range secrets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
