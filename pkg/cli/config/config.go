package config

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
)

// AppConfig is the TOML configuration of the sync engine: where the remote
// API and push channel live, which reports to synchronize, and the optional
// integrations.
type AppConfig struct {
	API         APIConfig        `toml:"api"`
	Reports     []int64          `toml:"reports"`
	GitHub      GitHubConfig     `toml:"github"`
	Attachments AttachmentConfig `toml:"attachments"`
}

// APIConfig points at the remote command API and push endpoint.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	PushURL string `toml:"push_url"`
}

// GitHubConfig configures the beta-access gate. The gate is disabled when
// the organization is empty.
type GitHubConfig struct {
	Organization string `toml:"organization"`
	Token        string `toml:"token"`
}

// AttachmentConfig configures attachment uploads. Uploads are disabled when
// the bucket is empty.
type AttachmentConfig struct {
	Bucket string `toml:"bucket"`
}

// Validate checks if the AppConfig is valid.
func (a *AppConfig) Validate() error {
	if a.API.BaseURL == "" {
		return goerr.New("api.base_url is required")
	}
	seen := make(map[int64]bool)
	for _, id := range a.Reports {
		if id <= 0 {
			return goerr.New("report IDs must be positive", goerr.V("reportID", id))
		}
		if seen[id] {
			return goerr.New("duplicate report ID", goerr.V("reportID", id))
		}
		seen[id] = true
	}
	if a.GitHub.Organization != "" && a.GitHub.Token == "" {
		return goerr.New("github.token is required when github.organization is set")
	}
	return nil
}

// LoadAppConfig loads the engine configuration from a TOML file.
func LoadAppConfig(path string) (*AppConfig, error) {
	// #nosec G304 - path is expected to be provided by CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}

	var config AppConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, goerr.Wrap(err, "failed to parse TOML config", goerr.V("path", path))
	}

	if err := config.Validate(); err != nil {
		return nil, goerr.Wrap(err, "config validation failed", goerr.V("path", path))
	}

	return &config, nil
}
