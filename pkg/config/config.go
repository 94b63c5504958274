// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the runner's own configuration: where campaigns
// live, how to reach the gateway and the agent sidecars, and the ambient
// settings (API port, observability, kill-switch staleness).
//
// Precedence, lowest to highest: defaults, YAML file, environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/observability"
)

// Defaults applied by SetDefaults.
const (
	DefaultCampaignsDir        = "/etc/campaigns"
	DefaultInterval            = 60 * time.Second
	DefaultAPIPort             = 8081
	DefaultKillSwitchStaleness = 6 * time.Hour
	DefaultSmokeCampaign       = "gateway-health"
)

// Config is the runner configuration.
type Config struct {
	// CampaignsDir holds the campaign index and definition files.
	CampaignsDir string `yaml:"campaigns_dir,omitempty"`

	// GatewayURL is the HTTP gateway base URL. Ignored when Gateway.Command
	// is set.
	GatewayURL string `yaml:"gateway_url,omitempty"`

	// Gateway selects the stdio transport for local development.
	Gateway GatewayConfig `yaml:"gateway,omitempty"`

	// AgentURLs maps agent tags to sidecar base URLs.
	AgentURLs map[string]string `yaml:"agent_urls,omitempty"`

	// Interval between scheduler cycles.
	Interval time.Duration `yaml:"interval,omitempty"`

	// APIPort for the HTTP control surface. 0 disables the API server.
	APIPort int `yaml:"api_port,omitempty"`

	// KillSwitchStaleness is how long the kill switch may stay active
	// before it is assumed forgotten and auto-cleared.
	KillSwitchStaleness time.Duration `yaml:"kill_switch_staleness,omitempty"`

	// SmokeCampaign is run once at startup to verify gateway reachability.
	SmokeCampaign string `yaml:"smoke_campaign,omitempty"`

	// GitHub configures publishing and webhook verification.
	GitHub GitHubConfig `yaml:"github,omitempty"`

	Observability observability.Config `yaml:"observability,omitempty"`
}

// GatewayConfig selects the stdio gateway transport when Command is set.
// CACert and Insecure apply to the HTTP transport only.
type GatewayConfig struct {
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// CACert is a path to a PEM bundle for gateways serving certificates
	// from a private CA.
	CACert string `yaml:"ca_cert,omitempty"`

	// Insecure skips TLS certificate verification. Dev and test only.
	Insecure bool `yaml:"insecure,omitempty"`
}

// GitHubConfig holds the publishing target and webhook secret.
// With no WebhookSecret set the webhook endpoint accepts every post;
// only deploy that way behind an authenticating proxy.
type GitHubConfig struct {
	RepoOwner     string `yaml:"repo_owner,omitempty"`
	RepoName      string `yaml:"repo_name,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// LoadDotEnv loads a .env file from the working directory when present.
// A missing file is not an error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// Load builds a config from defaults, an optional YAML file, and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.SetDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.CampaignsDir == "" {
		c.CampaignsDir = DefaultCampaignsDir
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.APIPort == 0 {
		c.APIPort = DefaultAPIPort
	}
	if c.KillSwitchStaleness == 0 {
		c.KillSwitchStaleness = DefaultKillSwitchStaleness
	}
	if c.SmokeCampaign == "" {
		c.SmokeCampaign = DefaultSmokeCampaign
	}
	if c.AgentURLs == nil {
		c.AgentURLs = make(map[string]string)
	}
	c.Observability.SetDefaults()
}

// ApplyEnv overlays environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CAMPAIGNS_DIR"); v != "" {
		c.CampaignsDir = v
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		c.GatewayURL = v
	}
	if v := os.Getenv("GATEWAY_CA_CERT"); v != "" {
		c.Gateway.CACert = v
	}
	if v := os.Getenv("GATEWAY_INSECURE"); v == "true" || v == "1" {
		c.Gateway.Insecure = true
	}
	if v := os.Getenv("RUNNER_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.APIPort = port
		}
	}
	for tag, env := range map[string]string{
		campaign.AgentGeneralist: "AGENT_URL_GENERALIST",
		campaign.AgentHexstrike:  "AGENT_URL_HEXSTRIKE",
		campaign.AgentUpstream:   "AGENT_URL_UPSTREAM",
	} {
		if v := os.Getenv(env); v != "" {
			c.AgentURLs[tag] = v
		}
	}
	if v := os.Getenv("GITHUB_REPO_OWNER"); v != "" {
		c.GitHub.RepoOwner = v
	}
	if v := os.Getenv("GITHUB_REPO_NAME"); v != "" {
		c.GitHub.RepoName = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.GitHub.WebhookSecret = v
	}
}

// Validate checks the config for contradictions.
func (c *Config) Validate() error {
	if c.CampaignsDir == "" {
		return fmt.Errorf("campaigns_dir is required")
	}
	if c.GatewayURL == "" && c.Gateway.Command == "" {
		return fmt.Errorf("either gateway_url or gateway.command is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	if c.KillSwitchStaleness <= 0 {
		return fmt.Errorf("kill_switch_staleness must be positive, got %s", c.KillSwitchStaleness)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}
