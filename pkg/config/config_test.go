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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "gateway_url: http://gateway:8080\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultCampaignsDir, cfg.CampaignsDir)
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, DefaultAPIPort, cfg.APIPort)
	assert.Equal(t, DefaultKillSwitchStaleness, cfg.KillSwitchStaleness)
	assert.Equal(t, DefaultSmokeCampaign, cfg.SmokeCampaign)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
campaigns_dir: /opt/campaigns
gateway_url: http://gateway:8080
interval: 30s
api_port: 9090
kill_switch_staleness: 2h
smoke_campaign: ping
agent_urls:
  generalist: http://generalist:9000
github:
  repo_owner: acme
  repo_name: reports
observability:
  metrics:
    enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/campaigns", cfg.CampaignsDir)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, 2*time.Hour, cfg.KillSwitchStaleness)
	assert.Equal(t, "ping", cfg.SmokeCampaign)
	assert.Equal(t, "http://generalist:9000", cfg.AgentURLs[campaign.AgentGeneralist])
	assert.Equal(t, "acme", cfg.GitHub.RepoOwner)
	assert.True(t, cfg.Observability.Metrics.Enabled)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
campaigns_dir: /opt/campaigns
gateway_url: http://gateway:8080
`)
	t.Setenv("CAMPAIGNS_DIR", "/env/campaigns")
	t.Setenv("GATEWAY_URL", "http://env-gateway:8080")
	t.Setenv("RUNNER_API_PORT", "7070")
	t.Setenv("AGENT_URL_HEXSTRIKE", "http://hexstrike:9000")
	t.Setenv("WEBHOOK_SECRET", "hunter2")
	t.Setenv("GATEWAY_CA_CERT", "/etc/ssl/gateway-ca.pem")
	t.Setenv("GATEWAY_INSECURE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/env/campaigns", cfg.CampaignsDir)
	assert.Equal(t, "http://env-gateway:8080", cfg.GatewayURL)
	assert.Equal(t, 7070, cfg.APIPort)
	assert.Equal(t, "http://hexstrike:9000", cfg.AgentURLs[campaign.AgentHexstrike])
	assert.Equal(t, "hunter2", cfg.GitHub.WebhookSecret)
	assert.Equal(t, "/etc/ssl/gateway-ca.pem", cfg.Gateway.CACert)
	assert.True(t, cfg.Gateway.Insecure)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "gateway_url: [not a scalar\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{GatewayURL: "http://gateway:8080"}
		cfg.SetDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no gateway", func(c *Config) { c.GatewayURL = "" }, "gateway"},
		{"stdio gateway only", func(c *Config) {
			c.GatewayURL = ""
			c.Gateway.Command = "rj-gateway"
		}, ""},
		{"negative interval", func(c *Config) { c.Interval = -time.Second }, "interval"},
		{"port out of range", func(c *Config) { c.APIPort = 70000 }, "api_port"},
		{"negative staleness", func(c *Config) { c.KillSwitchStaleness = -time.Hour }, "kill_switch_staleness"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
