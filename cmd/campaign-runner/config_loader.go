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

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/config"
)

// buildConfig assembles the runner config from the YAML file, the
// environment, and CLI flags, in that order of precedence. Validation
// runs after flags are applied, so a gateway URL given only on the
// command line still passes.
func buildConfig(cli *CLI, serve *ServeCmd) (*config.Config, error) {
	cfg := &config.Config{}

	if cli.Config != "" {
		data, err := os.ReadFile(cli.Config)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", cli.Config, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cli.Config, err)
		}
	}

	cfg.SetDefaults()
	cfg.ApplyEnv()
	if serve != nil {
		serve.apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply overlays explicitly set serve flags onto the config.
func (c *ServeCmd) apply(cfg *config.Config) {
	if c.CampaignsDir != "" {
		cfg.CampaignsDir = c.CampaignsDir
	}
	if c.GatewayURL != "" {
		cfg.GatewayURL = c.GatewayURL
	}
	if c.Interval > 0 {
		cfg.Interval = c.Interval
	}
	if c.APIPort != nil {
		cfg.APIPort = *c.APIPort
	}
	for tag, url := range map[string]string{
		campaign.AgentGeneralist: c.AgentURLGeneralist,
		campaign.AgentHexstrike:  c.AgentURLHexstrike,
		campaign.AgentUpstream:   c.AgentURLUpstream,
	} {
		if url != "" {
			cfg.AgentURLs[tag] = url
		}
	}
}
