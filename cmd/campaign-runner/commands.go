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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	campaignrunner "github.com/kadirpekel/campaign-runner"
	"github.com/kadirpekel/campaign-runner/pkg/campaign"
)

// RunCmd runs a single campaign and exits, non-zero on failure.
type RunCmd struct {
	ID string `arg:"" help:"Campaign id to run."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := buildConfig(cli, nil)
	if err != nil {
		return err
	}

	parts, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer parts.close()

	camp, ok := parts.registry.Get(c.ID)
	if !ok {
		return fmt.Errorf("campaign %q not found in %s", c.ID, cfg.CampaignsDir)
	}

	runCtx, cancel := context.WithTimeout(ctx, camp.MaxDuration())
	defer cancel()
	return parts.sched.RunCampaign(runCtx, camp)
}

// ValidateCmd checks every indexed campaign definition and exits
// non-zero when any is broken.
type ValidateCmd struct {
	CampaignsDir string `help:"Campaign definitions directory." env:"CAMPAIGNS_DIR" default:"/etc/campaigns" type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	index, err := campaign.LoadIndex(filepath.Join(c.CampaignsDir, "index.json"))
	if err != nil {
		return err
	}

	var failed int
	for id, entry := range index.Campaigns {
		if !entry.Enabled {
			fmt.Printf("  - %s: disabled\n", id)
			continue
		}

		def, err := campaign.LoadDefinition(campaign.ResolveDefinitionPath(c.CampaignsDir, entry.File))
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", id, err)
			failed++
			continue
		}
		if def.ID != id {
			fmt.Printf("  ✗ %s: definition id %q does not match index key\n", id, def.ID)
			failed++
			continue
		}
		if err := def.Validate(); err != nil {
			fmt.Printf("  ✗ %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("  ✓ %s (%s)\n", id, def.Name)
	}

	if failed > 0 {
		return fmt.Errorf("%d invalid campaign(s)", failed)
	}
	fmt.Printf("All campaigns in %s are valid\n", c.CampaignsDir)
	return nil
}

// SchemaCmd prints the campaign definition JSON schema to stdout.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(campaign.Schema()); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(campaignrunner.GetVersion().String())
	return nil
}
