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

package campaign

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LoadIndex loads the campaign index from a JSON file.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", path, err)
	}
	return &index, nil
}

// LoadDefinition loads a single campaign definition from a JSON file.
func LoadDefinition(path string) (*Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

// ResolveDefinitionPath maps an indexed file reference to a path on disk.
// Config-map style mounts flatten subdirectories; fall back to the basename
// when the indexed relative path does not exist.
func ResolveDefinitionPath(dir, file string) string {
	defPath := filepath.Join(dir, file)
	if _, err := os.Stat(defPath); os.IsNotExist(err) {
		return filepath.Join(dir, filepath.Base(file))
	}
	return defPath
}

// LoadDir loads all enabled campaign definitions referenced by the
// directory's index.json, keyed by campaign id. A missing or malformed index
// is an error; a bad individual definition is logged and skipped so one
// broken file cannot take the whole registry down.
func LoadDir(dir string) (map[string]*Campaign, error) {
	indexPath := filepath.Join(dir, "index.json")
	index, err := LoadIndex(indexPath)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded campaign index", "path", indexPath, "entries", len(index.Campaigns))

	campaigns := make(map[string]*Campaign)
	for id, entry := range index.Campaigns {
		if !entry.Enabled {
			continue
		}

		c, err := LoadDefinition(ResolveDefinitionPath(dir, entry.File))
		if err != nil {
			slog.Warn("Skipping campaign, load failed", "campaign", id, "error", err)
			continue
		}
		if c.ID != id {
			slog.Warn("Skipping campaign, id mismatch", "campaign", id, "file_id", c.ID)
			continue
		}
		if err := c.Validate(); err != nil {
			slog.Warn("Skipping campaign, invalid definition", "campaign", id, "error", err)
			continue
		}

		campaigns[id] = c
		slog.Debug("Loaded campaign", "campaign", id, "name", c.Name, "agent", c.Agent)
	}
	return campaigns, nil
}
