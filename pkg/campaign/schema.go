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
	"github.com/invopop/jsonschema"
)

// Schema generates the JSON Schema for campaign definition files.
// Definitions are inlined so the schema works standalone in editors and
// CI validators without $ref resolution.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&Campaign{})
	schema.ID = "https://github.com/kadirpekel/campaign-runner/schemas/campaign.json"
	schema.Title = "Campaign Definition Schema"
	schema.Description = "Schema for autonomous agent campaign definition files"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"id":    "xa-dependency-audit",
			"name":  "Dependency Audit",
			"agent": AgentGeneralist,
			"trigger": map[string]interface{}{
				"schedule": "0 2 * * *",
			},
			"tools": []string{"github_list_repos", "github_get_file"},
			"outputs": map[string]interface{}{
				"setecKey":  "campaigns/xa-dependency-audit",
				"issueRepo": "acme/reports",
			},
			"guardrails": map[string]interface{}{
				"maxDuration": "30m",
				"killSwitch":  "campaigns/global-kill",
			},
		},
	}

	return schema
}
