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

// Package gateway is the JSON-RPC 2.0 client for the tool gateway.
//
// The gateway mediates all tool access: campaign tools, secret-store
// get/put, and discovery via tools/list. Two transports are supported:
// HTTP (the deployment default) and stdio for local development against a
// gateway subprocess.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Client invokes named tools on the gateway. CallTool returns the tool's
// logical output: the concatenated text content of the MCP result. A
// JSON-RPC error or an isError result surfaces as a non-nil error without
// any transport-level failure, so callers can keep iterating.
type Client interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	ListTools(ctx context.Context) ([]ToolInfo, error)
}

// ToolInfo describes a tool advertised by the gateway.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolError is a tool-level failure: the gateway answered, but the call
// did not succeed. Callers treat it as data and continue their loops.
type ToolError struct {
	Tool    string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %s: error %d: %s", e.Tool, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// mcpContent is a single content item in an MCP tool result.
type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// mcpToolResult is the MCP-style wrapping of a tool result.
type mcpToolResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// unwrapText concatenates the text content of an MCP tool result. Non-text
// content items are ignored.
func unwrapText(raw json.RawMessage) (string, bool, error) {
	var result mcpToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("parse tool result: %w", err)
	}
	var b strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String(), result.IsError, nil
}
