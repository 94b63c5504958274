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

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	campaignrunner "github.com/kadirpekel/campaign-runner"
)

// StdioClient runs the gateway as a subprocess and speaks MCP over stdio.
// Used for local development; production deployments talk HTTP.
//
// The connection is established lazily on first call.
type StdioClient struct {
	command string
	args    []string
	env     []string

	mu        sync.Mutex
	client    *client.Client
	connected bool
}

// NewStdioClient creates a stdio gateway client for the given command.
func NewStdioClient(command string, args []string, env map[string]string) *StdioClient {
	var envList []string
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	return &StdioClient{command: command, args: args, env: envList}
}

// connect starts the subprocess and performs the MCP handshake.
// Callers must hold s.mu.
func (s *StdioClient) connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(s.command, s.env, s.args...)
	if err != nil {
		return fmt.Errorf("create stdio client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start gateway process: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    agentIdentity,
		Version: campaignrunner.Version,
	}
	initReq.Params.ProtocolVersion = "2024-11-05"

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize gateway: %w", err)
	}

	s.client = mcpClient
	s.connected = true
	slog.Info("Connected to gateway (stdio)", "command", s.command)
	return nil
}

// CallTool invokes a single tool over stdio.
func (s *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return "", err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", &ToolError{Tool: name, Message: err.Error()}
	}

	var b strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	if result.IsError {
		return b.String(), &ToolError{Tool: name, Message: b.String()}
	}
	return b.String(), nil
}

// ListTools returns the tools the gateway subprocess advertises.
func (s *StdioClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description})
	}
	return tools, nil
}

// Close terminates the gateway subprocess.
func (s *StdioClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.connected = false
		return err
	}
	return nil
}
