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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/httpclient"
)

// agentIdentity is sent on every gateway request so the gateway can apply
// per-caller policy.
const agentIdentity = "campaign-runner"

// HTTPClient speaks JSON-RPC 2.0 over HTTP to the gateway's /mcp endpoint.
type HTTPClient struct {
	baseURL string
	client  *httpclient.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithRetryingClient overrides the underlying retrying HTTP client.
func WithRetryingClient(c *httpclient.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithTLS applies TLS settings to the gateway transport: a custom CA bundle
// for internally-issued gateway certificates, or skip-verify for local
// development.
func WithTLS(cfg *httpclient.TLSConfig) HTTPOption {
	return func(h *HTTPClient) {
		h.client = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithTLSConfig(cfg),
		)
	}
}

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
		),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolCallParams carries the tool name and arguments for tools/call.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallTool invokes a single tool and returns its concatenated text output.
// Tool-level failures come back as *ToolError.
func (h *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := h.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		var rpcErr *rpcError
		if asRPC(err, &rpcErr) {
			return "", &ToolError{Tool: name, Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return "", err
	}

	text, isError, err := unwrapText(raw)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	if isError {
		return text, &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// ListTools returns the tools the gateway advertises.
func (h *HTTPClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := h.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return result.Tools, nil
}

// rpcFailure wraps a JSON-RPC error response so CallTool can distinguish it
// from transport failures.
type rpcFailure struct {
	err *rpcError
}

func (f *rpcFailure) Error() string {
	return fmt.Sprintf("rpc error %d: %s", f.err.Code, f.err.Message)
}

func asRPC(err error, out **rpcError) bool {
	if f, ok := err.(*rpcFailure); ok {
		*out = f.err
		return true
	}
	return false
}

// call performs one JSON-RPC round trip.
func (h *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Identity", agentIdentity)

	resp, err := h.client.Do(req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", method, err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, &rpcFailure{err: rpcResp.Error}
	}
	return rpcResp.Result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
