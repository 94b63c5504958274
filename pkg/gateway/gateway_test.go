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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kadirpekel/campaign-runner/pkg/httpclient"
)

// newTestGateway returns an httptest server that answers tools/call with the
// given handler and a client pointed at it.
func newTestGateway(t *testing.T, handler func(method string, params json.RawMessage) (any, *rpcError)) (*httptest.Server, *HTTPClient) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("X-Agent-Identity"); got != "campaign-runner" {
			t.Errorf("X-Agent-Identity = %q, want campaign-runner", got)
		}
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      int             `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, NewHTTPClient(srv.URL)
}

func textResult(texts ...string) map[string]any {
	content := make([]map[string]any, 0, len(texts))
	for _, txt := range texts {
		content = append(content, map[string]any{"type": "text", "text": txt})
	}
	return map[string]any{"content": content}
}

func TestCallToolUnwrapsText(t *testing.T) {
	_, client := newTestGateway(t, func(method string, params json.RawMessage) (any, *rpcError) {
		if method != "tools/call" {
			t.Errorf("method = %q, want tools/call", method)
		}
		var p toolCallParams
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if p.Name != "juggler_setec_get" {
			t.Errorf("tool name = %q", p.Name)
		}
		if p.Arguments["name"] != "campaigns/sweep/latest" {
			t.Errorf("arguments = %v", p.Arguments)
		}
		return textResult("hello ", "world"), nil
	})

	out, err := client.CallTool(context.Background(), "juggler_setec_get",
		map[string]any{"name": "campaigns/sweep/latest"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if out != "hello world" {
		t.Errorf("output = %q, want %q", out, "hello world")
	}
}

func TestCallToolIgnoresNonTextContent(t *testing.T) {
	_, client := newTestGateway(t, func(string, json.RawMessage) (any, *rpcError) {
		return map[string]any{"content": []map[string]any{
			{"type": "image", "data": "ZmFrZQ=="},
			{"type": "text", "text": "only this"},
		}}, nil
	})

	out, err := client.CallTool(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if out != "only this" {
		t.Errorf("output = %q", out)
	}
}

func TestCallToolRPCError(t *testing.T) {
	_, client := newTestGateway(t, func(string, json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32601, Message: "no such tool"}
	})

	_, err := client.CallTool(context.Background(), "nope", nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want *ToolError", err)
	}
	if toolErr.Code != -32601 || toolErr.Tool != "nope" {
		t.Errorf("ToolError = %+v", toolErr)
	}
}

func TestCallToolIsErrorResult(t *testing.T) {
	_, client := newTestGateway(t, func(string, json.RawMessage) (any, *rpcError) {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": "scan failed"}},
			"isError": true,
		}, nil
	})

	out, err := client.CallTool(context.Background(), "scan", nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want *ToolError", err)
	}
	if out != "scan failed" {
		t.Errorf("output = %q, want text preserved on tool error", out)
	}
}

func TestCallToolNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, WithRetryingClient(httpclient.New(httpclient.WithMaxRetries(0))))
	_, err := client.CallTool(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("CallTool() error = nil, want transport error")
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		t.Errorf("transport failure should not be a ToolError, got %v", err)
	}
}

func TestCallToolTLSGateway(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1, "result": textResult("secure"),
		})
	}))
	defer srv.Close()

	// The default transport refuses the self-signed certificate.
	plain := NewHTTPClient(srv.URL, WithRetryingClient(httpclient.New(httpclient.WithMaxRetries(0))))
	if _, err := plain.CallTool(context.Background(), "x", nil); err == nil {
		t.Fatal("CallTool() error = nil, want certificate verification failure")
	}

	client := NewHTTPClient(srv.URL, WithTLS(&httpclient.TLSConfig{InsecureSkipVerify: true}))
	out, err := client.CallTool(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if out != "secure" {
		t.Errorf("output = %q, want %q", out, "secure")
	}
}

func TestListTools(t *testing.T) {
	_, client := newTestGateway(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		if method != "tools/list" {
			t.Errorf("method = %q, want tools/list", method)
		}
		return map[string]any{"tools": []map[string]any{
			{"name": "juggler_setec_get", "description": "read a secret"},
			{"name": "juggler_setec_put"},
		}}, nil
	})

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
	if tools[0].Name != "juggler_setec_get" || tools[0].Description != "read a secret" {
		t.Errorf("tools[0] = %+v", tools[0])
	}
}
