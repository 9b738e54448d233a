// bridge-mcp is the stdio adapter the coding-assistant subprocess launches
// as a local MCP server. It exposes the remote-executor tools and forwards
// every call to the bridge's /tool-dispatch endpoint, where the correlator
// relays it to whichever executor client is connected. The adapter holds no
// state of its own: one HTTP round trip per tool call, correlation id
// included, result or error translated back verbatim.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const version = "0.3.0"

const defaultBridgeURL = "http://127.0.0.1:3456"

// forwarder posts tool calls to the bridge and unwraps the correlated reply.
type forwarder struct {
	bridgeURL string
	client    *http.Client
}

func newForwarder(bridgeURL string) *forwarder {
	return &forwarder{
		bridgeURL: bridgeURL,
		// The bridge holds /tool-dispatch open until the remote executor
		// answers or its own timeout fires, so the client timeout only has
		// to outlast that.
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// dispatchRequest mirrors the bridge's /tool-dispatch body.
type dispatchRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// dispatchResponse mirrors the bridge's reply. Exactly one of Result or
// Error carries the outcome.
type dispatchResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// call runs one tool invocation through the bridge. A non-2xx status or an
// Error field in the reply becomes the returned error; Result comes back as
// raw JSON for the tool result text.
func (f *forwarder) call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	body, err := json.Marshal(dispatchRequest{ID: uuid.NewString(), Name: name, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.bridgeURL+"/tool-dispatch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge unreachable at %s: %w", f.bridgeURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read bridge response: %w", err)
	}

	var out dispatchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("bridge returned %s: %s", resp.Status, string(raw))
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%s", out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge returned %s", resp.Status)
	}
	if len(out.Result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return out.Result, nil
}

// handlerFor adapts one named tool to the forwarder.
func (f *forwarder) handlerFor(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := f.call(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(result)), nil
	}
}

func newServer(f *forwarder) *server.MCPServer {
	s := server.NewMCPServer(
		"bridge-executor",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	browserAction := mcp.NewTool("browser_action",
		mcp.WithDescription("Perform one DOM/browser action on the connected remote page: click, type, navigate, or scroll."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Action to perform: click, type, navigate, scroll"),
		),
		mcp.WithString("selector",
			mcp.Description("CSS selector of the target element (click, type)"),
		),
		mcp.WithString("text",
			mcp.Description("Text to type (type) or URL to open (navigate)"),
		),
	)
	s.AddTool(browserAction, f.handlerFor("browser_action"))

	pageSnapshot := mcp.NewTool("page_snapshot",
		mcp.WithDescription("Capture the current page state from the connected remote browser: URL, title, and a simplified DOM outline."),
		mcp.WithString("detail",
			mcp.Description("Snapshot detail level: outline (default) or full"),
		),
	)
	s.AddTool(pageSnapshot, f.handlerFor("page_snapshot"))

	return s
}

func main() {
	bridgeURL := os.Getenv("BRIDGE_URL")
	if bridgeURL == "" {
		bridgeURL = defaultBridgeURL
	}

	s := newServer(newForwarder(bridgeURL))
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "bridge-mcp: %v\n", err)
		os.Exit(1)
	}
}
