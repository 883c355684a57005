// cell-run is an MCP stdio server that runs code on a cellsrv server through
// its synchronous /service endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const maxOutput = 4000

// serverURL is the cellsrv base URL, from CELLSRV_SERVER.
var serverURL = "http://localhost:8080"

func main() {
	if u := os.Getenv("CELLSRV_SERVER"); u != "" {
		serverURL = u
	}

	s := server.NewMCPServer("cellsrv-cell-run", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "cell_run",
		Description: "Run code in a sandboxed cellsrv worker and return what it printed.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"timeout": map[string]any{
					"type":        "number",
					"description": "Seconds to wait for the result (optional, server default otherwise)",
				},
			},
			Required: []string{"code"},
		},
	}, handleCellRun)

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

type serviceResult struct {
	Output  string `json:"output"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func handleCellRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return errResult("error: 'code' is required"), nil
	}
	form := url.Values{"code": {code}}
	wait := 60 * time.Second
	if t, ok := args["timeout"].(float64); ok && t > 0 {
		form.Set("timeout", strconv.FormatFloat(t, 'f', -1, 64))
		wait = time.Duration(t*float64(time.Second)) + 10*time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	res, err := callService(ctx, form)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	text := res.Output
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	if text == "" && !res.Success {
		text = "computation failed without output"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: !res.Success,
	}, nil
}

func callService(ctx context.Context, form url.Values) (*serviceResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/service", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res serviceResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, res.Error)
	}
	return &res, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
