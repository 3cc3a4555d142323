package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/reflectd/internal/ingest"
	"github.com/kalambet/reflectd/internal/sample"
	"github.com/kalambet/reflectd/internal/scheduler"
	"github.com/kalambet/reflectd/internal/storage"
)

const recentResults = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Reconcile Reconciliation
	Results   ResultReader
	Version   string
}

// NewMCPServer creates an MCP server with all reflectd tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"reflectd",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("reflectd analyzes image and audio samples and keeps one result per sample."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("reconcile",
			mcp.WithDescription("Process every stored frame+audio pair that has no result yet and report what was processed."),
		),
		mcpReconcile(deps),
	)

	s.AddTool(
		mcp.NewTool("get_result",
			mcp.WithDescription("Return the stored result document for one sample key."),
			mcp.WithString("sample_key", mcp.Description("Sample key, e.g. u1_20250101T120000000000"), mcp.Required()),
		),
		mcpGetResult(deps),
	)

	s.AddTool(
		mcp.NewTool("list_results",
			mcp.WithDescription("List sample keys that have a stored result, oldest first."),
			mcp.WithString("caller_id", mcp.Description("Only keys for this caller")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of keys (default 100)")),
		),
		mcpListResults(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"results://recent",
			"Recent Results",
			mcp.WithResourceDescription(fmt.Sprintf("Last %d stored results (summaries only)", recentResults)),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpReconcile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := deps.Reconcile.TryRun(ctx, ingest.TriggerManual)
		if errors.Is(err, scheduler.ErrRunInProgress) {
			return mcpError("a reconciliation run is already in progress; try again shortly"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reconciliation failed: %v", err)), nil
		}

		keys := out.ProcessedKeys
		if keys == nil {
			keys = []sample.Key{}
		}
		b, err := json.Marshal(map[string]any{
			"run_id":          out.RunID,
			"processed_count": out.ProcessedCount,
			"processed_keys":  keys,
			"incomplete":      len(out.Incomplete),
			"failed":          out.Failed,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal outcome: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetResult(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("sample_key")
		if err != nil {
			return mcpError("sample_key is required"), nil
		}

		res, err := deps.Results.Get(sample.Key(key))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no result for %q", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read result: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListResults(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller := req.GetString("caller_id", "")
		limit := req.GetInt("limit", 100)
		if limit <= 0 {
			limit = 100
		}
		if limit > 1000 {
			limit = 1000
		}

		keys, err := deps.Results.SortedKeys()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list results: %v", err)), nil
		}

		matched := make([]sample.Key, 0, min(len(keys), limit))
		for _, k := range keys {
			if caller != "" && k.CallerID() != caller {
				continue
			}
			matched = append(matched, k)
			if len(matched) == limit {
				break
			}
		}

		b, err := json.Marshal(matched)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal keys: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		keys, err := deps.Results.SortedKeys()
		if err != nil {
			return nil, fmt.Errorf("failed to list results: %w", err)
		}
		if len(keys) > recentResults {
			keys = keys[len(keys)-recentResults:]
		}

		type resultSummary struct {
			SampleKey sample.Key `json:"sample_key"`
			CreatedAt string     `json:"created_at"`
			Emotion   string     `json:"emotion"`
			Reply     string     `json:"reply"`
			Fallback  bool       `json:"fallback"`
		}

		summaries := make([]resultSummary, 0, len(keys))
		for i := len(keys) - 1; i >= 0; i-- {
			res, err := deps.Results.Get(keys[i])
			if err != nil {
				// Unreadable documents are skipped; the rest are still useful.
				continue
			}
			reply := res.Reply
			if utf8.RuneCountInString(reply) > 200 {
				runes := []rune(reply)
				reply = string(runes[:200]) + "..."
			}
			summaries = append(summaries, resultSummary{
				SampleKey: res.SampleKey,
				CreatedAt: res.CreatedAt.Format(time.RFC3339),
				Emotion:   res.Emotion,
				Reply:     reply,
				Fallback:  res.Fallbacks.Any(),
			})
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal results: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
