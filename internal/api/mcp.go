package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pictag/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Embedder TextEmbedder // optional; if nil, search_media returns an error
	Vectors  VectorIndex
}

// NewMCPServer creates an MCP server with the pictag tools and
// resources registered. It is served over stdio alongside the HTTP API,
// so a local agent can search the library without holding a token.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pictag",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pictag: self-hosted media library with tagging and semantic search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_media",
			mcp.WithDescription("Semantically search the media library and return matching files with scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchMedia(deps),
	)

	s.AddTool(
		mcp.NewTool("list_buckets",
			mcp.WithDescription("List the registered storage buckets."),
		),
		mcpListBuckets(deps),
	)

	s.AddTool(
		mcp.NewTool("media_info",
			mcp.WithDescription("Return the full library record for one media file."),
			mcp.WithString("id", mcp.Description("Media file id"), mcp.Required()),
		),
		mcpMediaInfo(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pictag://stats",
			"Library Stats",
			mcp.WithResourceDescription("Media, bucket, and task counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

type mcpMediaResult struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Kind      string   `json:"kind"`
	Bucket    string   `json:"bucket,omitempty"`
	Path      string   `json:"path"`
	URL       string   `json:"url,omitempty"`
	Tags      []string `json:"tags"`
	SizeBytes int64    `json:"size_bytes"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Pages     int      `json:"pages,omitempty"`
	Excerpt   string   `json:"excerpt,omitempty"`
	Score     float64  `json:"score,omitempty"`
}

func toMCPResult(m storage.MediaFile, bucket string) mcpMediaResult {
	tags := []string{}
	if m.Tags != "" {
		_ = json.Unmarshal([]byte(m.Tags), &tags)
	}
	out := mcpMediaResult{
		ID:        m.ID,
		Title:     m.Title,
		Kind:      m.Kind,
		Bucket:    bucket,
		Path:      m.Path,
		Tags:      tags,
		SizeBytes: m.SizeBytes,
		Width:     m.Width,
		Height:    m.Height,
		Pages:     m.Pages,
		Excerpt:   m.Excerpt,
	}
	if bucket != "" {
		out.URL = "/data/" + bucket + "/" + m.Path
	}
	return out
}

func mcpSearchMedia(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		if deps.Embedder == nil || deps.Vectors == nil {
			return mcpError("search not available: no embedding service configured"), nil
		}

		vec, err := deps.Embedder.Embed(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query failed: %v", err)), nil
		}
		// Up to two vectors per media file; over-fetch and keep the best
		// row per file.
		scored, err := deps.Vectors.Search(vec, limit*2)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(scored) == 0 {
			return mcpText("[]"), nil
		}

		buckets, err := endpointBuckets(ctx, deps.Store)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list buckets: %v", err)), nil
		}

		results := make([]mcpMediaResult, 0, limit)
		seen := make(map[string]bool, len(scored))
		for _, rec := range scored {
			if seen[rec.MediaID] || len(results) == limit {
				continue
			}
			m, err := deps.Store.GetMediaFile(rec.MediaID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return mcpError(fmt.Sprintf("failed to load media: %v", err)), nil
			}
			seen[rec.MediaID] = true
			result := toMCPResult(m, buckets[m.EndpointID])
			result.Score = float64(rec.Score)
			results = append(results, result)
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListBuckets(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		eps, err := deps.Store.ListEndpoints(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list buckets: %v", err)), nil
		}

		type bucketResult struct {
			ID        string `json:"id"`
			Provider  string `json:"provider"`
			Bucket    string `json:"bucket_name"`
			CreatedAt string `json:"created_at"`
		}
		results := make([]bucketResult, len(eps))
		for i, ep := range eps {
			results[i] = bucketResult{
				ID:        ep.ID,
				Provider:  ep.Provider,
				Bucket:    ep.BucketName,
				CreatedAt: ep.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal buckets: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpMediaInfo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		m, err := deps.Store.GetMediaFile(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("media %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load media: %v", err)), nil
		}

		bucket := ""
		if ep, err := deps.Store.GetEndpoint(m.EndpointID); err == nil {
			bucket = ep.BucketName
		}

		b, err := json.Marshal(toMCPResult(m, bucket))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal media: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Store.Stats()
		if err != nil {
			return nil, fmt.Errorf("failed to gather stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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

func endpointBuckets(ctx context.Context, store *storage.Store) (map[string]string, error) {
	eps, err := store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(eps))
	for _, ep := range eps {
		out[ep.ID] = ep.BucketName
	}
	return out, nil
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
