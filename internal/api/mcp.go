package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/ingest"
	"github.com/medrag/medrag/internal/pipeline"
	"github.com/medrag/medrag/internal/storage"
)

// FileIngester ingests a document from a local path.
type FileIngester interface {
	IngestFile(ctx context.Context, ns domain.Namespace, path string, reprocess bool) (ingest.Report, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Answerer Answerer
	Files    FileIngester
	Searcher Searcher
	Checks   []HealthCheck
}

// NewMCPServer creates an MCP server with the medrag tools and resources
// registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"medrag",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("medrag answers medical questions from the user's own documents, with citations, and falls back to general knowledge when they do not cover the question."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a medical question from the documents in a namespace. The answer states whether it is document-based or general knowledge."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("namespace", mcp.Description("Document namespace (default \"default\")")),
			mcp.WithString("persona", mcp.Description("doctor, specialist or nurse (default doctor)")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_file",
			mcp.WithDescription("Ingest a local PDF, text or markdown file into a namespace."),
			mcp.WithString("path", mcp.Description("Absolute path to the file"), mcp.Required()),
			mcp.WithString("namespace", mcp.Description("Document namespace (default \"default\")")),
			mcp.WithBoolean("reprocess", mcp.Description("Re-ingest even if the content is unchanged")),
		),
		mcpIngestFile(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Semantically search a namespace and return the closest chunks with their scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("namespace", mcp.Description("Document namespace (default \"default\")")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the documents in a namespace, or in all namespaces when none is given."),
			mcp.WithString("namespace", mcp.Description("Document namespace")),
		),
		mcpListDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"medrag://status",
			"Service Status",
			mcp.WithResourceDescription("Capability reachability and per-namespace document counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError("question is required"), nil
		}

		ans, meta, err := deps.Answerer.Answer(ctx, pipeline.Query{
			Question:  question,
			Namespace: req.GetString("namespace", ""),
			Persona:   req.GetString("persona", ""),
		})
		if err != nil {
			return mcpDomainError(err), nil
		}
		return mcpJSON(QueryResponse{Answer: ans, Metadata: meta})
	}
}

func mcpIngestFile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError("path is required"), nil
		}
		ns, err := domain.ParseNamespace(req.GetString("namespace", ""))
		if err != nil {
			return mcpDomainError(err), nil
		}

		report, err := deps.Files.IngestFile(ctx, ns, path, req.GetBool("reprocess", false))
		if err != nil {
			return mcpDomainError(err), nil
		}
		if report.Status == ingest.StatusFailed {
			return mcp.NewToolResultError(fmt.Sprintf("ingesting %s failed: %s", report.Filename, report.Reason)), nil
		}
		return mcpJSON(report)
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}
		ns, err := domain.ParseNamespace(req.GetString("namespace", ""))
		if err != nil {
			return mcpDomainError(err), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Searcher.Search(ctx, ns, query, limit)
		if err != nil {
			return mcpDomainError(err), nil
		}
		return mcpJSON(chunkViews(chunks))
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var ns domain.Namespace
		if raw := req.GetString("namespace", ""); raw != "" {
			var err error
			if ns, err = domain.ParseNamespace(raw); err != nil {
				return mcpDomainError(err), nil
			}
		}

		docs, err := deps.Store.ListDocuments(ns)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing documents: %v", err)), nil
		}
		if docs == nil {
			docs = []domain.Document{}
		}
		return mcpJSON(docs)
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		status, _ := CheckHealth(ctx, Deps{Store: deps.Store, Checks: deps.Checks})

		b, err := json.Marshal(status)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
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

// mcpDomainError reports err with the same fixed messages as the HTTP API.
func mcpDomainError(err error) *mcp.CallToolResult {
	if domain.IsKind(err, domain.InvalidInput) {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(domain.UserMessage(domain.KindOf(err)))
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
