package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/ingest"
	"github.com/medrag/medrag/internal/retrieval"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	e := newTestEnv(t)
	return MCPDeps{
		Store:    e.store,
		Answerer: e.answerer,
		Files:    e.ingester,
		Searcher: e.searcher,
	}, e
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_Ask(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"question":  "What is aspirin for?",
		"namespace": "alice",
		"persona":   "specialist",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp QueryResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Provenance != domain.ProvenanceDocuments || len(resp.Citations) != 1 {
		t.Errorf("response = %+v", resp)
	}
	if q := e.answerer.queries[0]; q.Namespace != "alice" || q.Persona != "specialist" {
		t.Errorf("query = %+v", q)
	}
}

func TestMCPTool_Ask_MissingQuestion(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing question")
	}
}

func TestMCPTool_Ask_UpstreamDetailHidden(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.answerer.err = domain.E(domain.GenerationUnavailable, "generate", errors.New("status 401: bad key sk-123"))

	result, _ := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"question": "q",
	}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	text := toolText(t, result)
	if strings.Contains(text, "sk-123") || text != domain.UserMessage(domain.GenerationUnavailable) {
		t.Errorf("text = %q", text)
	}
}

func TestMCPTool_IngestFile(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.ingester.report = ingest.Report{DocumentID: "leaflet-pdf", Status: ingest.StatusIngested, Chunks: 5}

	result, err := mcpIngestFile(deps)(context.Background(), makeCallToolRequest("ingest_file", map[string]interface{}{
		"path":      "/tmp/leaflet.pdf",
		"namespace": "alice",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if len(e.ingester.files) != 1 || e.ingester.files[0] != "/tmp/leaflet.pdf" {
		t.Errorf("files = %v", e.ingester.files)
	}
}

func TestMCPTool_IngestFile_FailedReport(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.ingester.report = ingest.Report{Filename: "scan.pdf", Status: ingest.StatusFailed, Reason: "no extractable text"}

	result, _ := mcpIngestFile(deps)(context.Background(), makeCallToolRequest("ingest_file", map[string]interface{}{
		"path": "/tmp/scan.pdf",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "no extractable text") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_IngestFile_BadNamespace(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	result, _ := mcpIngestFile(deps)(context.Background(), makeCallToolRequest("ingest_file", map[string]interface{}{
		"path": "/tmp/a.pdf", "namespace": "../etc",
	}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if len(e.ingester.files) != 0 {
		t.Error("ingester called with an invalid namespace")
	}
}

func TestMCPTool_Recall_ReturnsChunks(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.searcher.chunks = []retrieval.ContextChunk{
		{ID: "aspirin-pdf#0", DocumentID: "aspirin-pdf", Text: "Aspirin reduces fever.", Score: 0.95},
		{ID: "aspirin-pdf#1", DocumentID: "aspirin-pdf", ChunkIndex: 1, Text: "Take with food.", Score: 0.8},
	}

	result, err := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"query": "fever",
		"limit": 5,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var chunks []ChunkView
	if err := json.Unmarshal([]byte(toolText(t, result)), &chunks); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(chunks) != 2 || chunks[1].ChunkIndex != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestMCPTool_Recall_EmptyResult(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"query": "nonexistent topic",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Fatalf("expected empty array, got: %s", text)
	}
}

func TestMCPTool_Recall_Error(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.searcher.err = domain.E(domain.EmbeddingUnavailable, "embed", errors.New("connection refused"))

	result, err := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"query": "test",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_ListDocuments(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	seedDocument(t, e.store, "alice", "aspirin.pdf")
	seedDocument(t, e.store, "bob", "insulin.pdf")

	result, _ := mcpListDocuments(deps)(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{
		"namespace": "bob",
	}))
	var docs []domain.Document
	if err := json.Unmarshal([]byte(toolText(t, result)), &docs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(docs) != 1 || docs[0].Filename != "insulin.pdf" {
		t.Errorf("docs = %+v", docs)
	}

	result, _ = mcpListDocuments(deps)(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{}))
	docs = nil
	json.Unmarshal([]byte(toolText(t, result)), &docs)
	if len(docs) != 2 {
		t.Errorf("all namespaces: %d docs, want 2", len(docs))
	}
}

func TestMCPResource_Status(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	seedDocument(t, e.store, "alice", "aspirin.pdf")
	deps.Checks = []HealthCheck{
		{Name: "llm", Ping: func(context.Context) error { return errors.New("down") }},
	}

	contents, err := mcpResourceStatus(deps)(context.Background(), makeReadResourceRequest("medrag://status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var status HealthResponse
	if err := json.Unmarshal([]byte(tc.Text), &status); err != nil {
		t.Fatalf("failed to parse status JSON: %v", err)
	}
	if status.Status != "degraded" || status.Checks["llm"] != "unavailable" || status.Namespaces["alice"] != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.searcher.chunks = []retrieval.ContextChunk{{ID: "c1", Text: "test", Score: 0.9}}

	askHandler := mcpAsk(deps)
	listHandler := mcpListDocuments(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := askHandler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
				"question": "concurrent question",
			}))
			if err != nil {
				errs <- err
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := listHandler(context.Background(), makeCallToolRequest("list_documents", nil))
			if err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
