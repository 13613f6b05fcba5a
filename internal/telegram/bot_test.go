package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/ingest"
	"github.com/medrag/medrag/internal/pipeline"
)

type sent struct {
	chatID int64
	text   string
}

type mockMessenger struct {
	mu       sync.Mutex
	sent     []sent
	files    map[string][]byte
	download error
}

func (m *mockMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{chatID, text})
	return nil
}

func (m *mockMessenger) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	if m.download != nil {
		return nil, m.download
	}
	return m.files[fileID], nil
}

type mockAnswerer struct {
	mu      sync.Mutex
	queries []pipeline.Query
	answer  domain.Answer
	err     error
}

func (m *mockAnswerer) Answer(_ context.Context, q pipeline.Query) (domain.Answer, pipeline.Metadata, error) {
	m.mu.Lock()
	m.queries = append(m.queries, q)
	m.mu.Unlock()
	return m.answer, pipeline.Metadata{}, m.err
}

type mockIngester struct {
	gotNS   domain.Namespace
	gotName string
	gotData []byte
	report  ingest.Report
	err     error
}

func (m *mockIngester) IngestBytes(_ context.Context, ns domain.Namespace, filename string, data []byte, _ bool) (ingest.Report, error) {
	m.gotNS, m.gotName, m.gotData = ns, filename, data
	return m.report, m.err
}

type harness struct {
	srv       *httptest.Server
	bot       *Bot
	messenger *mockMessenger
	answerer  *mockAnswerer
	ingester  *mockIngester
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		messenger: &mockMessenger{files: map[string][]byte{}},
		answerer:  &mockAnswerer{},
		ingester:  &mockIngester{},
	}
	h.bot = NewBot("s3cret", h.messenger, h.answerer, h.ingester)
	r := chi.NewRouter()
	h.bot.Register(r)
	h.srv = httptest.NewServer(r)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) post(t *testing.T, secret, body string) int {
	t.Helper()
	resp, err := http.Post(h.srv.URL+"/telegram/"+secret, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	h.bot.Wait()
	return resp.StatusCode
}

func TestWebhook_TextQuestionUsesSenderNamespace(t *testing.T) {
	h := newHarness(t)
	h.answerer.answer = domain.Answer{
		Text:       "Aspirin relieves pain [1].",
		Provenance: domain.ProvenanceDocuments,
		Citations:  []domain.Citation{{Marker: 1, DocumentID: "aspirin.pdf", ChunkIndex: 0}},
	}

	code := h.post(t, "s3cret", `{"update_id":1,"message":{"message_id":5,"from":{"id":4242},"chat":{"id":99},"text":"What is aspirin for?"}}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	if len(h.answerer.queries) != 1 {
		t.Fatalf("queries = %+v", h.answerer.queries)
	}
	q := h.answerer.queries[0]
	if q.Namespace != "4242" || q.Question != "What is aspirin for?" || q.Persona != "" {
		t.Errorf("query = %+v", q)
	}
	if len(h.messenger.sent) != 1 || h.messenger.sent[0].chatID != 99 {
		t.Fatalf("sent = %+v", h.messenger.sent)
	}
	reply := h.messenger.sent[0].text
	if !strings.Contains(reply, "Aspirin relieves pain") || !strings.Contains(reply, "[1] aspirin.pdf, section 1") {
		t.Errorf("reply = %q", reply)
	}
}

func TestWebhook_PersonaCommand(t *testing.T) {
	h := newHarness(t)
	h.answerer.answer = domain.Answer{Text: "ok", Provenance: domain.ProvenanceModel}

	h.post(t, "s3cret", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"/nurse how do I dress a wound?"}}`)

	q := h.answerer.queries[0]
	if q.Persona != "nurse" || q.Question != "how do I dress a wound?" {
		t.Errorf("query = %+v", q)
	}
	if !strings.Contains(h.messenger.sent[0].text, "general medical knowledge") {
		t.Errorf("fallback reply lacks provenance note: %q", h.messenger.sent[0].text)
	}
}

func TestWebhook_ErrorsUseFixedMessages(t *testing.T) {
	h := newHarness(t)
	h.answerer.err = domain.E(domain.GenerationUnavailable, "generate", errors.New("upstream said: secret detail"))

	h.post(t, "s3cret", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"hi"}}`)

	reply := h.messenger.sent[0].text
	if reply != domain.UserMessage(domain.GenerationUnavailable) {
		t.Errorf("reply = %q", reply)
	}
}

func TestWebhook_HelpCommand(t *testing.T) {
	h := newHarness(t)
	h.post(t, "s3cret", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"/start"}}`)

	if len(h.answerer.queries) != 0 {
		t.Error("/start reached the answerer")
	}
	if h.messenger.sent[0].text != helpText {
		t.Errorf("reply = %q", h.messenger.sent[0].text)
	}
}

func TestWebhook_PDFIngested(t *testing.T) {
	h := newHarness(t)
	h.messenger.files["f1"] = []byte("%PDF-1.4 ...")
	h.ingester.report = ingest.Report{Status: ingest.StatusIngested, Chunks: 3}

	h.post(t, "s3cret", `{"update_id":1,"message":{"from":{"id":77},"chat":{"id":77},"document":{"file_id":"f1","file_name":"labs.pdf","file_size":12}}}`)

	if h.ingester.gotNS != "77" || h.ingester.gotName != "labs.pdf" || string(h.ingester.gotData) != "%PDF-1.4 ..." {
		t.Errorf("ingested ns=%q name=%q", h.ingester.gotNS, h.ingester.gotName)
	}
	if !strings.Contains(h.messenger.sent[0].text, "Added labs.pdf") {
		t.Errorf("reply = %q", h.messenger.sent[0].text)
	}
}

func TestWebhook_DocumentReplies(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		report   ingest.Report
		err      error
		download error
		want     string
	}{
		{"not a pdf", `{"file_id":"f","file_name":"notes.docx"}`, ingest.Report{}, nil, nil, "as a PDF"},
		{"too large", `{"file_id":"f","file_name":"big.pdf","file_size":30000000}`, ingest.Report{}, nil, nil, "too large"},
		{"already there", `{"file_id":"f","file_name":"a.pdf"}`, ingest.Report{Status: ingest.StatusSkipped}, nil, nil, "already in your library"},
		{"unreadable", `{"file_id":"f","file_name":"a.pdf"}`, ingest.Report{}, domain.Errorf(domain.InvalidInput, "extract", "no text"), nil, "could not read a.pdf"},
		{"store down", `{"file_id":"f","file_name":"a.pdf"}`, ingest.Report{}, domain.E(domain.VectorStoreUnavailable, "upsert", errors.New("x")), nil, domain.UserMessage(domain.VectorStoreUnavailable)},
		{"download fails", `{"file_id":"f","file_name":"a.pdf"}`, ingest.Report{}, nil, errors.New("timeout"), "could not download"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.messenger.files["f"] = []byte("data")
			h.messenger.download = tt.download
			h.ingester.report, h.ingester.err = tt.report, tt.err

			h.post(t, "s3cret", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"document":`+tt.doc+`}}`)

			if len(h.messenger.sent) != 1 || !strings.Contains(h.messenger.sent[0].text, tt.want) {
				t.Errorf("sent = %+v, want %q", h.messenger.sent, tt.want)
			}
		})
	}
}

func TestWebhook_WrongSecret(t *testing.T) {
	h := newHarness(t)
	code := h.post(t, "guess", `{"update_id":1,"message":{"from":{"id":1},"chat":{"id":1},"text":"hi"}}`)
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
	if len(h.answerer.queries) != 0 {
		t.Error("update with a wrong secret was processed")
	}
}

func TestWebhook_MalformedAndEmptyUpdates(t *testing.T) {
	h := newHarness(t)
	if code := h.post(t, "s3cret", `{not json`); code != http.StatusBadRequest {
		t.Errorf("malformed: status = %d", code)
	}
	if code := h.post(t, "s3cret", `{"update_id":2}`); code != http.StatusOK {
		t.Errorf("no message: status = %d", code)
	}
	if len(h.messenger.sent) != 0 {
		t.Errorf("sent = %+v", h.messenger.sent)
	}
}
