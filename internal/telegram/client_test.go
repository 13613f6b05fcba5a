package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/medrag/medrag/internal/domain"
)

func newFakeBotAPI(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("TOKEN", srv.URL, srv.Client())
}

func TestSendMessage(t *testing.T) {
	var got map[string]any
	c := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})

	if err := c.SendMessage(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got["chat_id"] != float64(42) || got["text"] != "hello" {
		t.Errorf("body = %v", got)
	}
}

func TestSendMessage_TruncatesLongText(t *testing.T) {
	var got map[string]any
	c := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	if err := c.SendMessage(context.Background(), 1, strings.Repeat("ж", 5000)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if n := len([]rune(got["text"].(string))); n != MaxMessageLength {
		t.Errorf("sent %d runes, want %d", n, MaxMessageLength)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	c := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	})

	err := c.SendMessage(context.Background(), 1, "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(err.Error(), "TOKEN") {
		t.Errorf("error leaks the token: %v", err)
	}
}

func TestDownloadFile(t *testing.T) {
	c := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botTOKEN/getFile":
			if r.URL.Query().Get("file_id") != "abc" {
				t.Errorf("file_id = %q", r.URL.Query().Get("file_id"))
			}
			w.Write([]byte(`{"ok":true,"result":{"file_id":"abc","file_path":"documents/file_1.pdf","file_size":8}}`))
		case "/file/botTOKEN/documents/file_1.pdf":
			w.Write([]byte("%PDF-1.4"))
		default:
			http.NotFound(w, r)
		}
	})

	data, err := c.DownloadFile(context.Background(), "abc")
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if string(data) != "%PDF-1.4" {
		t.Errorf("data = %q", data)
	}
}

func TestDownloadFile_TooLarge(t *testing.T) {
	c := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"file_id":"abc","file_path":"x.pdf","file_size":99999999}}`))
	})
	if _, err := c.DownloadFile(context.Background(), "abc"); err == nil {
		t.Fatal("expected size error")
	}
}

func TestFormatAnswer(t *testing.T) {
	got := FormatAnswer(domainAnswerWithCitations())
	want := "Take it with food [1][2].\n\nSources:\n[1] a.pdf, section 1\n[2] b.pdf, section 4"
	if got != want {
		t.Errorf("FormatAnswer =\n%s\nwant\n%s", got, want)
	}
}

func domainAnswerWithCitations() domain.Answer {
	return domain.Answer{
		Text:       " Take it with food [1][2]. ",
		Provenance: domain.ProvenanceDocuments,
		Citations: []domain.Citation{
			{Marker: 1, DocumentID: "a.pdf", ChunkIndex: 0},
			{Marker: 2, DocumentID: "b.pdf", ChunkIndex: 3},
		},
	}
}
