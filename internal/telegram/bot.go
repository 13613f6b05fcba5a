// Package telegram bridges a Telegram bot to the question answering and
// ingestion services. Every Telegram user gets a namespace named after their
// user id.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/ingest"
	"github.com/medrag/medrag/internal/pipeline"
)

const maxUpdateSize = 1 << 20

const helpText = "Send me a medical question and I will answer it from the PDFs you have shared with me, " +
	"or from general medical knowledge when they do not cover it.\n\n" +
	"Send a PDF document to add it to your library.\n" +
	"Start a message with /nurse or /specialist to change who answers; the default is a doctor."

// Answerer answers questions.
type Answerer interface {
	Answer(ctx context.Context, q pipeline.Query) (domain.Answer, pipeline.Metadata, error)
}

// DocumentIngester stores uploaded documents.
type DocumentIngester interface {
	IngestBytes(ctx context.Context, ns domain.Namespace, filename string, data []byte, reprocess bool) (ingest.Report, error)
}

// Messenger delivers replies and fetches uploads.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from"`
	Chat      Chat      `json:"chat"`
	Text      string    `json:"text"`
	Document  *Document `json:"document"`
}

type User struct {
	ID int64 `json:"id"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// Bot handles webhook updates. Updates are acknowledged immediately and
// processed in the background so Telegram does not redeliver slow ones.
type Bot struct {
	secret    string
	messenger Messenger
	answerer  Answerer
	ingester  DocumentIngester
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewBot creates a Bot. secret is the path segment Telegram posts to.
func NewBot(secret string, m Messenger, a Answerer, ing DocumentIngester) *Bot {
	return &Bot{
		secret:    secret,
		messenger: m,
		answerer:  a,
		ingester:  ing,
		timeout:   3 * time.Minute,
		logger:    slog.Default().With("component", "telegram"),
	}
}

// Register mounts the webhook route on r.
func (b *Bot) Register(r chi.Router) {
	r.Post("/telegram/{secret}", b.handleWebhook)
}

// Wait blocks until all in-flight updates are handled.
func (b *Bot) Wait() {
	b.wg.Wait()
}

func (b *Bot) handleWebhook(w http.ResponseWriter, r *http.Request) {
	got := chi.URLParam(r, "secret")
	if b.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(b.secret)) != 1 {
		http.NotFound(w, r)
		return
	}

	var upd Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateSize)).Decode(&upd); err != nil {
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}
	if upd.Message == nil || upd.Message.From == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	b.wg.Add(1)
	w.WriteHeader(http.StatusOK)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		b.handleMessage(ctx, upd.Message)
	}()
}

func (b *Bot) handleMessage(ctx context.Context, msg *Message) {
	ns := domain.Namespace(strconv.FormatInt(msg.From.ID, 10))
	log := b.logger.With("namespace", ns, "chat_id", msg.Chat.ID)

	var reply string
	switch {
	case msg.Document != nil:
		reply = b.ingestDocument(ctx, log, ns, msg.Document)
	case strings.HasPrefix(msg.Text, "/start"), strings.HasPrefix(msg.Text, "/help"):
		reply = helpText
	case strings.TrimSpace(msg.Text) != "":
		reply = b.answer(ctx, log, ns, msg.Text)
	default:
		return
	}

	if err := b.messenger.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		log.Error("sending reply", "error", err)
	}
}

func (b *Bot) answer(ctx context.Context, log *slog.Logger, ns domain.Namespace, text string) string {
	q := pipeline.Query{Question: text, Namespace: string(ns)}
	for _, p := range []string{"nurse", "specialist", "doctor"} {
		if rest, ok := strings.CutPrefix(text, "/"+p); ok {
			q.Persona, q.Question = p, strings.TrimSpace(rest)
			break
		}
	}
	if strings.TrimSpace(q.Question) == "" {
		return "Please add your question after the command."
	}

	ans, _, err := b.answerer.Answer(ctx, q)
	if err != nil {
		log.Warn("answering question", "error", err)
		return domain.UserMessage(domain.KindOf(err))
	}
	return FormatAnswer(ans)
}

func (b *Bot) ingestDocument(ctx context.Context, log *slog.Logger, ns domain.Namespace, doc *Document) string {
	name := filepath.Base(doc.FileName)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return "Please send the document as a PDF file."
	}
	if doc.FileSize > MaxDownloadSize {
		return "That file is too large. Telegram lets bots download files up to 20 MB."
	}

	data, err := b.messenger.DownloadFile(ctx, doc.FileID)
	if err != nil {
		log.Error("downloading document", "file", name, "error", err)
		return "Sorry, I could not download that file. Please try again later."
	}

	report, err := b.ingester.IngestBytes(ctx, ns, name, data, false)
	switch {
	case err != nil && domain.IsKind(err, domain.InvalidInput):
		return fmt.Sprintf("I could not read %s. Make sure it is a text-based PDF.", name)
	case err != nil:
		log.Warn("ingesting document", "file", name, "error", err)
		return domain.UserMessage(domain.KindOf(err))
	case report.Status == ingest.StatusSkipped:
		return fmt.Sprintf("%s is already in your library.", name)
	default:
		return fmt.Sprintf("Added %s to your library (%d sections).", name, report.Chunks)
	}
}

// FormatAnswer renders an answer as a plain-text chat message.
func FormatAnswer(a domain.Answer) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(a.Text))
	if a.Provenance != domain.ProvenanceDocuments {
		sb.WriteString("\n\nSource: general medical knowledge, not your documents.")
		return sb.String()
	}
	sb.WriteString("\n\nSources:")
	for _, c := range a.Citations {
		fmt.Fprintf(&sb, "\n[%d] %s, section %d", c.Marker, c.DocumentID, c.ChunkIndex+1)
	}
	return sb.String()
}
