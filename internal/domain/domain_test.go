package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := E(EmbeddingUnavailable, "embed", errors.New("connection refused"))
	wrapped := fmt.Errorf("ingesting a.pdf: %w", base)

	if got := KindOf(wrapped); got != EmbeddingUnavailable {
		t.Errorf("KindOf = %v, want %v", got, EmbeddingUnavailable)
	}
	if !errors.Is(wrapped, &Error{Kind: EmbeddingUnavailable}) {
		t.Error("errors.Is by kind = false, want true")
	}
	if errors.Is(wrapped, &Error{Kind: GenerationUnavailable}) {
		t.Error("errors.Is matched the wrong kind")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Errorf("KindOf = %v, want KindUnknown", got)
	}
	if IsKind(nil, InvalidInput) {
		t.Error("IsKind(nil) = true")
	}
}

func TestUserMessage_NeverEchoesCause(t *testing.T) {
	err := E(GenerationUnavailable, "generate", errors.New(`{"error":"upstream secret"}`))
	msg := UserMessage(KindOf(err))
	if msg == "" || msg == err.Error() {
		t.Fatalf("UserMessage = %q", msg)
	}
	for _, k := range []Kind{InvalidInput, EmbeddingUnavailable, VectorStoreUnavailable, GenerationUnavailable, NamespaceNotFound, KindUnknown} {
		if UserMessage(k) == "" {
			t.Errorf("UserMessage(%v) is empty", k)
		}
	}
}

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		in      string
		want    Namespace
		wantErr bool
	}{
		{"", DefaultNamespace, false},
		{"  ", DefaultNamespace, false},
		{"123456789", "123456789", false},
		{"clinic-a.v2", "clinic-a.v2", false},
		{"a/b", "", true},
		{"has space", "", true},
	}
	for _, tt := range tests {
		got, err := ParseNamespace(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseNamespace(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !IsKind(err, InvalidInput) {
			t.Errorf("ParseNamespace(%q) kind = %v, want InvalidInput", tt.in, KindOf(err))
		}
		if got != tt.want {
			t.Errorf("ParseNamespace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDocumentID(t *testing.T) {
	tests := []struct {
		in, prefix string
	}{
		{"aspirin-guide.pdf", "aspirin-guide.pdf"},
		{"/data/pdfs/cardiology.pdf", "cardiology.pdf"},
		{"Aspirin Guide.pdf", "aspirin-guide.pdf~"},
		{"/data/pdfs/Cardiology.PDF", "cardiology.pdf~"},
		{"???", "document~"},
	}
	for _, tt := range tests {
		got := DocumentID(tt.in)
		if !strings.HasPrefix(got, tt.prefix) {
			t.Errorf("DocumentID(%q) = %q, want prefix %q", tt.in, got, tt.prefix)
		}
		if !strings.HasSuffix(tt.prefix, "~") && got != tt.prefix {
			t.Errorf("DocumentID(%q) = %q, want %q", tt.in, got, tt.prefix)
		}
		if DocumentID(tt.in) != got {
			t.Errorf("DocumentID(%q) is not stable", tt.in)
		}
	}

	// Names that differ only by case or punctuation must not collide.
	names := []string{
		"Aspirin Guide.txt", "aspirin_guide.txt", "aspirin-guide.txt",
		"ASPIRIN-GUIDE.txt", "aspirin guide.txt", "aspirin--guide.txt",
		"?", "!",
	}
	seen := make(map[string]string)
	for _, name := range names {
		id := DocumentID(name)
		if other, ok := seen[id]; ok {
			t.Errorf("DocumentID(%q) = DocumentID(%q) = %q", name, other, id)
		}
		seen[id] = name
	}

	if ChunkID("a.pdf", 3) != "a.pdf#3" {
		t.Errorf("ChunkID = %q", ChunkID("a.pdf", 3))
	}
}
