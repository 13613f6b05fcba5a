// Package extract turns source files into plain text.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/medrag/medrag/internal/domain"
)

// SupportedExtensions lists the file extensions Text accepts.
var SupportedExtensions = []string{".pdf", ".txt", ".md"}

// Supported reports whether filename has an extension Text can handle.
func Supported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// File reads path and extracts its text.
func File(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return Text(ctx, filepath.Base(path), content)
}

// Text extracts plain text from content, choosing the decoder by the
// filename's extension. Undecodable or empty documents are InvalidInput.
func Text(ctx context.Context, filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", domain.Errorf(domain.InvalidInput, "extract", "%s is empty", filename)
	}

	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		text, err = pdfText(ctx, content)
	case ".txt", ".md":
		if !utf8.Valid(content) {
			return "", domain.Errorf(domain.InvalidInput, "extract", "%s is not valid UTF-8", filename)
		}
		text = string(content)
	default:
		return "", domain.Errorf(domain.InvalidInput, "extract", "unsupported file type %q", filepath.Ext(filename))
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", domain.E(domain.InvalidInput, "extract", fmt.Errorf("%s: %w", filename, err))
	}

	text = strings.ToValidUTF8(text, "")
	if strings.TrimSpace(text) == "" {
		return "", domain.Errorf(domain.InvalidInput, "extract", "%s contains no extractable text", filename)
	}
	return text, nil
}

func pdfText(ctx context.Context, content []byte) (text string, err error) {
	// The decoder panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}

	var buf bytes.Buffer
	numPages := r.NumPage()
	for i := 0; i < numPages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i + 1)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", i+1, err)
		}
		buf.WriteString(pageText)
		buf.WriteByte('\n')
	}
	return buf.String(), nil
}
