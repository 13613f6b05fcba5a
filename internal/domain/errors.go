package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures that cross component boundaries. Callers branch on
// the kind, never on the wrapped upstream error.
type Kind int

const (
	KindUnknown Kind = iota
	InvalidInput
	EmbeddingUnavailable
	VectorStoreUnavailable
	GenerationUnavailable
	NamespaceNotFound
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case EmbeddingUnavailable:
		return "embedding_unavailable"
	case VectorStoreUnavailable:
		return "vector_store_unavailable"
	case GenerationUnavailable:
		return "generation_unavailable"
	case NamespaceNotFound:
		return "namespace_not_found"
	default:
		return "internal_error"
	}
}

// Error is a classified error. Op names the operation that failed, Err keeps
// the upstream cause for logs.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns the fixed message shown to end users for a kind.
// Upstream payloads never reach users.
func UserMessage(kind Kind) string {
	switch kind {
	case InvalidInput:
		return "The request could not be processed. Check the input and try again."
	case EmbeddingUnavailable:
		return "The embedding service is temporarily unavailable. Please try again later."
	case VectorStoreUnavailable:
		return "The document index is temporarily unavailable. Please try again later."
	case GenerationUnavailable:
		return "The answer service is temporarily unavailable. Please try again later."
	case NamespaceNotFound:
		return "No documents have been ingested for this namespace."
	default:
		return "An internal error occurred."
	}
}
