package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigBackend is persistent config storage addressed by dotted keys such
// as "server.port".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// fileBackend keeps the YAML config file as a node tree, one mapping level
// per key segment, so that writes preserve the user's comments and key
// order.
//
//	server:
//	  port: 8000
type fileBackend struct {
	path string
	root *yaml.Node // mapping node
	doc  yaml.Node
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path}
	if err := b.load(); err != nil {
		slog.Warn("ignoring config file", "path", path, "error", err)
		b.doc = yaml.Node{}
	}
	if b.doc.Kind != yaml.DocumentNode || len(b.doc.Content) == 0 {
		b.doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	b.root = b.doc.Content[0]
	return b
}

func (b *fileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, &b.doc); err != nil {
		return err
	}
	if len(b.doc.Content) > 0 && b.doc.Content[0].Kind != yaml.MappingNode {
		return errors.New("top level is not a mapping")
	}
	return nil
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&b.doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(b.path, buf.Bytes(), 0o600)
}

// entry returns the index of the value node for name in mapping m, or -1.
func entry(m *yaml.Node, name string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == name {
			return i + 1
		}
	}
	return -1
}

// parent walks to the mapping holding the last key segment. With create
// set, missing or non-mapping levels are replaced by empty mappings.
func (b *fileBackend) parent(key string, create bool) (*yaml.Node, string) {
	parts := strings.Split(key, ".")
	m := b.root
	for _, part := range parts[:len(parts)-1] {
		i := entry(m, part)
		switch {
		case i >= 0 && m.Content[i].Kind == yaml.MappingNode:
			m = m.Content[i]
		case !create:
			return nil, ""
		case i >= 0:
			m.Content[i] = &yaml.Node{Kind: yaml.MappingNode}
			m = m.Content[i]
		default:
			next := &yaml.Node{Kind: yaml.MappingNode}
			m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: part}, next)
			m = next
		}
	}
	return m, parts[len(parts)-1]
}

// scalar returns the scalar stored at key. A missing key or a null value is
// not ok.
func (b *fileBackend) scalar(key string) (string, bool, error) {
	m, name := b.parent(key, false)
	if m == nil {
		return "", false, nil
	}
	i := entry(m, name)
	if i < 0 {
		return "", false, nil
	}
	n := m.Content[i]
	if n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	switch {
	case n.Kind != yaml.ScalarNode:
		return "", true, fmt.Errorf("%s is not a scalar", key)
	case n.Tag == "!!null":
		return "", false, nil
	}
	return n.Value, true, nil
}

func (b *fileBackend) put(key string, n *yaml.Node) error {
	m, name := b.parent(key, true)
	if i := entry(m, name); i >= 0 {
		n.LineComment = m.Content[i].LineComment
		m.Content[i] = n
	} else {
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, n)
	}
	return b.save()
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	return b.scalar(key)
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.scalar(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, s)
	}
	return v, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	return b.put(key, &yaml.Node{Kind: yaml.ScalarNode, Value: val})
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.put(key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(val)})
}

func (b *fileBackend) Delete(key string) error {
	m, name := b.parent(key, false)
	if m == nil {
		return nil
	}
	i := entry(m, name)
	if i < 0 {
		return nil
	}
	m.Content = append(m.Content[:i-1], m.Content[i+1:]...)
	return b.save()
}
