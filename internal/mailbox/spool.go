package mailbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"mailcal/internal/log"
	"mailcal/internal/nested"
)

// Spool reads Gmail API message documents (*.json) from a directory.
// MarkRead moves the file into the done/ subdirectory.
type Spool struct {
	dir string

	mu    sync.Mutex
	files map[string]string // message id -> file name
}

// NewSpool prepares dir and its done/ subdirectory.
func NewSpool(dir string) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("mailbox: spool dir is empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, "done"), 0o700); err != nil {
		return nil, fmt.Errorf("mailbox: create spool: %w", err)
	}
	return &Spool{dir: dir, files: make(map[string]string)}, nil
}

func (s *Spool) Unread(ctx context.Context) ([]Message, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("mailbox: list spool: %w", err)
	}
	sort.Strings(paths)

	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.files)

	out := make([]Message, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("mailbox: read %s: %w", path, err)
		}
		doc, err := nested.Decode(data)
		if err != nil {
			log.Warn("spool: skipping undecodable file", "file", filepath.Base(path), "err", err)
			continue
		}
		if m, ok := doc.(nested.Map); ok && !hasLabels(m, RequiredLabels) {
			continue
		}

		name := filepath.Base(path)
		msg := fromDocument(doc, strings.TrimSuffix(name, ".json"))
		s.files[msg.ID] = name
		out = append(out, msg)
	}
	return out, nil
}

func (s *Spool) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	name, ok := s.files[id]
	if ok {
		delete(s.files, id)
	}
	s.mu.Unlock()
	if !ok {
		name = id + ".json"
	}

	src := filepath.Join(s.dir, name)
	dst := filepath.Join(s.dir, "done", name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("mailbox: mark %q read: %w", id, err)
	}
	return nil
}

func (s *Spool) Close() error { return nil }
