package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// maxSessionFileBytes bounds what is read from the session file.
const maxSessionFileBytes = 64 * 1024

// File follows a YAML session file written by whatever performs the
// login:
//
//	username: alice
//	token: 3f2a...
//
// Creating or rewriting the file logs in (or switches user), removing it
// logs out. The parent directory is watched rather than the file so
// editors that replace the file by rename are handled.
type File struct {
	path   string
	logger *slog.Logger
}

// NewFile returns a provider for the session file at path.
func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: filepath.Clean(path), logger: logger}
}

// Watch emits the file's current session, then a new value each time
// the file changes. An unreadable or incomplete file counts as logged
// out. Blocks until ctx is done.
func (p *File) Watch(ctx context.Context, onChange func(*chat.Session)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching session directory: %w", err)
	}

	var last *chat.Session

	emit := func() {
		s, ok := p.read()
		if !ok || sameSession(last, s) {
			return
		}

		last = s

		if s == nil {
			p.logger.Info("session file cleared")
		} else {
			p.logger.Info("session file loaded", slog.String("username", s.Username))
		}

		onChange(s)
	}

	emit()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			emit()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			p.logger.Warn("session file watcher error", slog.String("error", err.Error()))
		}
	}
}

// read parses the session file. Any failure is logged and treated as no
// session. ok is false for an empty file, which is a write in progress.
func (p *File) read() (*chat.Session, bool) {
	f, err := os.Open(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("cannot open session file", slog.String("error", err.Error()))
		}

		return nil, true
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(f, maxSessionFileBytes)); err != nil {
		p.logger.Warn("cannot read session file", slog.String("error", err.Error()))
		return nil, true
	}

	if buf.Len() == 0 {
		// Truncated mid-write; the next event carries the content.
		return nil, false
	}

	var parsed chat.Session
	if err := yaml.Unmarshal(buf.Bytes(), &parsed); err != nil {
		p.logger.Warn("invalid session file", slog.String("error", err.Error()))
		return nil, true
	}

	if parsed.Username == "" || parsed.Token == "" {
		p.logger.Warn("session file needs both username and token")
		return nil, true
	}

	return &parsed, true
}

// Logout removes the session file. The resulting fsnotify event is
// delivered from Watch's goroutine, never from here.
func (p *File) Logout(reason string) error {
	p.logger.Info("removing session file", slog.String("reason", reason))

	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}

	return nil
}

func sameSession(a, b *chat.Session) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}
