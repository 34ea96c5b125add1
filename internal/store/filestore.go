// ABOUTME: File-backed storage for conversation bodies as JSON documents
// ABOUTME: Writes are atomic via temp file and rename; filenames are assigned on first write

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BodyMessage is one entry in a conversation body.
type BodyMessage struct {
	Role        string    `json:"role"` // user or assistant
	AuthorID    string    `json:"author_id,omitempty"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Body is the serialized conversation content.
type Body struct {
	ThreadID    string        `json:"thread_id"`
	GuildID     string        `json:"guild_id"`
	GuildName   string        `json:"guild_name"`
	RequesterID string        `json:"requester_id"`
	Messages    []BodyMessage `json:"messages"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// FileStore keeps conversation bodies as JSON files in one directory.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates the directory if needed and returns a FileStore rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating conversations directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: slog.Default().With("component", "filestore"),
	}, nil
}

// Write persists body under filename, assigning a new filename when empty.
// Returns the filename used.
func (f *FileStore) Write(filename string, body *Body) (string, error) {
	if filename == "" {
		filename = "conversation-" + uuid.New().String() + ".json"
	}
	path, err := f.path(filename)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if body.CreatedAt.IsZero() {
		body.CreatedAt = now
	}
	body.UpdatedAt = now

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeJSONAtomic(path, body); err != nil {
		return "", err
	}
	f.logger.Debug("wrote conversation body", "filename", filename, "messages", len(body.Messages))
	return filename, nil
}

// Read loads a body. Returns ErrNotFound if the file does not exist.
func (f *FileStore) Read(filename string) (*Body, error) {
	path, err := f.path(filename)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return readBody(path)
}

// Append adds messages to an existing body.
func (f *FileStore) Append(filename string, msgs ...BodyMessage) error {
	path, err := f.path(filename)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	body, err := readBody(path)
	if err != nil {
		return err
	}
	body.Messages = append(body.Messages, msgs...)
	body.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(path, body)
}

func (f *FileStore) path(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("invalid body filename %q", filename)
	}
	return filepath.Join(f.dir, filename), nil
}

func readBody(path string) (*Body, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation body: %w", err)
	}
	var body Body
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decoding conversation body: %w", err)
	}
	return &body, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding conversation body: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
