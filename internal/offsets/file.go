package offsets

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileStore keeps every room's offset in one JSON document, rewritten
// atomically on each save.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

type fileDoc struct {
	Rooms map[string]json.RawMessage `json:"rooms"`
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file offset store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "file offset store: create dir")
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Save(_ context.Context, roomID string, offset int64) error {
	if roomID == "" {
		return errors.New("file offset store: empty room id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		// A corrupt document is replaced rather than blocking progress.
		log.Warn().Err(err).Str("path", f.path).Msg("offset file unreadable, rewriting")
		doc = fileDoc{Rooms: map[string]json.RawMessage{}}
	}
	doc.Rooms[roomID] = json.RawMessage(formatOffset(offset))
	return f.write(doc)
}

func (f *FileStore) Load(_ context.Context, roomID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("offset file unreadable")
		return 0
	}
	raw, ok := doc.Rooms[roomID]
	if !ok {
		return 0
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	n, ok := parseOffset(text)
	if !ok {
		return 0
	}
	return n
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) read() (fileDoc, error) {
	doc := fileDoc{Rooms: map[string]json.RawMessage{}}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, err
	}
	if doc.Rooms == nil {
		doc.Rooms = map[string]json.RawMessage{}
	}
	return doc, nil
}

func (f *FileStore) write(doc fileDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "file offset store: write")
	}
	return errors.Wrap(os.Rename(tmp, f.path), "file offset store: rename")
}
