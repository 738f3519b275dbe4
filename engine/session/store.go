package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists and rehydrates sessions.
type Store interface {
	// Save fully overwrites the record for the session's id.
	Save(s *Session) error
	// Load rehydrates a session by id, validating the record.
	Load(sessionID string) (*Session, error)
}

// FileStore keeps one JSON record per session under a base directory,
// named deterministically from the session id.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (fs *FileStore) BaseDir() string {
	return fs.baseDir
}

func (fs *FileStore) path(sessionID string) string {
	return filepath.Join(fs.baseDir, fmt.Sprintf("session_%s.json", sessionID))
}

// Save writes the session record atomically: temp file in the same
// directory, then rename, so a crash mid-save never corrupts the
// previous record.
func (fs *FileStore) Save(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.SessionID, err)
	}
	data = append(data, '\n')
	return writeAtomic(fs.path(s.SessionID), data)
}

// Load reads and validates the record for sessionID. A missing record
// wraps os.ErrNotExist; a corrupted or schema-incomplete record yields
// a ValidationError.
func (fs *FileStore) Load(sessionID string) (*Session, error) {
	data, err := os.ReadFile(fs.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s not found at %s: %w", sessionID, fs.path(sessionID), err)
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &ValidationError{Field: "record", Reason: fmt.Sprintf("corrupted JSON: %v", err)}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = ""
	return nil
}
