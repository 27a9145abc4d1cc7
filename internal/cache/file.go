package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/fileutil"
)

// cacheFilePermissions is the mode of the cache file.
const cacheFilePermissions = 0o600

// ErrCorruptCache indicates the cache file is malformed JSON.
var ErrCorruptCache = errors.New("cache file is corrupted")

// FileStorage persists an AccountCache as JSON.
type FileStorage struct {
	path string
}

// NewFileStorage creates storage backed by path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the cache file of a ledgerlink home.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// Save writes the cache atomically.
func (s *FileStorage) Save(c *AccountCache) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}

	if err := fileutil.WriteAtomic(s.path, data, cacheFilePermissions); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}
	return nil
}

// Load reads the cache. A missing file yields an empty cache. A corrupt
// file is moved aside and reported with ErrCorruptCache alongside an
// empty cache, so callers may log and carry on.
func (s *FileStorage) Load() (*AccountCache, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache file: %w", err)
	}

	c := New()
	if err := json.Unmarshal(data, c); err != nil {
		moved, moveErr := fileutil.Quarantine(s.path, strconv.FormatInt(time.Now().UTC().UnixNano(), 10))
		if moveErr != nil {
			return New(), fmt.Errorf("%w: %w (also failed to move file: %w)", ErrCorruptCache, err, moveErr)
		}
		return New(), fmt.Errorf("%w: %w (moved to %s)", ErrCorruptCache, err, moved)
	}
	if c.Accounts == nil {
		c.Accounts = make(map[chain.ID]AccountEntry)
	}
	return c, nil
}

// Exists checks if the cache file exists.
func (s *FileStorage) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the cache file path.
func (s *FileStorage) Path() string {
	return s.path
}
