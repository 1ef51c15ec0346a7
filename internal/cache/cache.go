package cache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/angeloszaimis/evproxy/internal/buf"
)

const tempPattern = "tmp-*"

// Cache is a directory of responses keyed by the md5 of the cache key. The
// last hex digit of the hash names a subdirectory.
type Cache struct {
	Dir string
	// Valid is how long an entry is served; zero keeps entries forever.
	Valid time.Duration

	log *slog.Logger
	now func() time.Time
}

func New(dir string, valid time.Duration, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{
		Dir:   dir,
		Valid: valid,
		log:   logger,
		now:   time.Now,
	}, nil
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Path returns the file of key.
func (c *Cache) Path(key string) string {
	sum := md5.Sum([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.Dir, name[len(name)-1:], name)
}

// Open returns the entry of key, or nil when there is none or it expired.
func (c *Cache) Open(key string) (*os.File, error) {
	path := c.Path(key)

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open cache entry: %w", err)
	}

	if c.Valid > 0 {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat cache entry: %w", err)
		}
		if c.now().Sub(fi.ModTime()) > c.Valid {
			f.Close()
			c.log.Debug("cache entry expired", "key", key)
			_ = os.Remove(path)
			return nil, nil
		}
	}

	return f, nil
}

func (c *Cache) Create(key string) (*buf.TempFile, error) {
	return buf.CreateTemp(nil, c.Dir, tempPattern, true)
}

// Update moves a filled entry into place, replacing an older one.
func (c *Cache) Update(key string, tf *buf.TempFile) error {
	path := c.Path(key)
	defer tf.File.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		_ = os.Remove(tf.Path)
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.Rename(tf.Path, path); err != nil {
		_ = os.Remove(tf.Path)
		return fmt.Errorf("publish cache entry: %w", err)
	}

	c.log.Debug("cache entry stored", "key", key, "size", tf.Offset)
	return nil
}

func (c *Cache) Free(tf *buf.TempFile) {
	tf.File.Close()
	_ = os.Remove(tf.Path)
}

// Remove drops the entry of key.
func (c *Cache) Remove(key string) error {
	err := os.Remove(c.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
