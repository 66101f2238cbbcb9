// Package cache keeps verified download artifacts on disk so that a repeat
// install of the same formula does not hit the network.
//
// Entries live at <root>/<name>/<version>/<digest>/<file> and are only ever
// written from a file that already passed digest verification. An entry is
// committed with a hard link, which fails if the name exists: the first
// writer wins and later writers discard their copy.
package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultIndexSize is the number of entries remembered in memory.
const DefaultIndexSize = 256

// Key identifies one cached artifact.
type Key struct {
	Name    string
	Version string
	Digest  string
	File    string // archive file name
}

func (k Key) String() string {
	return k.Name + "@" + k.Version + "/" + k.Digest + "/" + k.File
}

func (k Key) validate() error {
	for field, v := range map[string]string{"name": k.Name, "version": k.Version, "digest": k.Digest, "file": k.File} {
		v = strings.TrimSpace(v)
		if v == "" {
			return fmt.Errorf("%s is required", field)
		}
		if v == "." || strings.Contains(v, "..") || strings.ContainsAny(v, `/\`) {
			return fmt.Errorf("invalid %s: %s", field, v)
		}
	}
	return nil
}

// Stats counts index and disk lookups.
type Stats struct {
	Hits   uint64
	Misses uint64
	Writes uint64
}

// Cache is a directory of verified artifacts. It is safe for concurrent use.
type Cache struct {
	root  string
	index *lru.Cache[Key, string]
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
	writes atomic.Uint64
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string, indexSize int) (*Cache, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	dir = filepath.Clean(dir)
	if indexSize <= 0 {
		indexSize = DefaultIndexSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	index, err := lru.New[Key, string](indexSize)
	if err != nil {
		return nil, fmt.Errorf("create cache index: %w", err)
	}
	return &Cache{root: dir, index: index}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.root
}

// Path returns where the entry for k lives, whether or not it exists.
func (c *Cache) Path(k Key) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	return filepath.Join(c.root, k.Name, k.Version, k.Digest, k.File), nil
}

// Lookup returns the path of the cached artifact for k, if present.
func (c *Cache) Lookup(k Key) (string, bool) {
	if p, ok := c.index.Get(k); ok {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			c.hits.Add(1)
			return p, true
		}
		c.index.Remove(k)
	}

	p, err := c.Path(k)
	if err != nil {
		c.misses.Add(1)
		return "", false
	}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		c.misses.Add(1)
		return "", false
	}
	c.index.Add(k, p)
	c.hits.Add(1)
	return p, true
}

// CopyTo places the cached artifact for k at dest, hard-linking when
// possible and copying otherwise. Callers must re-verify the result.
func (c *Cache) CopyTo(k Key, dest string) error {
	src, ok := c.Lookup(k)
	if !ok {
		return fmt.Errorf("%s: %w", k, fs.ErrNotExist)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	return copyFile(src, dest)
}

// Put stores the verified file at src under k and returns the entry path.
// Concurrent Puts of one key in this process share a single write; across
// processes the first committed entry wins.
func (c *Cache) Put(k Key, src string) (string, error) {
	final, err := c.Path(k)
	if err != nil {
		return "", err
	}

	v, err, _ := c.group.Do(k.String(), func() (interface{}, error) {
		if info, err := os.Stat(final); err == nil && info.Mode().IsRegular() {
			return final, nil
		}

		dir := filepath.Dir(final)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create entry dir: %w", err)
		}

		tmp, err := os.CreateTemp(dir, ".put-*")
		if err != nil {
			return nil, fmt.Errorf("create temp entry: %w", err)
		}
		tmpPath := tmp.Name()
		tmp.Close()
		defer os.Remove(tmpPath)

		if err := copyFile(src, tmpPath); err != nil {
			return nil, err
		}

		if err := os.Link(tmpPath, final); err != nil && !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("commit entry: %w", err)
		}
		c.writes.Add(1)
		return final, nil
	})
	if err != nil {
		return "", fmt.Errorf("cache %s: %w", k, err)
	}

	path := v.(string)
	c.index.Add(k, path)
	return path, nil
}

// Evict removes the entry for k. Removing a missing entry is not an error.
func (c *Cache) Evict(k Key) error {
	c.index.Remove(k)
	p, err := c.Path(k)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("evict %s: %w", k, err)
	}
	// Prune now-empty parents up to the root; Remove fails on non-empty dirs
	for dir := filepath.Dir(p); dir != c.root && strings.HasPrefix(dir, c.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// Stats returns lookup and write counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Writes: c.writes.Load(),
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create dest: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return out.Close()
}
