package data

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cache records the UUIDs of chapters that have already been archived so
// they are not downloaded again. It is persisted as a flat file with one
// UUID per line. The file is read once at load time and appended to after
// each successful archive; there are no concurrent writers.
type Cache struct {
	path string
	seen map[string]struct{}
}

// LoadCache reads the cache file at path, creating the parent directory
// and an empty file if it does not exist yet.
func LoadCache(path string) (*Cache, error) {
	cache := &Cache{
		path: path,
		seen: make(map[string]struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		cache.seen[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	return cache, nil
}

// Contains reports whether the chapter UUID was recorded by a previous run.
func (c *Cache) Contains(id string) bool {
	_, ok := c.seen[id]
	return ok
}

// Len returns the number of recorded UUIDs.
func (c *Cache) Len() int {
	return len(c.seen)
}

// Add appends the chapter UUID to the cache file. Callers must only do
// this once the chapter archive is fully written, so a crash can never
// leave a cache entry without its archive.
func (c *Cache) Add(id string) error {
	if c.Contains(id) {
		return nil
	}

	file, err := os.OpenFile(c.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open cache file: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, id); err != nil {
		return fmt.Errorf("failed to append to cache file: %w", err)
	}

	c.seen[id] = struct{}{}
	return nil
}
