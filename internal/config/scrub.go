package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scrubber removes evicted key ids from the configuration file's keys
// section so a dead key is not re-registered on the next reconcile.
// It provides atomic writes (write-tmp-then-rename) and file locking
// (flock for cross-process, mutex for in-process).
type Scrubber struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewScrubber creates a Scrubber for the given config file path.
// An empty path produces a no-op scrubber (env-vars-only mode).
func NewScrubber(path string, logger *slog.Logger) *Scrubber {
	return &Scrubber{
		path:   path,
		logger: logger,
	}
}

// RemoveKey deletes id from every form of the keys section in the config
// file and writes the result back atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Parse the YAML document
//  4. Drop id from keys.list, keys.pairs, and keys.ids
//  5. Write to path+".tmp" with the original permissions
//  6. Fsync the temp file
//  7. Rename path+".tmp" -> path
//  8. Release flock
//  9. Release mutex
//
// Missing file or missing id are not errors.
func (s *Scrubber) RemoveKey(id string) error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if !scrubKeysSection(doc, id) {
		return nil
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := s.writeAtomic(out); err != nil {
		return err
	}

	s.logger.Info("removed evicted key from config file", "path", s.path)
	return nil
}

// scrubKeysSection drops id from every keys form in doc.
// Reports whether anything changed.
func scrubKeysSection(doc map[string]any, id string) bool {
	keysAny, ok := doc["keys"]
	if !ok {
		return false
	}
	keys, ok := keysAny.(map[string]any)
	if !ok {
		return false
	}

	changed := false

	if list, ok := keys["list"].([]any); ok {
		var kept []any
		for _, entry := range list {
			m, ok := entry.(map[string]any)
			if ok && entryID(m) == id {
				changed = true
				continue
			}
			kept = append(kept, entry)
		}
		if changed {
			keys["list"] = kept
		}
	}

	if pairs, ok := keys["pairs"].(string); ok && pairs != "" {
		if scrubbed, hit := dropDelimited(pairs, id, true); hit {
			keys["pairs"] = scrubbed
			changed = true
		}
	}

	if ids, ok := keys["ids"].(string); ok && ids != "" {
		if scrubbed, hit := dropDelimited(ids, id, false); hit {
			keys["ids"] = scrubbed
			changed = true
		}
	}

	return changed
}

func entryID(m map[string]any) string {
	v, _ := m["id"].(string)
	return strings.TrimSpace(v)
}

// dropDelimited removes id from a comma-delimited string. With pairs=true
// each item is "id:plan" and only the id part is matched.
func dropDelimited(raw, id string, pairs bool) (string, bool) {
	var kept []string
	hit := false
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		candidate := item
		if pairs {
			candidate, _, _ = strings.Cut(item, ":")
			candidate = strings.TrimSpace(candidate)
		}
		if candidate == id {
			hit = true
			continue
		}
		kept = append(kept, item)
	}
	return strings.Join(kept, ","), hit
}

// writeAtomic writes data to the config path via tmp + fsync + rename,
// preserving the existing file mode.
func (s *Scrubber) writeAtomic(data []byte) error {
	mode := os.FileMode(0600)
	if info, err := os.Stat(s.path); err == nil {
		mode = info.Mode().Perm()
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
