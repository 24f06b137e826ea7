package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// Store persists the configuration document and keeps the last accepted
// bytes so an export returns exactly what was imported.
type Store struct {
	path string

	mu  sync.RWMutex
	doc Document
	raw []byte
}

// NewStore loads path, falling back to defaults when the file does not exist.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, doc: Default()}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		glog.Infof("config %s not found, using defaults", path)
		s.raw, _ = json.MarshalIndent(s.doc, "", "  ")
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	doc, raw, err := parseKeepingJSON(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	s.doc, s.raw = *doc, raw
	return s, nil
}

func parseKeepingJSON(data []byte) (*Document, []byte, error) {
	doc, js, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	if json.Valid(data) {
		return doc, bytes.TrimSpace(data), nil
	}
	return doc, js, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Document returns a copy of the current document.
func (s *Store) Document() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.clone()
}

// Export returns the stored document bytes.
func (s *Store) Export() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.raw...)
}

// Import validates data, persists it and returns the parsed document.
func (s *Store) Import(data []byte) (*Document, error) {
	doc, raw, err := parseKeepingJSON(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = writeAtomic(s.path, raw); err != nil {
		return nil, err
	}
	s.doc, s.raw = *doc, raw
	return doc, nil
}

// Update applies fn to a copy of the document and persists the result.
func (s *Store) Update(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc.clone()
	fn(&doc)
	if err := doc.Validate(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err = writeAtomic(s.path, raw); err != nil {
		return err
	}
	s.doc, s.raw = doc, raw
	return nil
}

// reload re-reads the file and reports whether its content changed.
func (s *Store) reload() (*Document, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false, err
	}
	doc, raw, err := parseKeepingJSON(data)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(raw, s.raw) {
		return doc, false, nil
	}
	s.doc, s.raw = *doc, raw
	return doc, true, nil
}

// Watch reloads the document whenever the file changes on disk and calls
// onChange with the new content. It returns when stop is closed.
func (s *Store) Watch(stop <-chan struct{}, onChange func(Document)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err = watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				doc, changed, err := s.reload()
				if err != nil {
					glog.Errorf("reloading config %s: %v", s.path, err)
					continue
				}
				if changed {
					glog.Infof("config %s changed on disk", s.path)
					onChange(*doc)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				glog.Errorf("config watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (d Document) clone() Document {
	c := d
	c.Interfaces = make(map[string]InterfaceConfig, len(d.Interfaces))
	for k, v := range d.Interfaces {
		c.Interfaces[k] = v
	}
	c.Telemetry.Interfaces = append([]string(nil), d.Telemetry.Interfaces...)
	return c
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
