package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

// fileDocument is the on-disk layout of a FileSource:
//
//	keys:
//	  /discovery/lolxp/mim/mim-lolxp-01-1.example.com/viv_privip: 10.0.0.1
type fileDocument struct {
	Keys map[string]string `yaml:"keys"`
}

// FileSource serves discovery keys from a YAML file.  It stands in for etcd
// when running offline and in tests.
type FileSource struct {
	path     string
	debounce time.Duration
}

// NewFile returns a source reading path on every List.
func NewFile(path string) *FileSource {
	return &FileSource{path: path, debounce: 250 * time.Millisecond}
}

// List parses the file and returns the pairs beneath prefix, sorted by key.
func (s *FileSource) List(_ context.Context, prefix string) ([]vocabulary.KeyValue, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", s.path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("discovery: parse %s: %w", s.path, err)
	}

	out := make([]vocabulary.KeyValue, 0, len(doc.Keys))
	for k, v := range doc.Keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, vocabulary.KeyValue{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Endpoint returns the file URL for status output.
func (s *FileSource) Endpoint() string { return "file://" + s.path }

// Watch calls onChange whenever the file is written, created or replaced,
// coalescing bursts of events.  It blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename are still noticed.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("discovery: watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("discovery: watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)
	slog.Info("discovery: watching file", "path", name)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			timerCh = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("discovery: watcher error", "path", name, "err", err)

		case <-timerCh:
			timerCh = nil
			slog.Debug("discovery: file changed", "path", name)
			onChange()
		}
	}
}
