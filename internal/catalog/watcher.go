// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher auto-registers graph workflow files dropped into a directory.
// Every write produces a new version; versions are never replaced.
type Watcher struct {
	catalog *Catalog
	dir     string
	fsw     *fsnotify.Watcher
}

// NewWatcher creates a watcher over dir. Existing files are registered
// on Start before any events are consumed.
func NewWatcher(c *Catalog, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{catalog: c, dir: dir, fsw: fsw}, nil
}

// Start scans the directory then consumes filesystem events until ctx
// is cancelled. Registration failures are logged and skipped; a broken
// file must not wedge the watcher.
func (w *Watcher) Start(ctx context.Context) error {
	defer w.fsw.Close()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}
		w.registerFile(ctx, filepath.Join(w.dir, entry.Name()))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !isWorkflowFile(event.Name) {
				continue
			}
			w.registerFile(ctx, event.Name)
		case watchErr, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.catalog.logger.Warn("workflow watcher error", "error", watchErr)
		}
	}
}

func (w *Watcher) registerFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.catalog.logger.Warn("failed to read workflow file", "path", path, "error", err)
		return
	}
	registered, err := w.catalog.RegisterGraphSource(ctx, data)
	if err != nil {
		w.catalog.logger.Warn("failed to register workflow file", "path", path, "error", err)
		return
	}
	for _, wf := range registered {
		w.catalog.logger.Info("workflow file registered", "path", path, "workflow", wf.Name, "version", wf.Version)
	}
}

func isWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
