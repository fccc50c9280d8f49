// Package recorder persists the build summaries of synchronized targets as
// yaml files, and garbage collects summaries no target refreshes anymore.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/bpineau/gitbound/pkg/event"
)

var appFs = afero.NewOsFs()

type logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type activeFiles map[string]bool

// Listener receives events from the watcher and saves summaries to disk
type Listener struct {
	logger      logger
	events      event.Notifier
	localDir    string
	gcInterval  time.Duration
	dryRun      bool
	actives     activeFiles
	activesLock sync.RWMutex
	stopch      chan struct{}
	donech      chan struct{}
}

// New creates a new Listener. Summaries not refreshed for twice the
// gcInterval are removed; a zero gcInterval disables the collection.
func New(log logger, events event.Notifier, localDir string, gcInterval time.Duration, dryRun bool) *Listener {
	return &Listener{
		logger:     log,
		events:     events,
		localDir:   filepath.Clean(localDir),
		gcInterval: gcInterval,
		dryRun:     dryRun,
		actives:    activeFiles{},
	}
}

// Start receives events and persists them to disk
func (w *Listener) Start() *Listener {
	w.logger.Infof("Starting event recorder")

	w.stopch = make(chan struct{})
	w.donech = make(chan struct{})

	go func() {
		defer close(w.donech)

		var gcTick <-chan time.Time
		if w.gcInterval > 0 {
			ticker := time.NewTicker(w.gcInterval * 2)
			defer ticker.Stop()
			gcTick = ticker.C
		}

		for {
			select {
			case <-w.stopch:
				return
			case ev := <-w.events.ReadChan():
				w.processNextEvent(&ev)
			case <-gcTick:
				w.deleteObsoleteFiles()
			}
		}
	}()

	return w
}

// Stop halts the recorder
func (w *Listener) Stop() {
	w.logger.Infof("Stopping event recorder")
	close(w.stopch)
	<-w.donech
}

func (w *Listener) processNextEvent(ev *event.Notification) {
	if w.dryRun {
		return
	}

	path := filepath.Join(w.localDir, ev.Kind+"-"+ev.Key+".yaml")

	var err error
	switch ev.Action {
	case event.Upsert:
		err = w.save(path, ev.Object)
	case event.Delete:
		err = w.remove(path)
	}

	if err != nil {
		w.logger.Errorf("failed to save or delete %s: %v", path, err)
	}
}

func (w *Listener) relativePath(file string) string {
	return strings.TrimPrefix(file, w.localDir+string(filepath.Separator))
}

func (w *Listener) remove(file string) error {
	w.activesLock.Lock()
	delete(w.actives, w.relativePath(file))
	w.activesLock.Unlock()

	err := appFs.Remove(filepath.Clean(file))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (w *Listener) save(file string, data []byte) error {
	dir := filepath.Clean(filepath.Dir(file))

	err := appFs.MkdirAll(dir, 0700)
	if err != nil {
		return fmt.Errorf("can't create local directory %s: %v", dir, err)
	}

	w.activesLock.Lock()
	w.actives[w.relativePath(file)] = true
	w.activesLock.Unlock()

	tmp, err := afero.TempFile(appFs, dir, ".summary-*")
	if err != nil {
		return fmt.Errorf("failed to create a temporary file in %s: %v", dir, err)
	}

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = appFs.Remove(tmp.Name())
		return fmt.Errorf("failed to write to %s on disk: %v", file, err)
	}

	if err = appFs.Rename(tmp.Name(), file); err != nil {
		_ = appFs.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %v", file, err)
	}

	return nil
}

func (w *Listener) deleteObsoleteFiles() {
	if w.dryRun {
		return
	}

	w.activesLock.RLock()
	defer w.activesLock.RUnlock()

	err := afero.Walk(appFs, w.localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || !strings.HasSuffix(path, ".yaml") {
			return nil
		}

		if w.actives[w.relativePath(path)] {
			return nil
		}

		return appFs.Remove(filepath.Clean(path))
	})

	if err != nil {
		w.logger.Errorf("failed to gc some files: %v", err)
	}
}
