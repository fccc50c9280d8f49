package recorder

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"

	"github.com/bpineau/gitbound/pkg/synchronizer"
)

// Kind is the notification kind of build summaries
const Kind = "summary"

// Summary is what a synchronized target hands back to its consumers: the
// commit actually checked out and the files it produced.
type Summary struct {
	Directory string    `json:"directory"`
	URL       string    `json:"url"`
	Ref       string    `json:"ref"`
	Hash      string    `json:"hash"`
	Cloned    bool      `json:"cloned,omitempty"`
	Pulled    bool      `json:"pulled,omitempty"`
	SyncedAt  time.Time `json:"syncedAt"`
	Files     []string  `json:"files"`
}

// NewSummary summarizes a synchronization result
func NewSummary(res *synchronizer.Result, at time.Time) *Summary {
	return &Summary{
		Directory: res.Directory,
		URL:       res.URL,
		Ref:       res.Ref,
		Hash:      res.Hash,
		Cloned:    res.Cloned,
		Pulled:    res.Pulled,
		SyncedAt:  at.UTC(),
		Files:     res.Files,
	}
}

// YAML serializes the summary
func (s *Summary) YAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// Key derives a file name friendly key from a target directory
func Key(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	key := strings.Trim(filepath.ToSlash(dir), "/")
	key = strings.NewReplacer("/", "_", ":", "_").Replace(key)
	if key == "" {
		return "root"
	}
	return key
}
