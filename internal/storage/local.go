package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codebuildervaibhav/lecture-digest/internal/export"
)

// LocalStorage handles saving artifact sets to the local filesystem
type LocalStorage struct {
	outputDir string
	now       func() time.Time
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
		now:       time.Now,
	}
}

// SaveArtifacts writes every artifact plus a manifest under a dated directory:
// outputs/2025/01/23/<task id>/. Rewriting the same set overwrites in place.
func (ls *LocalStorage) SaveArtifacts(set export.ArtifactSet) (string, error) {
	now := ls.now()
	dir := filepath.Join(ls.outputDir,
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		sanitizeFilename(set.TaskID))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	manifest := struct {
		TaskID    string    `json:"task_id"`
		Files     []string  `json:"files"`
		WrittenAt time.Time `json:"written_at"`
	}{TaskID: set.TaskID, WrittenAt: now}

	for _, a := range set.Artifacts {
		name := sanitizeFilename(a.Name)
		if err := writeFileAtomic(filepath.Join(dir, name), a.Content); err != nil {
			return "", fmt.Errorf("failed to save %s: %w", a.Kind, err)
		}
		manifest.Files = append(manifest.Files, name)
	}

	metaJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "manifest.json"), metaJSON); err != nil {
		return "", fmt.Errorf("failed to save manifest: %w", err)
	}
	return dir, nil
}

// writeFileAtomic writes through a temp file so readers never see a partial file
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sanitizeFilename removes path separators and reserved characters
func sanitizeFilename(name string) string {
	result := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, filepath.Base(name))
	if len(result) > 100 {
		result = result[:100]
	}
	return result
}
