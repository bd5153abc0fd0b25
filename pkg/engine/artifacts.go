package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// CollectArtifacts resolves globs relative to the project directory and
// returns every matching regular file with its size and SHA-256 checksum.
func CollectArtifacts(project Project, globs []string) ([]Artifact, error) {
	seen := make(map[string]bool)
	var artifacts []Artifact

	for _, pattern := range globs {
		matches, err := filepath.Glob(filepath.Join(project.Path, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			if seen[path] {
				continue
			}
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			sum, err := fileChecksum(path)
			if err != nil {
				return nil, fmt.Errorf("failed to checksum %s: %w", path, err)
			}
			seen[path] = true
			artifacts = append(artifacts, Artifact{
				Path:   path,
				Size:   info.Size(),
				SHA256: sum,
			})
		}
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
