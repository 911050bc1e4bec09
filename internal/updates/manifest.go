// ABOUTME: Durable version manifest: a single JSON document rewritten atomically
// ABOUTME: Also provides streamed SHA-256 hashing of stored binaries

package updates

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// VersionInfo describes one uploaded agent binary.
type VersionInfo struct {
	Version       string    `json:"version"`
	SHA256        string    `json:"sha256"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	UploadedAt    time.Time `json:"uploadedAt"`
	ReleaseNotes  string    `json:"releaseNotes,omitempty"`
	IsTestVersion bool      `json:"isTestVersion"`
	FileName      string    `json:"fileName"`
}

// ChecksumHeader carries the hex SHA-256 of a served binary.
const ChecksumHeader = "X-Checksum-SHA256"

// CheckResponse is the body of an HTTP update check.
type CheckResponse struct {
	UpdateAvailable bool         `json:"update_available"`
	Version         *VersionInfo `json:"version,omitempty"`
}

// Manifest is the on-disk record of every known version.
type Manifest struct {
	LatestVersion string        `json:"latestVersion"`
	Versions      []VersionInfo `json:"versions"`
}

// sortDescending orders versions newest first.
func (m *Manifest) sortDescending() {
	sort.SliceStable(m.Versions, func(i, j int) bool {
		return CompareVersions(m.Versions[i].Version, m.Versions[j].Version) > 0
	})
}

// recomputeLatest points LatestVersion at the highest remaining version.
func (m *Manifest) recomputeLatest() {
	m.sortDescending()
	if len(m.Versions) == 0 {
		m.LatestVersion = ""
		return
	}
	m.LatestVersion = m.Versions[0].Version
}

func (m *Manifest) find(version string) int {
	for i, v := range m.Versions {
		if v.Version == version {
			return i
		}
	}
	return -1
}

func (m Manifest) clone() Manifest {
	out := Manifest{LatestVersion: m.LatestVersion}
	out.Versions = append([]VersionInfo(nil), m.Versions...)
	return out
}

// readManifest loads path. A missing file is an empty manifest.
func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	m.sortDescending()
	return m, nil
}

// writeManifest replaces path atomically: temp file, fsync, rename, then
// fsync the directory so the rename itself survives a crash.
func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// HashFile streams the file at path through SHA-256 and returns the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader returns the hex SHA-256 digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
