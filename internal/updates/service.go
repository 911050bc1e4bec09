// ABOUTME: Update manifest service: tracks versions, stores binaries, verifies checksums
// ABOUTME: Mutations run under one lock, re-read the manifest from disk, and rewrite it whole

package updates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const manifestFile = "manifest.json"

var (
	// ErrInvalidVersion indicates a version string is not YYYY.MM.DD.BUILD.
	ErrInvalidVersion = errors.New("invalid version format")

	// ErrVersionNotGreater indicates an upload does not exceed every existing version.
	ErrVersionNotGreater = errors.New("version must be greater than every existing version")

	// ErrVersionNotFound indicates the version is not in the manifest.
	ErrVersionNotFound = errors.New("version not found")

	// ErrLastVersion indicates an attempt to delete the only remaining version.
	ErrLastVersion = errors.New("cannot delete the only remaining version")

	// ErrEmptyBinary indicates an upload with no content.
	ErrEmptyBinary = errors.New("binary is empty")

	// ErrChecksumMismatch indicates stored content no longer matches the manifest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Service manages the versions directory:
//
//	<dir>/manifest.json
//	<dir>/versions/<version>/<binaryName>
type Service struct {
	dir        string
	binaryName string
	logger     *slog.Logger
	now        func() time.Time

	// mu serialises mutations; cacheMu guards the in-memory copy readers use.
	mu      sync.Mutex
	cacheMu sync.RWMutex
	cache   Manifest
}

// NewService opens (or creates) the update store rooted at dir.
func NewService(dir, binaryName string, logger *slog.Logger) (*Service, error) {
	if binaryName == "" {
		return nil, errors.New("binary name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, "versions"), 0o755); err != nil {
		return nil, fmt.Errorf("creating update directory: %w", err)
	}

	s := &Service{
		dir:        dir,
		binaryName: binaryName,
		logger:     logger.With("component", "updates"),
		now:        time.Now,
	}
	m, err := readManifest(s.manifestPath())
	if err != nil {
		return nil, err
	}
	s.setCache(m)
	s.logger.Info("update manifest loaded", "versions", len(m.Versions), "latest", m.LatestVersion)
	return s, nil
}

func (s *Service) manifestPath() string {
	return filepath.Join(s.dir, manifestFile)
}

func (s *Service) versionDir(version string) string {
	return filepath.Join(s.dir, "versions", version)
}

// BinaryPath returns where the binary for version is stored.
func (s *Service) BinaryPath(version string) string {
	return filepath.Join(s.versionDir(version), s.binaryName)
}

func (s *Service) snapshot() Manifest {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.clone()
}

func (s *Service) setCache(m Manifest) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = m.clone()
}

// ListVersions returns every version, newest first.
func (s *Service) ListVersions() []VersionInfo {
	return s.snapshot().Versions
}

// LatestVersion returns the manifest's latest pointer.
func (s *Service) LatestVersion() string {
	return s.snapshot().LatestVersion
}

// Get returns the manifest entry for version.
func (s *Service) Get(version string) (VersionInfo, bool) {
	m := s.snapshot()
	if i := m.find(version); i >= 0 {
		return m.Versions[i], true
	}
	return VersionInfo{}, false
}

// Latest returns the newest version. Test builds are only considered when
// testMode is set.
func (s *Service) Latest(testMode bool) (VersionInfo, bool) {
	for _, v := range s.snapshot().Versions {
		if v.IsTestVersion && !testMode {
			continue
		}
		return v, true
	}
	return VersionInfo{}, false
}

// CheckForUpdate reports whether Latest(testMode) is strictly newer than
// current. Malformed current versions compare as all zeros.
func (s *Service) CheckForUpdate(current string, testMode bool) (bool, VersionInfo) {
	latest, ok := s.Latest(testMode)
	if !ok || !IsNewer(latest.Version, current) {
		return false, VersionInfo{}
	}
	return true, latest
}

// AddVersion stores the binary read from r as version. The version must be
// well formed and strictly greater than every existing one. The SHA-256 is
// computed over the stored file, not the stream.
func (s *Service) AddVersion(ctx context.Context, r io.Reader, version, releaseNotes string, isTest bool) (VersionInfo, error) {
	if !IsValidVersion(version) {
		return VersionInfo{}, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := readManifest(s.manifestPath())
	if err != nil {
		return VersionInfo{}, err
	}
	s.setCache(m)
	for _, existing := range m.Versions {
		if CompareVersions(version, existing.Version) <= 0 {
			return VersionInfo{}, fmt.Errorf("%w: %s <= %s", ErrVersionNotGreater, version, existing.Version)
		}
	}

	dir := s.versionDir(version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return VersionInfo{}, fmt.Errorf("creating version directory: %w", err)
	}

	info, err := s.storeBinary(ctx, r, version)
	if err != nil {
		os.RemoveAll(dir)
		return VersionInfo{}, err
	}
	info.ReleaseNotes = releaseNotes
	info.IsTestVersion = isTest

	m.Versions = append(m.Versions, info)
	m.recomputeLatest()
	if err := writeManifest(s.manifestPath(), m); err != nil {
		os.RemoveAll(dir)
		return VersionInfo{}, err
	}
	s.setCache(m)

	s.logger.Info("version added",
		"version", version,
		"size_bytes", info.FileSizeBytes,
		"sha256", info.SHA256,
		"test", isTest,
	)
	return info, nil
}

func (s *Service) storeBinary(ctx context.Context, r io.Reader, version string) (VersionInfo, error) {
	final := s.BinaryPath(version)
	tmp := final + ".upload"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("creating binary file: %w", err)
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return VersionInfo{}, fmt.Errorf("storing binary: %w", err)
	}
	if n == 0 {
		os.Remove(tmp)
		return VersionInfo{}, ErrEmptyBinary
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return VersionInfo{}, fmt.Errorf("finalising binary: %w", err)
	}

	sum, err := HashFile(final)
	if err != nil {
		return VersionInfo{}, err
	}
	return VersionInfo{
		Version:       version,
		SHA256:        sum,
		FileSizeBytes: n,
		UploadedAt:    s.now().UTC(),
		FileName:      s.binaryName,
	}, nil
}

// DeleteVersion removes version and its binary. The only remaining version
// cannot be deleted; deleting the latest moves the pointer to the next
// highest.
func (s *Service) DeleteVersion(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := readManifest(s.manifestPath())
	if err != nil {
		return err
	}
	s.setCache(m)
	i := m.find(version)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	if len(m.Versions) == 1 {
		return ErrLastVersion
	}

	m.Versions = append(m.Versions[:i], m.Versions[i+1:]...)
	m.recomputeLatest()
	if err := writeManifest(s.manifestPath(), m); err != nil {
		return err
	}
	s.setCache(m)

	if err := os.RemoveAll(s.versionDir(version)); err != nil {
		s.logger.Warn("removing version directory", "version", version, "error", err)
	}
	s.logger.Info("version deleted", "version", version, "latest", m.LatestVersion)
	return nil
}

// Open returns the stored binary for version. The caller closes it.
func (s *Service) Open(version string) (*os.File, VersionInfo, error) {
	info, ok := s.Get(version)
	if !ok {
		return nil, VersionInfo{}, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	f, err := os.Open(s.BinaryPath(version))
	if err != nil {
		return nil, VersionInfo{}, fmt.Errorf("opening binary for %s: %w", version, err)
	}
	return f, info, nil
}

// Verify re-hashes the stored binary for version against the manifest.
func (s *Service) Verify(version string) error {
	info, ok := s.Get(version)
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	sum, err := HashFile(s.BinaryPath(version))
	if err != nil {
		return err
	}
	if sum != info.SHA256 {
		return fmt.Errorf("%w: %s has %s, manifest says %s", ErrChecksumMismatch, version, sum, info.SHA256)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
