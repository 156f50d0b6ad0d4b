// Package installer makes sure the conformance-suite binary is present in a
// shared cache. Installs are idempotent and safe across concurrent CI jobs:
// a file lock serializes installers, payloads are downloaded and extracted to
// temporary files, and the manifest that marks an artifact as valid is
// published last.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
	"golang.org/x/mod/semver"

	"github.com/ethereum-optimism/infra/op-conform/metrics"
	"github.com/ethereum-optimism/infra/op-conform/types"
)

const (
	DefaultLockRetryDelay = 250 * time.Millisecond
	DefaultFetchTimeout   = 5 * time.Minute

	localSource = "local"
)

// Config holds configuration for creating a new installer
type Config struct {
	Name      string   // Binary name inside the payload, e.g. "h2spec"
	Version   string   // Semver tag, e.g. "v2.6.0"
	URL       string   // Download URL template; supports {name} {version} {os} {arch}
	Checksum  string   // Expected hex sha256 of the downloaded payload (optional)
	CacheDir  string   // Shared cache root
	Platforms []string // Supported "os/arch" pairs; empty means any
	LocalPath string   // Preinstalled binary, bypasses the cache entirely
	Retries   int      // Additional download attempts after the first

	LockRetryDelay time.Duration
	Fetcher        Fetcher
	Log            log.Logger

	// Target platform, defaults to the running platform
	GOOS   string
	GOARCH string
}

// Installer ensures a suite binary is installed
type Installer struct {
	cfg Config
	dir string
	log log.Logger
}

// New validates the configuration and creates an installer
func New(cfg Config) (*Installer, error) {
	if cfg.Name == "" {
		return nil, errors.New("installer name cannot be empty")
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if cfg.GOARCH == "" {
		cfg.GOARCH = runtime.GOARCH
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = DefaultLockRetryDelay
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewHTTPFetcher(DefaultFetchTimeout)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("installer retries cannot be negative: %d", cfg.Retries)
	}

	inst := &Installer{
		cfg: cfg,
		log: cfg.Log.New("component", "installer", "name", cfg.Name),
	}
	if cfg.LocalPath != "" {
		return inst, nil
	}

	if !semver.IsValid(cfg.Version) {
		return nil, fmt.Errorf("installer version %q is not a valid semver tag (e.g. v2.6.0)", cfg.Version)
	}
	if cfg.URL == "" {
		return nil, errors.New("installer URL cannot be empty")
	}
	if cfg.CacheDir == "" {
		return nil, errors.New("installer cache directory cannot be empty")
	}
	for _, p := range cfg.Platforms {
		if parts := strings.Split(p, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid platform %q, expected os/arch", p)
		}
	}
	inst.dir = filepath.Join(cfg.CacheDir, cfg.Name, cfg.Version)
	return inst, nil
}

// BinaryPath returns where the binary lives once installed
func (i *Installer) BinaryPath() string {
	if i.cfg.LocalPath != "" {
		return i.cfg.LocalPath
	}
	name := i.cfg.Name
	if i.cfg.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(i.dir, name)
}

func (i *Installer) manifestPath() string {
	return filepath.Join(i.dir, ManifestFilename)
}

func (i *Installer) lockPath() string {
	return i.dir + ".lock"
}

// DownloadURL expands the URL template for the target platform
func (i *Installer) DownloadURL() string {
	return strings.NewReplacer(
		"{name}", i.cfg.Name,
		"{version}", i.cfg.Version,
		"{os}", i.cfg.GOOS,
		"{arch}", i.cfg.GOARCH,
	).Replace(i.cfg.URL)
}

// Ensure returns a valid artifact, installing it if needed. When a valid
// artifact already exists no network access takes place.
func (i *Installer) Ensure(ctx context.Context) (*types.InstallArtifact, error) {
	if i.cfg.LocalPath != "" {
		return i.ensureLocal()
	}

	platform := i.cfg.GOOS + "/" + i.cfg.GOARCH
	if len(i.cfg.Platforms) > 0 && !slices.Contains(i.cfg.Platforms, platform) {
		return nil, &types.InstallError{
			Reason: types.ReasonUnsupportedPlatform,
			Err:    fmt.Errorf("%s not in %v", platform, i.cfg.Platforms),
		}
	}

	if artifact, ok := i.lookup(); ok {
		i.log.Debug("Using cached artifact", "path", artifact.Path, "version", artifact.Version)
		metrics.RecordInstallCache(true)
		return artifact, nil
	}

	if err := os.MkdirAll(i.dir, 0755); err != nil {
		return nil, &types.InstallError{Reason: "create cache directory", Err: err}
	}

	lock := flock.New(i.lockPath())
	locked, err := lock.TryLockContext(ctx, i.cfg.LockRetryDelay)
	if err != nil {
		return nil, &types.InstallError{Reason: "acquire install lock", Err: err}
	}
	if !locked {
		return nil, &types.InstallError{Reason: "acquire install lock", Err: ctx.Err()}
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			i.log.Warn("Failed to release install lock", "path", i.lockPath(), "err", err)
		}
	}()

	// Another job may have finished the install while we were waiting
	if artifact, ok := i.lookup(); ok {
		i.log.Info("Artifact installed by a concurrent job", "path", artifact.Path)
		metrics.RecordInstallCache(true)
		return artifact, nil
	}
	metrics.RecordInstallCache(false)

	return i.install(ctx)
}

func (i *Installer) install(ctx context.Context) (*types.InstallArtifact, error) {
	url := i.DownloadURL()
	i.log.Info("Installing conformance suite", "version", i.cfg.Version, "url", url)

	// Remove the manifest first: from here on the directory is not valid
	// until the new manifest is published.
	if err := os.Remove(i.manifestPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &types.InstallError{Reason: "invalidate manifest", Err: err}
	}

	payload, err := retry.Do(ctx, i.cfg.Retries+1, retry.Exponential(), func() (*downloaded, error) {
		d, err := i.download(ctx, url)
		if err != nil {
			i.log.Warn("Download attempt failed", "url", url, "err", err)
		}
		return d, err
	})
	if err != nil {
		return nil, &types.InstallError{Reason: "download", Err: err}
	}
	defer func() { _ = os.Remove(payload.path) }()

	if i.cfg.Checksum != "" && !strings.EqualFold(payload.checksum, i.cfg.Checksum) {
		return nil, &types.InstallError{
			Reason: types.ReasonChecksumMismatch,
			Err:    fmt.Errorf("expected %s, got %s", strings.ToLower(i.cfg.Checksum), payload.checksum),
		}
	}

	binaryChecksum, err := i.publishBinary(payload.path, url)
	if err != nil {
		return nil, &types.InstallError{Reason: "extract", Err: err}
	}

	m := &manifest{
		Name:           i.cfg.Name,
		Version:        i.cfg.Version,
		Checksum:       payload.checksum,
		BinaryChecksum: binaryChecksum,
		Source:         url,
		InstalledAt:    time.Now().UTC(),
	}
	if err := writeManifest(i.manifestPath(), m); err != nil {
		return nil, &types.InstallError{Reason: "write manifest", Err: err}
	}

	i.log.Info("Installed conformance suite", "path", i.BinaryPath(), "checksum", payload.checksum)
	return i.artifactFrom(m), nil
}

type downloaded struct {
	path     string
	checksum string
}

// download streams the payload into a temp file next to the final location
func (i *Installer) download(ctx context.Context, url string) (*downloaded, error) {
	tmp, err := os.CreateTemp(i.dir, ".download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}
	hash := sha256.New()
	fetchErr := i.cfg.Fetcher.Fetch(ctx, url, io.MultiWriter(tmp, hash))
	closeErr := tmp.Close()
	if fetchErr == nil {
		fetchErr = closeErr
	}
	if fetchErr != nil {
		_ = os.Remove(tmp.Name())
		return nil, fetchErr
	}
	return &downloaded{path: tmp.Name(), checksum: hex.EncodeToString(hash.Sum(nil))}, nil
}

// publishBinary extracts the executable from the payload and renames it into place
func (i *Installer) publishBinary(payloadPath, url string) (string, error) {
	src, err := os.Open(payloadPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	reader, err := selfupdate.DecompressCommand(src, url, i.cfg.Name, i.cfg.GOOS, i.cfg.GOARCH)
	if err != nil {
		return "", fmt.Errorf("failed to unpack %s: %w", url, err)
	}

	tmp, err := os.CreateTemp(i.dir, ".bin-*")
	if err != nil {
		return "", fmt.Errorf("failed to create binary temp file: %w", err)
	}
	tmpPath := tmp.Name()
	published := false
	defer func() {
		if !published {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), reader); err != nil {
		return "", fmt.Errorf("failed to write binary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close binary: %w", err)
	}
	if err := os.Chmod(tmpPath, 0755); err != nil {
		return "", fmt.Errorf("failed to make binary executable: %w", err)
	}
	if err := os.Rename(tmpPath, i.BinaryPath()); err != nil {
		return "", fmt.Errorf("failed to publish binary: %w", err)
	}
	published = true
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// lookup returns the installed artifact if, and only if, it is complete and
// matches the configured version and checksum. It never touches the network.
func (i *Installer) lookup() (*types.InstallArtifact, bool) {
	m, err := readManifest(i.manifestPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			i.log.Debug("Ignoring unreadable manifest", "err", err)
		}
		return nil, false
	}
	if m.Name != i.cfg.Name || m.Version != i.cfg.Version {
		i.log.Debug("Manifest does not match", "name", m.Name, "version", m.Version)
		return nil, false
	}
	if i.cfg.Checksum != "" && !strings.EqualFold(m.Checksum, i.cfg.Checksum) {
		i.log.Debug("Manifest checksum does not match", "have", m.Checksum, "want", i.cfg.Checksum)
		return nil, false
	}
	if err := checkExecutable(i.BinaryPath(), i.cfg.GOOS); err != nil {
		i.log.Debug("Installed binary unusable", "err", err)
		return nil, false
	}
	sum, err := fileChecksum(i.BinaryPath())
	if err != nil || sum != m.BinaryChecksum {
		i.log.Debug("Installed binary checksum does not match manifest", "have", sum, "want", m.BinaryChecksum)
		return nil, false
	}
	return i.artifactFrom(m), true
}

func (i *Installer) ensureLocal() (*types.InstallArtifact, error) {
	path, err := filepath.Abs(i.cfg.LocalPath)
	if err != nil {
		return nil, &types.InstallError{Reason: "resolve local binary", Err: err}
	}
	if err := checkExecutable(path, i.cfg.GOOS); err != nil {
		return nil, &types.InstallError{Reason: "local binary unusable", Err: err}
	}
	sum, err := fileChecksum(path)
	if err != nil {
		return nil, &types.InstallError{Reason: "local binary unreadable", Err: err}
	}
	i.log.Debug("Using local conformance suite", "path", path)
	return &types.InstallArtifact{
		Name:           i.cfg.Name,
		Path:           path,
		Version:        i.cfg.Version,
		BinaryChecksum: sum,
		Source:         localSource,
	}, nil
}

func (i *Installer) artifactFrom(m *manifest) *types.InstallArtifact {
	return &types.InstallArtifact{
		Name:           m.Name,
		Path:           i.BinaryPath(),
		Version:        m.Version,
		Checksum:       m.Checksum,
		BinaryChecksum: m.BinaryChecksum,
		Source:         m.Source,
	}
}

func checkExecutable(path, goos string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if goos != "windows" && info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
