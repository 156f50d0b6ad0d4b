package installer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-conform/types"
)

var fakeBinary = []byte("#!/bin/sh\necho fake suite\n")

// payloadServer serves payload at any path and counts requests
type payloadServer struct {
	*httptest.Server
	requests atomic.Int32
}

func newPayloadServer(t *testing.T, payload []byte) *payloadServer {
	t.Helper()
	ps := &payloadServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.requests.Add(1)
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestInstaller(t *testing.T, cfg Config) *Installer {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "fakesuite"
	}
	if cfg.Version == "" {
		cfg.Version = "v1.2.3"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	cfg.Log = log.NewLogger(log.DiscardHandler())
	cfg.GOOS = "linux"
	cfg.GOARCH = "amd64"
	inst, err := New(cfg)
	require.NoError(t, err)
	return inst
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing name",
			cfg:     Config{Version: "v1.0.0", URL: "http://x", CacheDir: "/tmp"},
			wantErr: "name cannot be empty",
		},
		{
			name:    "invalid version",
			cfg:     Config{Name: "h2spec", Version: "2.6", URL: "http://x", CacheDir: "/tmp"},
			wantErr: "not a valid semver tag",
		},
		{
			name:    "missing url",
			cfg:     Config{Name: "h2spec", Version: "v2.6.0", CacheDir: "/tmp"},
			wantErr: "URL cannot be empty",
		},
		{
			name:    "missing cache dir",
			cfg:     Config{Name: "h2spec", Version: "v2.6.0", URL: "http://x"},
			wantErr: "cache directory cannot be empty",
		},
		{
			name:    "bad platform",
			cfg:     Config{Name: "h2spec", Version: "v2.6.0", URL: "http://x", CacheDir: "/tmp", Platforms: []string{"linux"}},
			wantErr: "expected os/arch",
		},
		{
			name:    "negative retries",
			cfg:     Config{Name: "h2spec", Version: "v2.6.0", URL: "http://x", CacheDir: "/tmp", Retries: -1},
			wantErr: "cannot be negative",
		},
		{
			name: "local path skips download settings",
			cfg:  Config{Name: "h2spec", LocalPath: "/usr/local/bin/h2spec"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDownloadURL(t *testing.T) {
	inst := newTestInstaller(t, Config{
		Name:    "h2spec",
		Version: "v2.6.0",
		URL:     "https://example.com/{version}/{name}_{os}_{arch}.tar.gz",
	})
	assert.Equal(t, "https://example.com/v2.6.0/h2spec_linux_amd64.tar.gz", inst.DownloadURL())
}

func TestEnsure_InstallsThenReusesWithoutNetwork(t *testing.T) {
	srv := newPayloadServer(t, fakeBinary)
	inst := newTestInstaller(t, Config{URL: srv.URL + "/{name}", Checksum: sha(fakeBinary)})

	first, err := inst.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.requests.Load())
	assert.Equal(t, inst.BinaryPath(), first.Path)
	assert.Equal(t, sha(fakeBinary), first.Checksum)
	assert.Equal(t, sha(fakeBinary), first.BinaryChecksum)
	assert.Equal(t, srv.URL+"/fakesuite", first.Source)

	info, err := os.Stat(first.Path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0111, "binary must be executable")
	assert.FileExists(t, filepath.Join(filepath.Dir(first.Path), ManifestFilename))

	second, err := inst.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.requests.Load(), "second ensure must not touch the network")
	assert.Equal(t, first, second)

	// A fresh installer sharing the cache behaves the same way
	other := newTestInstaller(t, Config{URL: srv.URL + "/{name}", Checksum: sha(fakeBinary), CacheDir: inst.cfg.CacheDir})
	third, err := other.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.requests.Load())
	assert.Equal(t, first, third)
}

func TestEnsure_ConcurrentCallsDownloadOnce(t *testing.T) {
	srv := newPayloadServer(t, fakeBinary)
	cacheDir := t.TempDir()

	const workers = 8
	var wg sync.WaitGroup
	artifacts := make([]*types.InstallArtifact, workers)
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		inst := newTestInstaller(t, Config{URL: srv.URL + "/{name}", CacheDir: cacheDir})
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			artifacts[w], errs[w] = inst.Ensure(context.Background())
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		require.NoError(t, errs[w])
		assert.Equal(t, artifacts[0], artifacts[w])
	}
	assert.Equal(t, int32(1), srv.requests.Load())

	content, err := os.ReadFile(artifacts[0].Path)
	require.NoError(t, err)
	assert.Equal(t, fakeBinary, content)
}

func TestEnsure_ChecksumMismatchLeavesNothingBehind(t *testing.T) {
	srv := newPayloadServer(t, fakeBinary)
	inst := newTestInstaller(t, Config{URL: srv.URL + "/{name}", Checksum: sha([]byte("something else"))})

	_, err := inst.Ensure(context.Background())
	require.Error(t, err)

	var installErr *types.InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "checksum mismatch", installErr.Reason)

	assert.NoFileExists(t, inst.BinaryPath())
	assert.NoFileExists(t, inst.manifestPath())
	assertNoTempFiles(t, filepath.Dir(inst.BinaryPath()))
}

func TestEnsure_UnreachableSource(t *testing.T) {
	srv := newPayloadServer(t, fakeBinary)
	url := srv.URL + "/{name}"
	srv.Close()

	inst := newTestInstaller(t, Config{URL: url})
	_, err := inst.Ensure(context.Background())
	require.Error(t, err)

	var installErr *types.InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "download", installErr.Reason)
	assert.NoFileExists(t, inst.BinaryPath())
	assertNoTempFiles(t, filepath.Dir(inst.BinaryPath()))
}

func TestEnsure_HTTPErrorIsRetriedThenFails(t *testing.T) {
	srv := newPayloadServer(t, fakeBinary)
	inst := newTestInstaller(t, Config{URL: srv.URL + "/missing/{name}", Retries: 1})

	_, err := inst.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), srv.requests.Load())

	var installErr *types.InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Contains(t, err.Error(), "404")
}

func TestEnsure_RetriesCountExtraAttempts(t *testing.T) {
	for _, retries := range []int{0, 1} {
		srv := newPayloadServer(t, fakeBinary)
		inst := newTestInstaller(t, Config{URL: srv.URL + "/missing/{name}", Retries: retries})

		_, err := inst.Ensure(context.Background())
		require.Error(t, err)
		assert.Equal(t, int32(retries+1), srv.requests.Load(), "retries=%d", retries)
	}
}

func TestEnsure_UnsupportedPlatform(t *testing.T) {
	srv := newPayloadServer(t, fakeBinary)
	inst := newTestInstaller(t, Config{URL: srv.URL + "/{name}", Platforms: []string{"darwin/arm64"}})

	_, err := inst.Ensure(context.Background())
	var installErr *types.InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "unsupported platform", installErr.Reason)
	assert.Equal(t, int32(0), srv.requests.Load())
}

func TestEnsure_PartialInstallIsNotReused(t *testing.T) {
	tests := []struct {
		name   string
		damage func(t *testing.T, inst *Installer)
	}{
		{
			name: "manifest missing",
			damage: func(t *testing.T, inst *Installer) {
				require.NoError(t, os.Remove(inst.manifestPath()))
			},
		},
		{
			name: "binary truncated",
			damage: func(t *testing.T, inst *Installer) {
				require.NoError(t, os.WriteFile(inst.BinaryPath(), fakeBinary[:5], 0755))
			},
		},
		{
			name: "binary missing",
			damage: func(t *testing.T, inst *Installer) {
				require.NoError(t, os.Remove(inst.BinaryPath()))
			},
		},
		{
			name: "manifest corrupt",
			damage: func(t *testing.T, inst *Installer) {
				require.NoError(t, os.WriteFile(inst.manifestPath(), []byte("{{{"), 0644))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newPayloadServer(t, fakeBinary)
			inst := newTestInstaller(t, Config{URL: srv.URL + "/{name}"})

			_, err := inst.Ensure(context.Background())
			require.NoError(t, err)
			tt.damage(t, inst)

			artifact, err := inst.Ensure(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int32(2), srv.requests.Load(), "damaged install must be redone")

			content, err := os.ReadFile(artifact.Path)
			require.NoError(t, err)
			assert.Equal(t, fakeBinary, content)
		})
	}
}

func TestEnsure_VersionChangeReinstalls(t *testing.T) {
	srv := newPayloadServer(t, fakeBinary)
	cacheDir := t.TempDir()

	v1 := newTestInstaller(t, Config{URL: srv.URL + "/{name}", Version: "v1.0.0", CacheDir: cacheDir})
	_, err := v1.Ensure(context.Background())
	require.NoError(t, err)

	v2 := newTestInstaller(t, Config{URL: srv.URL + "/{name}", Version: "v2.0.0", CacheDir: cacheDir})
	artifact, err := v2.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", artifact.Version)
	assert.Equal(t, int32(2), srv.requests.Load())
}

func TestEnsure_ExtractsTarGz(t *testing.T) {
	archive := buildTarGz(t, map[string][]byte{
		"README.md":                       []byte("docs"),
		"fakesuite_linux_amd64/fakesuite": fakeBinary,
	})
	srv := newPayloadServer(t, archive)
	inst := newTestInstaller(t, Config{URL: srv.URL + "/{name}_{os}_{arch}.tar.gz", Checksum: sha(archive)})

	artifact, err := inst.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sha(archive), artifact.Checksum)
	assert.Equal(t, sha(fakeBinary), artifact.BinaryChecksum)

	content, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, fakeBinary, content)
}

func TestEnsure_CancelledWhileWaitingForLock(t *testing.T) {
	srv := newPayloadServer(t, fakeBinary)
	inst := newTestInstaller(t, Config{URL: srv.URL + "/{name}"})
	require.NoError(t, os.MkdirAll(filepath.Dir(inst.BinaryPath()), 0755))

	// Hold the lock as another job would
	holder := newTestInstaller(t, Config{URL: srv.URL + "/{name}", CacheDir: inst.cfg.CacheDir})
	lock := newLockForTest(t, holder.lockPath())
	defer func() { _ = lock.Unlock() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inst.Ensure(ctx)
	var installErr *types.InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "acquire install lock", installErr.Reason)
	assert.Equal(t, int32(0), srv.requests.Load())
}

func TestEnsure_LocalPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "h2spec")
	require.NoError(t, os.WriteFile(bin, fakeBinary, 0755))

	inst := newTestInstaller(t, Config{Name: "h2spec", LocalPath: bin})
	artifact, err := inst.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bin, artifact.Path)
	assert.Equal(t, "local", artifact.Source)
	assert.Equal(t, sha(fakeBinary), artifact.BinaryChecksum)

	notExec := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(notExec, fakeBinary, 0644))
	inst = newTestInstaller(t, Config{Name: "h2spec", LocalPath: notExec})
	_, err = inst.Ensure(context.Background())
	var installErr *types.InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "local binary unusable", installErr.Reason)

	inst = newTestInstaller(t, Config{Name: "h2spec", LocalPath: filepath.Join(dir, "missing")})
	_, err = inst.Ensure(context.Background())
	require.True(t, errors.As(err, &installErr))
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover temp file %s", e.Name())
	}
}

func buildTarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0755,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}
