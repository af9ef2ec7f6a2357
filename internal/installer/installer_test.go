package installer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/hwprof"
	"github.com/samcharles93/strata/internal/plugin"
)

var linux = Platform{OS: "ubuntu-22.04", Arch: "x64"}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// serve hosts blobs by path and returns the server base URL.
func serve(t *testing.T, blobs map[string][]byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := blobs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func pack(variant string) map[string]string {
	return map[string]string{
		"llama_backend/" + plugin.LibraryName(variant): "lib-" + variant,
		"llama_backend/README":                         variant,
	}
}

func newInstaller(t *testing.T) *Installer {
	t.Helper()
	return &Installer{
		Root:     filepath.Join(t.TempDir(), "runtimes"),
		Platform: linux,
		TempDir:  t.TempDir(),
	}
}

func TestInstallWritesDescriptor(t *testing.T) {
	t.Parallel()

	cpuZip := makeZip(t, pack(backend.CPU))
	cudaZip := makeZip(t, pack(backend.CUDA))
	base := serve(t, map[string][]byte{"/cpu.zip": cpuZip, "/cuda.zip": cudaZip})

	m := &Manifest{Llama: []Entry{
		{Name: "cpu.zip", SHA256: " " + strings.ToUpper(sum(cpuZip)) + "\n", OS: linux.OS, Arch: linux.Arch, Variant: "cpu", URL: base + "/cpu.zip"},
		{Name: "cuda.zip", SHA256: sum(cudaZip), OS: linux.OS, Arch: linux.Arch, Variant: "cuda", URL: base + "/cuda.zip"},
	}}

	in := newInstaller(t)
	var stages []string
	in.Progress = func(p Progress) {
		if len(stages) == 0 || stages[len(stages)-1] != p.Stage {
			stages = append(stages, p.Stage)
		}
	}
	prof := &hwprof.Profile{Backends: hwprof.Backends{CPU: true, CUDA: true}}

	res, err := in.Install(context.Background(), m, "auto", prof)
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu", "cuda"}, res.Installed)
	assert.Equal(t, "cuda", res.Choice.ActiveGPU)
	assert.Equal(t, StageDone, stages[len(stages)-1])

	d, err := plugin.ReadDescriptor(in.Root)
	require.NoError(t, err)
	assert.Equal(t, "cuda", d.ActiveVariant)
	assert.Equal(t, filepath.Join(in.Root, "cuda", plugin.LibrarySubdir), d.CurrentLibDir)
	assert.Contains(t, d.Variants, "cpu")

	lib, err := os.ReadFile(filepath.Join(in.Root, "cuda", "llama_backend", plugin.LibraryName("cuda")))
	require.NoError(t, err)
	assert.Equal(t, "lib-cuda", string(lib))

	entries, err := os.ReadDir(in.Root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "staging dir left behind: %s", e.Name())
	}
}

func TestChecksumMismatchLeavesRuntimeUntouched(t *testing.T) {
	t.Parallel()

	cpuZip := makeZip(t, pack(backend.CPU))
	cudaZip := makeZip(t, pack(backend.CUDA))
	base := serve(t, map[string][]byte{"/cpu.zip": cpuZip, "/cuda.zip": cudaZip})
	in := newInstaller(t)

	// Existing install.
	oldLib := filepath.Join(in.Root, "cpu", "llama_backend", plugin.LibraryName("cpu"))
	require.NoError(t, os.MkdirAll(filepath.Dir(oldLib), 0o755))
	require.NoError(t, os.WriteFile(oldLib, []byte("old"), 0o644))
	require.NoError(t, plugin.WriteDescriptor(in.Root, plugin.NewDescriptor(in.Root, []string{"cpu"}, "")))
	before, err := os.ReadFile(filepath.Join(in.Root, plugin.DescriptorFile))
	require.NoError(t, err)

	m := &Manifest{Llama: []Entry{
		{Name: "cpu.zip", SHA256: sum(cpuZip), OS: linux.OS, Arch: linux.Arch, Variant: "cpu", URL: base + "/cpu.zip"},
		{Name: "cuda.zip", SHA256: strings.Repeat("0", 64), OS: linux.OS, Arch: linux.Arch, Variant: "cuda", URL: base + "/cuda.zip"},
	}}

	_, err = in.Install(context.Background(), m, "cuda", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var mismatch *ChecksumMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "cuda.zip", mismatch.Name)
	assert.Equal(t, sum(cudaZip), mismatch.Got)

	after, err := os.ReadFile(filepath.Join(in.Root, plugin.DescriptorFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	lib, err := os.ReadFile(oldLib)
	require.NoError(t, err)
	assert.Equal(t, "old", string(lib))
	assert.NoDirExists(t, filepath.Join(in.Root, "cuda"))
}

func TestFailedActivationRestoresPreviousRuntime(t *testing.T) {
	t.Parallel()

	cpuZip := makeZip(t, pack(backend.CPU))
	cudaZip := makeZip(t, pack(backend.CUDA))
	base := serve(t, map[string][]byte{"/cpu.zip": cpuZip, "/cuda.zip": cudaZip})
	in := newInstaller(t)

	oldLib := filepath.Join(in.Root, "cpu", "llama_backend", plugin.LibraryName("cpu"))
	require.NoError(t, os.MkdirAll(filepath.Dir(oldLib), 0o755))
	require.NoError(t, os.WriteFile(oldLib, []byte("old"), 0o644))
	// A non-empty directory where the descriptor goes makes the final write
	// fail after both packs have been moved into place.
	blocker := filepath.Join(in.Root, plugin.DescriptorFile)
	require.NoError(t, os.MkdirAll(blocker, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "keep"), nil, 0o644))

	m := &Manifest{Llama: []Entry{
		{Name: "cpu.zip", SHA256: sum(cpuZip), OS: linux.OS, Arch: linux.Arch, Variant: "cpu", URL: base + "/cpu.zip"},
		{Name: "cuda.zip", SHA256: sum(cudaZip), OS: linux.OS, Arch: linux.Arch, Variant: "cuda", URL: base + "/cuda.zip"},
	}}

	_, err := in.Install(context.Background(), m, "cuda", nil)
	require.ErrorContains(t, err, "write runtime descriptor")

	lib, err := os.ReadFile(oldLib)
	require.NoError(t, err)
	assert.Equal(t, "old", string(lib))
	assert.NoDirExists(t, filepath.Join(in.Root, "cuda"))

	entries, err := os.ReadDir(in.Root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover after rollback: %s", e.Name())
	}
}

func TestReinstallReplacesLiveVariant(t *testing.T) {
	t.Parallel()

	cpuZip := makeZip(t, pack(backend.CPU))
	base := serve(t, map[string][]byte{"/cpu.zip": cpuZip})
	in := newInstaller(t)

	stale := filepath.Join(in.Root, "cpu", "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	m := &Manifest{Llama: []Entry{
		{Name: "cpu.zip", SHA256: sum(cpuZip), OS: linux.OS, Arch: linux.Arch, Variant: "cpu", URL: base + "/cpu.zip"},
	}}
	_, err := in.Install(context.Background(), m, "cpu", nil)
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.NoDirExists(t, filepath.Join(in.Root, ".cpu.previous"))
	lib, err := os.ReadFile(filepath.Join(in.Root, "cpu", "llama_backend", plugin.LibraryName("cpu")))
	require.NoError(t, err)
	assert.Equal(t, "lib-cpu", string(lib))
}

func TestZipSlipRejected(t *testing.T) {
	t.Parallel()

	evil := makeZip(t, map[string]string{"../../escape.txt": "x"})
	base := serve(t, map[string][]byte{"/cpu.zip": evil})
	in := newInstaller(t)

	m := &Manifest{Llama: []Entry{
		{Name: "cpu.zip", SHA256: sum(evil), OS: linux.OS, Arch: linux.Arch, Variant: "cpu", URL: base + "/cpu.zip"},
	}}
	_, err := in.Install(context.Background(), m, "cpu", nil)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(in.Root), "escape.txt"))
	assert.NoFileExists(t, filepath.Join(in.Root, plugin.DescriptorFile))
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	for _, name := range []string{"../x", "a/../../x", "/etc/passwd"} {
		_, err := safeJoin(dest, name)
		assert.ErrorIs(t, err, ErrUnsafePath, name)
	}
	got, err := safeJoin(dest, "a/b/../c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "a", "c.txt"), got)
}

func TestDownloadHTTPError(t *testing.T) {
	t.Parallel()

	base := serve(t, nil)
	in := newInstaller(t)
	m := &Manifest{Llama: []Entry{
		{Name: "cpu.zip", SHA256: strings.Repeat("a", 64), OS: linux.OS, Arch: linux.Arch, Variant: "cpu", URL: base + "/cpu.zip"},
	}}
	_, err := in.Install(context.Background(), m, "cpu", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestNoVariantForPlatform(t *testing.T) {
	t.Parallel()

	in := newInstaller(t)
	in.Platform = Platform{OS: "windows-latest", Arch: "x64"}
	m := &Manifest{Llama: []Entry{{Name: "a", OS: linux.OS, Arch: linux.Arch, Variant: "cpu", URL: "http://x"}}}
	_, err := in.Install(context.Background(), m, "auto", nil)
	assert.ErrorIs(t, err, ErrNoVariant)
}

const validManifest = `{
  "llama": [
    {"name": "cpu.zip", "sha256": "` + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef" + `",
     "os": "ubuntu-22.04", "arch": "x64", "variant": "cpu", "url": "https://example.com/cpu.zip"}
  ]
}`

func TestParseManifest(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)
	require.Len(t, m.Llama, 1)
	assert.Equal(t, "cpu", m.Llama[0].Variant)

	bad := []string{
		`not json`,
		`{}`,
		`{"llama": [{"name": "x"}]}`,
		strings.Replace(validManifest, `"x64"`, `"sparc"`, 1),
		strings.Replace(validManifest, `"cpu", "url"`, `"opencl", "url"`, 1),
		strings.Replace(validManifest, "https://", "ftp://", 1),
		strings.Replace(validManifest, "0123456789abcdef0123", "zz", 1),
	}
	for _, in := range bad {
		_, err := ParseManifest([]byte(in))
		assert.ErrorIs(t, err, ErrInvalidManifest, in)
	}
}

func TestFetchManifest(t *testing.T) {
	t.Parallel()

	base := serve(t, map[string][]byte{"/manifest.json": []byte(validManifest)})
	m, err := FetchManifest(context.Background(), nil, base+"/manifest.json")
	require.NoError(t, err)
	assert.Len(t, m.Llama, 1)

	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(validManifest), 0o644))
	m, err = FetchManifest(context.Background(), nil, path)
	require.NoError(t, err)
	assert.Len(t, m.Llama, 1)

	_, err = FetchManifest(context.Background(), nil, base+"/missing.json")
	assert.Error(t, err)
}

func TestPlatformFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Platform{"windows-latest", "x64"}, PlatformFor("windows", "amd64"))
	assert.Equal(t, Platform{"macos-14", "arm64"}, PlatformFor("darwin", "arm64"))
	assert.Equal(t, Platform{"ubuntu-22.04", "arm64"}, PlatformFor("linux", "arm64"))
	assert.Equal(t, Platform{"ubuntu-22.04", "x64"}, PlatformFor("freebsd", "386"))
}

func TestChooseVariants(t *testing.T) {
	t.Parallel()

	mac := Platform{OS: "macos-14", Arch: "arm64"}
	entry := func(p Platform, v string) Entry {
		return Entry{Name: v, OS: p.OS, Arch: p.Arch, Variant: v}
	}
	m := &Manifest{Llama: []Entry{
		entry(linux, "cpu"), entry(linux, "cuda"), entry(linux, "vulkan"),
		entry(mac, "cpu"), entry(mac, "metal"),
	}}

	tests := []struct {
		name   string
		p      Platform
		pref   string
		prof   *hwprof.Profile
		want   []string
		active string
	}{
		{"no profile", linux, "auto", nil, []string{"cpu"}, ""},
		{"cuda host", linux, "auto", &hwprof.Profile{Backends: hwprof.Backends{CUDA: true, Vulkan: true}}, []string{"cpu", "cuda"}, "cuda"},
		{"vulkan host", linux, "auto", &hwprof.Profile{Backends: hwprof.Backends{Vulkan: true}}, []string{"cpu", "vulkan"}, "vulkan"},
		{"rocm host falls back to cpu", linux, "auto", &hwprof.Profile{Backends: hwprof.Backends{ROCm: true}}, []string{"cpu"}, ""},
		{"mac metal", mac, "auto", &hwprof.Profile{Backends: hwprof.Backends{Metal: true}}, []string{"cpu", "metal"}, "metal"},
		{"explicit cpu", linux, "cpu", &hwprof.Profile{Backends: hwprof.Backends{CUDA: true}}, []string{"cpu"}, ""},
		{"explicit vulkan", linux, "Vulkan", nil, []string{"cpu", "vulkan"}, "vulkan"},
		{"explicit missing", linux, "rocm", nil, []string{"cpu"}, ""},
	}
	for _, tt := range tests {
		entries, choice, err := ChooseVariants(m, tt.p, tt.pref, tt.prof)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, choice.Variants, tt.name)
		assert.Equal(t, tt.active, choice.ActiveGPU, tt.name)
		assert.Len(t, entries, len(tt.want), tt.name)
	}

	_, _, err := ChooseVariants(m, linux, "opencl", nil)
	assert.Error(t, err)
}
