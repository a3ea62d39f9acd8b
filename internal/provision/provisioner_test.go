package provision

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/rigkeeper/internal/catalog"
	"github.com/turtacn/rigkeeper/internal/monitor"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/protocol"
	"github.com/turtacn/rigkeeper/pkg/semver"
)

var nodeBinary = Binary{Name: "node", Executable: "noded"}

// releaseServer publishes tar.gz archives of a fake executable together with
// sha256 companions and counts every request it serves.
type releaseServer struct {
	*httptest.Server
	requests  atomic.Int64
	downloads atomic.Int64

	mu        sync.Mutex
	archives  map[string][]byte
	failFirst int
	badSum    bool
}

func newReleaseServer(t *testing.T, versions ...string) *releaseServer {
	t.Helper()
	rs := &releaseServer{archives: make(map[string][]byte)}
	for _, v := range versions {
		rs.archives[v] = tarGz(t, map[string]string{
			"noded-" + v + "/" + nodeBinary.HostFileName(): "#!/bin/sh\necho " + v + "\n",
			"noded-" + v + "/README":                       "node " + v,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		var idx fixedIndex
		for _, v := range versions {
			idx.Releases = append(idx.Releases, protocol.FixedRelease{
				Version:     v,
				URL:         rs.URL + "/dl/{version}/noded-{version}-{os}-{arch}.tar.gz",
				ChecksumURL: rs.URL + "/dl/{version}/noded-{version}-{os}-{arch}.tar.gz.sha256",
			})
		}
		_ = json.NewEncoder(w).Encode(idx)
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/dl/"), "/")
		rs.mu.Lock()
		data, ok := rs.archives[parts[0]]
		fail := rs.failFirst > 0 && !strings.HasSuffix(r.URL.Path, ".sha256")
		if fail {
			rs.failFirst--
		}
		badSum := rs.badSum
		rs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".sha256") {
			sum := sha256.Sum256(data)
			digest := hex.EncodeToString(sum[:])
			if badSum {
				digest = strings.Repeat("0", 64)
			}
			fmt.Fprintf(w, "%s  %s\n", digest, strings.TrimSuffix(parts[1], ".sha256"))
			return
		}
		rs.downloads.Add(1)
		if fail {
			// Send half the archive, then break the connection.
			w.Header().Set("Content-Length", fmt.Sprint(len(data)))
			_, _ = w.Write(data[:len(data)/2])
			panic(http.ErrAbortHandler)
		}
		_, _ = w.Write(data)
	})

	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.requests.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestProvisioner(t *testing.T, rs *releaseServer, manifest string) (*Provisioner, string) {
	t.Helper()
	root := t.TempDir()
	cat, err := catalog.Parse([]byte(manifest))
	require.NoError(t, err)

	// Fresh connections only: a reused connection lets the transport resend
	// an aborted GET on its own, which would hide the provisioner's count.
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	p := New(Options{Catalog: cat, Attempts: 3, Backoff: 0, HTTPClient: client})
	src := NewFixedSource(nodeBinary, rs.URL+"/index.json", nil, SourceOptions{Root: root, HTTPClient: client})
	p.Register(nodeBinary, src, true)
	return p, root
}

func TestSelectVersion_PrefersHighestOnline(t *testing.T) {
	rs := newReleaseServer(t, "0.18.1", "0.18.4", "0.19.0")
	p, _ := newTestProvisioner(t, rs, `{"node": "~0.18"}`)

	v, err := p.SelectVersion(context.Background(), "node")
	require.NoError(t, err)
	assert.Equal(t, "0.18.4", v.String())
}

func TestSelectVersion_TiePrefersInstalled(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	p, root := newTestProvisioner(t, rs, `{"node": "~0.18"}`)

	dir := filepath.Join(root, "node", "0.18.4")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	exe := filepath.Join(dir, nodeBinary.HostFileName())
	require.NoError(t, os.WriteFile(exe, []byte("x"), 0o755))

	v, err := p.SelectVersion(context.Background(), "node")
	require.NoError(t, err)
	assert.Equal(t, "0.18.4", v.String())

	path, err := p.GetInstalledPath("node")
	require.NoError(t, err)
	assert.Equal(t, exe, path)
}

func TestSelectVersion_NewerInstalledBeatsOnline(t *testing.T) {
	rs := newReleaseServer(t, "0.18.1")
	p, root := newTestProvisioner(t, rs, `{"node": "~0.18"}`)
	installFake(t, root, "0.18.7")

	v, err := p.SelectVersion(context.Background(), "node")
	require.NoError(t, err)
	assert.Equal(t, "0.18.7", v.String())
}

func TestSelectVersion_SourceDownFallsBackToLocal(t *testing.T) {
	rs := newReleaseServer(t)
	rs.Close()
	p, root := newTestProvisioner(t, rs, `{"node": "*"}`)
	installFake(t, root, "1.2.3")

	v, err := p.SelectVersion(context.Background(), "node")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v.String())
}

func TestSelectVersion_NothingSatisfies(t *testing.T) {
	rs := newReleaseServer(t, "0.17.0")
	p, root := newTestProvisioner(t, rs, `{"node": ">=0.18.0"}`)
	installFake(t, root, "0.16.0")

	_, err := p.SelectVersion(context.Background(), "node")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoVersion, errors.CodeOf(err))
}

// Property: the selected version is max(max(O∩R), max(L∩R)).
func TestSelectVersion_MaxOfOnlineAndLocal(t *testing.T) {
	cases := []struct {
		online, local []string
		want          string
	}{
		{[]string{"1.0.0", "1.4.0"}, []string{"1.2.0"}, "1.4.0"},
		{[]string{"1.0.0"}, []string{"1.2.0", "1.9.9"}, "1.9.9"},
		{[]string{"2.5.0", "1.3.0"}, []string{"1.1.0"}, "1.3.0"},
		{nil, []string{"1.0.1", "3.0.0"}, "1.0.1"},
		{[]string{"1.8.0"}, nil, "1.8.0"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			rs := newReleaseServer(t, tc.online...)
			p, root := newTestProvisioner(t, rs, `{"node": ">=1.0.0 <2.0.0"}`)
			for _, v := range tc.local {
				installFake(t, root, v)
			}
			v, err := p.SelectVersion(context.Background(), "node")
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.String())
		})
	}
}

func TestGetInstalledPath_BeforeSelection(t *testing.T) {
	rs := newReleaseServer(t, "1.0.0")
	p, _ := newTestProvisioner(t, rs, `{}`)

	_, err := p.GetInstalledPath("node")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotResolved, errors.CodeOf(err))
}

func TestEnsureInstalled_DownloadsVerifiesAndExtracts(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	p, root := newTestProvisioner(t, rs, `{"node": "~0.18"}`)
	ctx := context.Background()

	v, err := p.SelectVersion(ctx, "node")
	require.NoError(t, err)
	path, err := p.EnsureInstalled(ctx, "node", v)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "node", "0.18.4", "noded-0.18.4", nodeBinary.HostFileName()), path)
	assert.NoDirExists(t, filepath.Join(root, "node", "0.18.4", consts.InProgressDir))
	if runtime.GOOS != "windows" {
		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.NotZero(t, fi.Mode()&0o111, "executable bit must be set")
	}

	got, err := p.GetInstalledPath("node")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestEnsureInstalled_IdempotentWithoutNetwork(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	p, _ := newTestProvisioner(t, rs, `{"node": "~0.18"}`)
	ctx := context.Background()
	v := semver.MustParseVersion("0.18.4")

	first, err := p.EnsureInstalled(ctx, "node", v)
	require.NoError(t, err)
	before := rs.requests.Load()

	second, err := p.EnsureInstalled(ctx, "node", v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, rs.requests.Load(), "second install must not touch the network")
}

func TestEnsureInstalled_RecoversFromInterruptedInstall(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	p, root := newTestProvisioner(t, rs, `{"node": "~0.18"}`)

	dir := filepath.Join(root, "node", "0.18.4")
	staging := filepath.Join(dir, consts.InProgressDir)
	require.NoError(t, os.MkdirAll(staging, 0o755))
	partial := filepath.Join(staging, "noded-0.18.4.tar.gz")
	require.NoError(t, os.WriteFile(partial, []byte("corrupt"), 0o644))
	// A stale executable next to the marker must not count as installed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, nodeBinary.HostFileName()), []byte("stale"), 0o755))

	installed, err := p.ListInstalled("node")
	require.NoError(t, err)
	assert.Empty(t, installed)

	path, err := p.EnsureInstalled(context.Background(), "node", semver.MustParseVersion("0.18.4"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rs.downloads.Load())
	assert.NoFileExists(t, partial)
	assert.NoFileExists(t, filepath.Join(dir, nodeBinary.HostFileName()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "echo 0.18.4")
}

func TestEnsureInstalled_ChecksumMismatchRemovesVersionDir(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	rs.badSum = true
	p, root := newTestProvisioner(t, rs, `{"node": "~0.18"}`)

	_, err := p.EnsureInstalled(context.Background(), "node", semver.MustParseVersion("0.18.4"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeChecksumMismatch, errors.CodeOf(err))
	assert.NoDirExists(t, filepath.Join(root, "node", "0.18.4"))
}

// attempts reads the provisioner's own download attempt counters for node.
func attempts(result string) float64 {
	return testutil.ToFloat64(monitor.DownloadAttempts.WithLabelValues(nodeBinary.Name, result))
}

func TestEnsureInstalled_RetriesBrokenDownload(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	rs.failFirst = 2
	p, _ := newTestProvisioner(t, rs, `{"node": "~0.18"}`)
	failedBefore, okBefore := attempts("error"), attempts("ok")

	_, err := p.EnsureInstalled(context.Background(), "node", semver.MustParseVersion("0.18.4"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, attempts("error")-failedBefore)
	assert.Equal(t, 1.0, attempts("ok")-okBefore)
	assert.Equal(t, int64(3), rs.downloads.Load())
}

func TestEnsureInstalled_RetriesExhausted(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	rs.failFirst = 10
	p, root := newTestProvisioner(t, rs, `{"node": "~0.18"}`)

	failedBefore := attempts("error")

	_, err := p.EnsureInstalled(context.Background(), "node", semver.MustParseVersion("0.18.4"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDownloadExhausted, errors.CodeOf(err))
	assert.Equal(t, 3.0, attempts("error")-failedBefore)
	assert.Equal(t, int64(3), rs.downloads.Load())
	assert.NoDirExists(t, filepath.Join(root, "node", "0.18.4"))
}

func TestEnsureInstalled_UnpublishedVersion(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	p, _ := newTestProvisioner(t, rs, `{}`)

	_, err := p.EnsureInstalled(context.Background(), "node", semver.MustParseVersion("9.9.9"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAssetNotFound, errors.CodeOf(err))
}

func TestEnsure_FallsBackToInstalledVersion(t *testing.T) {
	rs := newReleaseServer(t, "0.18.9")
	rs.badSum = true
	p, root := newTestProvisioner(t, rs, `{"node": "~0.18"}`)
	exe := installFake(t, root, "0.18.2")

	path, err := p.Ensure(context.Background(), "node")
	require.NoError(t, err)
	assert.Equal(t, exe, path)

	v, ok := p.SelectedVersion("node")
	require.True(t, ok)
	assert.Equal(t, "0.18.2", v.String())
}

func TestEnsureInstalled_ConcurrentCallersDownloadOnce(t *testing.T) {
	rs := newReleaseServer(t, "0.18.4")
	p, _ := newTestProvisioner(t, rs, `{}`)
	v := semver.MustParseVersion("0.18.4")

	var wg sync.WaitGroup
	paths := make([]string, 4)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path, err := p.EnsureInstalled(context.Background(), "node", v)
			assert.NoError(t, err)
			paths[i] = path
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), rs.downloads.Load())
	for _, path := range paths {
		assert.Equal(t, paths[0], path)
	}
}

func TestSafeRemoveAll_RefusesOutsidePrefix(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	err := SafeRemoveAll(outside, root)
	var notUnder *ErrNotUnderPrefix
	require.ErrorAs(t, err, &notUnder)
	assert.DirExists(t, outside)

	assert.Error(t, SafeRemoveAll(root, root), "the prefix itself is never removed")
	assert.NoError(t, SafeRemoveAll(filepath.Join(root, "missing"), root))
}

func TestParseChecksum(t *testing.T) {
	digest := strings.Repeat("ab", 32)
	other := strings.Repeat("cd", 32)

	got, err := parseChecksum(digest+"\n", "node.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	got, err = parseChecksum(other+"  wallet.zip\n"+digest+" *dist/node.tar.gz\n", "node.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	_, err = parseChecksum(other+"  wallet.zip\n", "node.tar.gz")
	assert.Error(t, err)
}

func installFake(t *testing.T, root, version string) string {
	t.Helper()
	dir := filepath.Join(root, "node", version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	exe := filepath.Join(dir, nodeBinary.HostFileName())
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	return exe
}
