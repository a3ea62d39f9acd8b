package protocol

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
)

const sampleConfig = `
version: "1"
data_dir: /tmp/rig
binaries:
  node:
    executable: monerod
    source: github
    repo: monero-project/monero
  cpu-miner:
    executable: xmrig
    source: fixed
    checksum: false
    releases:
      - version: 6.21.0
        url: https://example.invalid/xmrig-{version}-{os}-{arch}.tar.gz
workers:
  - name: node
    binary: node
    args: ["--data-dir", "/tmp/rig/node"]
    health:
      kind: http
      target: http://127.0.0.1:18081/get_info
  - name: cpu-miner
    binary: cpu-miner
orchestration:
  phases:
    - id: binaries
      steps:
        - kind: provision
          binary: node
        - kind: provision
          binary: cpu-miner
    - id: node
      depends_on: [binaries]
      steps:
        - kind: supervise
          worker: node
          wait_healthy: true
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, consts.DefaultNetwork, cfg.Network)
	assert.Equal(t, filepath.Join("/tmp/rig", "bin"), cfg.BinaryRoot)
	assert.Equal(t, consts.DefaultDownloadTries, cfg.Provisioning.DownloadAttempts)
	assert.Equal(t, "rigkeeper.progress", cfg.Events.SubjectPrefix)
	assert.True(t, cfg.VerifyChecksums("node"))
	assert.False(t, cfg.VerifyChecksums("cpu-miner"))

	w, ok := cfg.Worker("node")
	require.True(t, ok)
	assert.Equal(t, "http", w.Health.Kind)
	assert.Len(t, cfg.Orchestration.Phases, 2)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(consts.EnvDataDir, "/srv/rig")
	t.Setenv(consts.EnvNetwork, "testnet")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "/srv/rig", cfg.DataDir)
	assert.Equal(t, "testnet", cfg.Network)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown binary": `
workers:
  - name: w
    binary: ghost
`,
		"bad step kind": `
orchestration:
  phases:
    - id: p
      steps:
        - kind: dance
`,
		"duplicate phase": `
orchestration:
  phases:
    - id: p
    - id: p
`,
		"github without repo": `
binaries:
  node:
    source: github
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeConfigInvalid, errors.CodeOf(err))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(unwrapAll(err)))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("", 5*time.Second))
	assert.Equal(t, 250*time.Millisecond, Duration("250ms", time.Second))
	assert.Equal(t, time.Second, Duration("soon", time.Second))
	assert.Equal(t, time.Second, Duration("-3s", time.Second))
}

func TestParse_MalformedDuration(t *testing.T) {
	cases := []struct {
		name, doc, key string
	}{
		{"missing unit on phase timeout", `
orchestration:
  phases:
    - id: sync
      timeout: 30
`, "phases[sync].timeout"},
		{"negative step timeout", `
orchestration:
  phases:
    - id: prep
      steps:
        - kind: exec
          command: ["true"]
          timeout: -5s
`, "phases[prep].steps[0].timeout"},
		{"garbage worker grace", `
binaries:
  node:
    source: fixed
    releases: [{version: 1.0.0, url: "https://example.invalid/node"}]
workers:
  - name: node
    binary: node
    restart:
      stop_grace: soon
`, "workers[node].restart.stop_grace"},
		{"provisioning backoff", `
provisioning:
  download_backoff: 2
`, "provisioning.download_backoff"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeConfigInvalid, errors.CodeOf(err))
			assert.Contains(t, err.Error(), tc.key)
		})
	}

	_, err := Parse([]byte("orchestration:\n  shutdown_timeout: 45s\n"))
	assert.NoError(t, err)
}

func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok || u.Unwrap() == nil {
			return err
		}
		err = u.Unwrap()
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "rigkeeper.example.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Workers, 5)
	assert.Equal(t, []string{"mining"}, cfg.Orchestration.ReloadGroups)
	w, ok := cfg.Worker("node")
	require.True(t, ok)
	assert.Equal(t, []int{2}, w.Restart.TerminalExitCodes)
	assert.Equal(t, filepath.Join(cfg.DataDir, "bin"), cfg.BinaryRoot)
}
