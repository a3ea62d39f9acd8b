//go:build !windows

package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/rigkeeper/internal/events"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/protocol"
)

const workerScript = "#!/bin/sh\nexec sleep 30\n"

// testRig serves a bare worker executable and builds a config around it.
type testRig struct {
	dir       string
	server    *httptest.Server
	downloads atomic.Int32
	listings  atomic.Int32
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	r := &testRig{dir: t.TempDir()}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/index.json" {
			r.listings.Add(1)
			fmt.Fprintf(w, `{"releases": [{"version": "1.2.0", "url": "%s/noded-{version}"}]}`, r.server.URL)
			return
		}
		r.downloads.Add(1)
		fmt.Fprint(w, workerScript)
	}))
	t.Cleanup(r.server.Close)

	manifest := filepath.Join(r.dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte(`{"noded": ">=1.0.0"}`), 0o644))
	return r
}

func (r *testRig) config(t *testing.T, phases string) *protocol.Config {
	t.Helper()
	return r.configWith(t, r.staticReleases(), phases)
}

func (r *testRig) staticReleases() string {
	return `
    releases:
      - version: 1.2.0
        url: ` + r.server.URL + `/noded-{version}`
}

// configWith builds the rig config with source completing the fixed
// source of the noded binary.
func (r *testRig) configWith(t *testing.T, source, phases string) *protocol.Config {
	t.Helper()
	cfg, err := protocol.Parse([]byte(r.document(source, phases)))
	require.NoError(t, err)
	return cfg
}

func (r *testRig) document(source, phases string) string {
	return fmt.Sprintf(`
network: testnet
data_dir: %[1]s/data
manifest: %[1]s/manifest.json
binaries:
  noded:
    source: fixed
    checksum: false%[3]s
workers:
  - name: node
    binary: noded
    args: ["--datadir", "${DATA_DIR}/node"]
    restart:
      poll_interval: 20ms
      startup_grace: 0s
      stop_grace: 2s
orchestration:
  shutdown_timeout: 5s
%[2]s
`, r.dir, phases, source)
}

// writeConfig writes the rig config to disk for engines that reload it.
func (r *testRig) writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(r.dir, "rigkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

const nodePhases = `
  reload_groups: [core]
  phases:
    - id: setup
      title: Preparing
      steps:
        - kind: exec
          name: init
          command: ["sh", "-c", "echo ready > ${DATA_DIR}/init.txt"]
    - id: node
      title: Node
      group: core
      depends_on: [setup]
      steps:
        - kind: provision
          binary: noded
        - kind: supervise
          worker: node
          wait_healthy: true
`

func waitPhases(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ps := range e.Orchestrator().Status() {
			if !consts.PhaseOutcome(ps.Outcome).Terminal() {
				return false
			}
		}
		return e.State() == consts.EngineRunning
	}, 10*time.Second, 20*time.Millisecond)
}

func TestNewEngine(t *testing.T) {
	rig := newTestRig(t)
	e, err := NewEngine(rig.config(t, nodePhases), EngineOptions{})
	require.NoError(t, err)
	assert.Equal(t, consts.EnginePending, e.State())
	assert.Equal(t, []string{"noded"}, e.Provisioner().Names())
	assert.Equal(t, []string{defaultGroup, "core"}, e.Orchestrator().Groups())
}

func TestNewEngine_RejectsCycles(t *testing.T) {
	rig := newTestRig(t)
	cfg := rig.config(t, `
  phases:
    - id: a
      depends_on: [b]
      steps: [{kind: exec, command: ["true"]}]
    - id: b
      depends_on: [a]
      steps: [{kind: exec, command: ["true"]}]
`)
	_, err := NewEngine(cfg, EngineOptions{})
	assert.Error(t, err)
}

func TestEngine_RunProvisionsAndSupervises(t *testing.T) {
	rig := newTestRig(t)
	cfg := rig.config(t, nodePhases)
	rec := &events.Recorder{}
	e, err := NewEngine(cfg, EngineOptions{Reporter: rec})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	waitPhases(t, e)

	snap := e.Snapshot()
	require.Len(t, snap.Phases, 2)
	for _, ps := range snap.Phases {
		assert.Equal(t, string(consts.PhaseSuccess), ps.Outcome, "%s: %s", ps.ID, ps.Error)
	}
	require.Len(t, snap.Slots, 1)
	slot := snap.Slots[0]
	assert.Equal(t, "node", slot.Worker)
	assert.Equal(t, string(consts.SlotRunning), slot.State)
	assert.Equal(t, string(consts.HealthHealthy), slot.Health)
	assert.NotZero(t, slot.PID)

	assert.FileExists(t, filepath.Join(cfg.DataDir, "init.txt"))
	pidFile := filepath.Join(cfg.DataDir, "node"+consts.PidFileSuffix)
	assert.FileExists(t, pidFile)
	assert.FileExists(t, filepath.Join(cfg.BinaryRoot, "noded", "1.2.0", "noded"))
	assert.EqualValues(t, 1, rig.downloads.Load())

	last := rec.Phase("node")
	require.NotEmpty(t, last)
	assert.True(t, last[len(last)-1].Done)
	assert.Equal(t, 100, last[len(last)-1].Percent)

	// Restarting the core group respawns the node without downloading again.
	resp := e.HandleControl(context.Background(), protocol.ControlRequest{Op: protocol.OpRestart, Group: "core"})
	require.True(t, resp.OK, resp.Error)
	require.Len(t, resp.Slots, 1)
	assert.NotEqual(t, slot.PID, resp.Slots[0].PID)
	assert.EqualValues(t, 1, rig.downloads.Load())
	assert.Equal(t, consts.EngineRunning, e.State())

	resp = e.HandleControl(context.Background(), protocol.ControlRequest{Op: protocol.OpShutdown})
	assert.True(t, resp.OK)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, consts.EngineStopped, e.State())
	assert.NoFileExists(t, pidFile)
}

func TestEngine_FailedSetupBlocksWorkerPhase(t *testing.T) {
	rig := newTestRig(t)
	cfg := rig.config(t, `
  phases:
    - id: setup
      steps:
        - kind: exec
          command: ["sh", "-c", "echo nope >&2; exit 2"]
    - id: node
      depends_on: [setup]
      steps:
        - kind: provision
          binary: noded
`)
	e, err := NewEngine(cfg, EngineOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	waitPhases(t, e)

	snap := e.Snapshot()
	assert.Equal(t, string(consts.PhaseFailed), snap.Phases[0].Outcome)
	assert.Contains(t, snap.Phases[0].Error, "nope")
	assert.Equal(t, string(consts.PhaseBlocked), snap.Phases[1].Outcome)
	assert.EqualValues(t, 0, rig.downloads.Load(), "a blocked phase never provisions")

	cancel()
	assert.NoError(t, <-done)
}

func TestEngine_ProvisionFetchesReleaseListOnce(t *testing.T) {
	rig := newTestRig(t)
	cfg := rig.configWith(t, `
    index_url: `+rig.server.URL+`/index.json`, `
  phases:
    - id: binaries
      steps:
        - kind: provision
          binary: noded
`)
	e, err := NewEngine(cfg, EngineOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	waitPhases(t, e)

	snap := e.Snapshot()
	require.Len(t, snap.Phases, 1)
	assert.Equal(t, string(consts.PhaseSuccess), snap.Phases[0].Outcome, snap.Phases[0].Error)
	assert.Empty(t, snap.Phases[0].Warnings)
	assert.EqualValues(t, 1, rig.listings.Load(), "selection and install share one release list")
	assert.EqualValues(t, 1, rig.downloads.Load())
	assert.FileExists(t, filepath.Join(cfg.BinaryRoot, "noded", "1.2.0", "noded"))

	cancel()
	assert.NoError(t, <-done)
}

func TestEngine_ConfigChangeRestartsWithNewArgs(t *testing.T) {
	rig := newTestRig(t)
	doc := rig.document(rig.staticReleases(), nodePhases)
	path := rig.writeConfig(t, doc)
	cfg, err := protocol.Load(path)
	require.NoError(t, err)

	e, err := NewEngine(cfg, EngineOptions{ConfigPath: path, WatchConfig: true})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	waitPhases(t, e)
	first := e.Snapshot().Slots[0].PID
	require.NotZero(t, first)

	// Editing the file on disk is picked up by the watcher.
	rig.writeConfig(t, strings.Replace(doc, `"${DATA_DIR}/node"]`, `"${DATA_DIR}/node", "--offline"]`, 1))
	require.Eventually(t, func() bool {
		slots := e.Snapshot().Slots
		return len(slots) == 1 && slots[0].PID != 0 && slots[0].PID != first &&
			slots[0].State == string(consts.SlotRunning)
	}, 10*time.Second, 20*time.Millisecond)
	w, ok := e.worker("node")
	require.True(t, ok)
	assert.Equal(t, []string{"--datadir", "${DATA_DIR}/node", "--offline"}, w.Args)
	waitPhases(t, e)

	// Dropping a running worker is refused and the old definition stays.
	rig.writeConfig(t, fmt.Sprintf(`
data_dir: %s/data
orchestration:
  phases:
    - id: setup
      steps: [{kind: exec, command: ["true"]}]
`, rig.dir))
	err = e.ReloadConfig(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigInvalid, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "worker node removed")
	_, ok = e.worker("node")
	assert.True(t, ok)

	// A malformed file is rejected before anything restarts.
	rig.writeConfig(t, strings.Replace(doc, "stop_grace: 2s", "stop_grace: 2", 1))
	err = e.ReloadConfig(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers[node].restart.stop_grace")

	cancel()
	assert.NoError(t, <-done)
}

func TestEngine_HandleControlErrors(t *testing.T) {
	rig := newTestRig(t)
	e, err := NewEngine(rig.config(t, nodePhases), EngineOptions{})
	require.NoError(t, err)

	resp := e.HandleControl(context.Background(), protocol.ControlRequest{Op: "bogus"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown op")

	resp = e.HandleControl(context.Background(), protocol.ControlRequest{Op: protocol.OpRestart, Group: "core"})
	assert.False(t, resp.OK, "restart before the engine runs is refused")

	resp = e.HandleControl(context.Background(), protocol.ControlRequest{Op: protocol.OpStatus})
	assert.True(t, resp.OK)
	assert.Len(t, resp.Phases, 2)
	assert.Equal(t, string(consts.PhasePending), resp.Phases[0].Outcome)

	assert.NoError(t, e.Shutdown())
	assert.NoError(t, e.Shutdown())
	assert.Equal(t, consts.EngineStopped, e.State())
}
