package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/BaSui01/flowgate/lock"
	"github.com/BaSui01/flowgate/persistence"
	"github.com/BaSui01/flowgate/workflow"
)

func graphYAML(id string) string {
	return fmt.Sprintf(`id: %s
activities:
  - {id: s, kind: start}
  - {id: work}
  - {id: e, kind: end}
transitions:
  - {from: s, to: work}
  - {from: work, to: e}
`, id)
}

const graphJSON = `{
  "id": "beta",
  "activities": [{"id": "s", "kind": "start"}, {"id": "e", "kind": "end"}],
  "transitions": [{"from": "s", "to": "e"}]
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// recordingRegistrar counts registrations per graph ID
type recordingRegistrar struct {
	mu     sync.Mutex
	graphs map[string]int
}

func newRecordingRegistrar() *recordingRegistrar {
	return &recordingRegistrar{graphs: make(map[string]int)}
}

func (r *recordingRegistrar) RegisterGraph(g *workflow.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.ID()]++
	return nil
}

func (r *recordingRegistrar) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graphs[id]
}

func TestIsDefinitionFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"graph.yaml", true},
		{"graph.YML", true},
		{"graph.json", true},
		{"/abs/dir/graph.yml", true},
		{".graph.yaml", false},
		{"graph.yaml.swp", false},
		{"README.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDefinitionFile(tt.name))
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), graphYAML("alpha"))
	writeFile(t, filepath.Join(dir, "b.json"), graphJSON)
	writeFile(t, filepath.Join(dir, "bad.yaml"), "id: broken\nactivities: []\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	reg := newRecordingRegistrar()
	ids, err := LoadDir(reg, dir, nil)

	assert.Equal(t, []string{"alpha", "beta"}, ids)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "bad.yaml")
	assert.Equal(t, 1, reg.count("alpha"))
	assert.Equal(t, 1, reg.count("beta"))
}

func TestLoadDir_MissingDir(t *testing.T) {
	_, err := LoadDir(newRecordingRegistrar(), filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

func TestLoadDir_IntoEngine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), graphYAML("alpha"))
	writeFile(t, filepath.Join(dir, "b.json"), graphJSON)

	store := persistence.NewMemoryStore()
	engine := workflow.NewEngine(store, lock.NewMemoryLocker(), store)

	ids, err := LoadDir(engine, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)
	assert.Equal(t, []string{"alpha", "beta"}, engine.GraphIDs())
}

func TestLoadFile_UnregisteredHandler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "h.yaml")
	writeFile(t, path, `id: needs-handler
activities:
  - {id: s, kind: start}
  - {id: work, handler: missing}
  - {id: e, kind: end}
transitions:
  - {from: s, to: work}
  - {from: work, to: e}
`)

	store := persistence.NewMemoryStore()
	engine := workflow.NewEngine(store, lock.NewMemoryLocker(), store)
	_, err := LoadFile(engine, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler not registered")
}

func TestNewWatcher_InvalidDir(t *testing.T) {
	dir := t.TempDir()
	_, err := NewWatcher(filepath.Join(dir, "missing"), newRecordingRegistrar())
	assert.Error(t, err)

	file := filepath.Join(dir, "file.yaml")
	writeFile(t, file, graphYAML("x"))
	_, err = NewWatcher(file, newRecordingRegistrar())
	assert.Error(t, err)
}

func TestWatcher_StartStop(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), newRecordingRegistrar(), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(t.Context()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(t.Context()))

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	assert.NoError(t, w.Stop())
}

func TestWatcher_ReloadsChangedDefinitions(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.yaml")
	writeFile(t, existing, graphYAML("alpha"))

	reg := newRecordingRegistrar()
	w, err := NewWatcher(dir, reg,
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	events := make(chan ReloadEvent, 16)
	w.OnReload(func(ev ReloadEvent) { events <- ev })
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	next := func() ReloadEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for reload event")
			return ReloadEvent{}
		}
	}

	// 新建
	created := filepath.Join(dir, "c.yaml")
	writeFile(t, created, graphYAML("gamma"))
	ev := next()
	assert.Equal(t, FileOpCreate, ev.Op)
	assert.Equal(t, "gamma", ev.GraphID)
	assert.NoError(t, ev.Error)
	assert.Equal(t, 1, reg.count("gamma"))

	// 修改：显式推进 mtime，避免文件系统时间精度影响
	writeFile(t, existing, graphYAML("alpha"))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(existing, future, future))
	ev = next()
	assert.Equal(t, FileOpWrite, ev.Op)
	assert.Equal(t, "alpha", ev.GraphID)
	assert.Equal(t, 1, reg.count("alpha"), "files present at start are not reloaded until they change")

	// 无效内容
	writeFile(t, created, "id: gamma\nactivities: []\n")
	require.NoError(t, os.Chtimes(created, future, future))
	ev = next()
	assert.Equal(t, FileOpWrite, ev.Op)
	assert.Error(t, ev.Error)
	assert.Equal(t, 1, reg.count("gamma"))

	// 删除
	require.NoError(t, os.Remove(created))
	ev = next()
	assert.Equal(t, FileOpRemove, ev.Op)
	assert.Equal(t, created, ev.Path)
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}
