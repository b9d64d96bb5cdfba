package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/inferout/internal/api"
	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/cluster"
	"github.com/dreamware/inferout/internal/engine"
	"github.com/dreamware/inferout/internal/logging"
	"github.com/dreamware/inferout/internal/scheduler"
	"github.com/dreamware/inferout/internal/worker"
)

// member is one in-process cluster member: a worker, its scheduler and its
// serving API.
type member struct {
	worker  *worker.Worker
	serving *httptest.Server
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// TestSystem is a cluster of members sharing one miniredis.
type TestSystem struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	store    *catalog.Store
	storeDir string
	members  map[string]*member
}

func NewTestSystem(t *testing.T) *TestSystem {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	c := cluster.New(rdb, "inferout", "itest", cluster.WithLogger(logging.Discard()))
	require.NoError(t, c.Bootstrap(ctx))
	require.NoError(t, c.Sync(ctx))

	dir := t.TempDir()
	for _, name := range []string{"v1", "v2"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name, "words.txt"), []byte("model "+name), 0o644))
	}

	ts := &TestSystem{
		t:        t,
		mr:       mr,
		store:    catalog.NewStore(c, catalog.WithLogger(logging.Discard())),
		storeDir: dir,
		members:  map[string]*member{},
	}
	t.Cleanup(ts.StopAll)
	return ts
}

// Join starts a member with the given id.
func (ts *TestSystem) Join(id string) *member {
	ts.t.Helper()
	m := &member{}

	m.serving = httptest.NewUnstartedServer(nil)
	m.worker = worker.New(ts.store, engine.DefaultRegistry(), worker.Config{
		HeartbeatInterval:   200 * time.Millisecond,
		ServingEndpoint:     "http://" + m.serving.Listener.Addr().String(),
		StorageEngines:      []string{engine.LocalFiles},
		ServingEngines:      []string{engine.Echo},
		EngineOptions:       map[string]map[string]any{engine.LocalFiles: {"store_dir": ts.storeDir}},
		ExecutorConcurrency: 4,
	}, worker.WithID(id), worker.WithLogger(logging.Discard()))
	require.NoError(ts.t, m.worker.Start(context.Background()))
	m.serving.Config.Handler = api.New(m.worker, api.WithLogger(logging.Discard())).ServingRouter()
	m.serving.Start()

	sched := scheduler.New(ts.store, scheduler.Config{
		Interval:      100 * time.Millisecond,
		WarnThreshold: 20 * time.Millisecond,
		LockRetry:     10 * time.Millisecond,
	}, scheduler.WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done.Add(2)
	go func() {
		defer m.done.Done()
		_ = m.worker.Run(ctx)
	}()
	go func() {
		defer m.done.Done()
		_ = sched.Run(ctx)
	}()

	ts.members[id] = m
	return m
}

// Stop shuts a member down gracefully.
func (ts *TestSystem) Stop(id string) {
	m, ok := ts.members[id]
	if !ok {
		return
	}
	delete(ts.members, id)
	m.cancel()
	m.done.Wait()
	m.serving.Close()
}

func (ts *TestSystem) StopAll() {
	for id := range ts.members {
		ts.Stop(id)
	}
}

// servingCount returns how many instances of version serve, by worker.
func (ts *TestSystem) servingCount(version int) map[string]int {
	insts, err := ts.store.ListInstances(context.Background(), "ns1", "m1", version)
	if err != nil {
		return nil
	}
	out := map[string]int{}
	for _, inst := range insts {
		if inst.State == catalog.StateServing {
			out[inst.WorkerID]++
		}
	}
	return out
}

func total(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func (ts *TestSystem) infer(t *testing.T, m *member, path string) map[string]any {
	t.Helper()
	resp, err := http.Post(m.serving.URL+path, "application/json", bytes.NewBufferString(`{"input_data":{"q":1}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// TestClusterLifecycle drives a two-member cluster through placement,
// inference, a version rollover and the loss of a member.
func TestClusterLifecycle(t *testing.T) {
	ts := NewTestSystem(t)
	ctx := context.Background()

	_, err := ts.store.SaveNamespace(ctx, "ns1", nil)
	require.NoError(t, err)
	_, err = ts.store.SaveModel(ctx, "ns1", "m1", map[string]any{"path": "v1", "allow_echo": true, "file_name": "words.txt"})
	require.NoError(t, err)

	a := ts.Join("wa")
	b := ts.Join("wb")

	t.Log("placing the first version")
	require.Eventually(t, func() bool {
		return total(ts.servingCount(1)) == 2
	}, 10*time.Second, 50*time.Millisecond)

	t.Log("serving through either member")
	for _, m := range []*member{a, b} {
		out := ts.infer(t, m, "/ns1/m1/latest")
		assert.Equal(t, 1.0, out["model_version"])
		assert.Equal(t, []any{"model", "v1"}, out["output_data"].(map[string]any)["tokens"])
	}

	t.Log("rolling over to version 2")
	_, err = ts.store.SaveModel(ctx, "ns1", "m1", map[string]any{"path": "v2", "allow_echo": true, "file_name": "words.txt"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return total(ts.servingCount(2)) == 2 && total(ts.servingCount(1)) == 0
	}, 10*time.Second, 50*time.Millisecond)

	old, err := ts.store.ListInstances(ctx, "ns1", "m1", 1)
	require.NoError(t, err)
	for _, inst := range old {
		assert.Equal(t, catalog.StateTerminating, inst.State, inst.ID)
	}
	out := ts.infer(t, a, "/ns1/m1/latest")
	assert.Equal(t, 2.0, out["model_version"])

	t.Log("losing a member")
	ts.Stop("wb")
	require.Eventually(t, func() bool {
		return ts.servingCount(2)["wa"] == 2
	}, 10*time.Second, 50*time.Millisecond)

	rec, err := ts.store.ReadWorker(ctx, "wb")
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerShuttingDown, rec.State)

	out = ts.infer(t, a, "/ns1/m1")
	assert.Equal(t, "wa", out["worker_id"])
}

// TestSingleSchedulerPerCycle checks that competing schedulers never
// over-allocate a model.
func TestSingleSchedulerPerCycle(t *testing.T) {
	ts := NewTestSystem(t)
	ctx := context.Background()

	_, err := ts.store.SaveNamespace(ctx, "ns1", map[string]any{"instances_per_model": map[string]any{"target": 3}})
	require.NoError(t, err)
	_, err = ts.store.SaveModel(ctx, "ns1", "m1", map[string]any{"path": "v1", "allow_echo": true, "file_name": "words.txt"})
	require.NoError(t, err)

	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		ts.Join(id)
	}

	require.Eventually(t, func() bool {
		return total(ts.servingCount(1)) == 3
	}, 10*time.Second, 50*time.Millisecond)

	// several more cycles must not add instances
	time.Sleep(500 * time.Millisecond)
	insts, err := ts.store.ListInstances(ctx, "ns1", "m1", 0)
	require.NoError(t, err)
	assert.Len(t, insts, 3)
}
