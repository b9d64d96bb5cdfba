package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/inferout/internal/cluster"
)

// newTestStore returns a Store backed by a fresh miniredis instance.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(cluster.New(rdb, "inferout", "test")), mr
}

// TestValidateIDs checks the id patterns for namespaces and models.
func TestValidateIDs(t *testing.T) {
	tests := []struct {
		name    string
		check   func(string) error
		id      string
		wantErr bool
	}{
		{"namespace ok", ValidateNamespaceID, "ns1", false},
		{"namespace max length", ValidateNamespaceID, "abcdefghij", false},
		{"namespace too short", ValidateNamespaceID, "ab", true},
		{"namespace too long", ValidateNamespaceID, "abcdefghijk", true},
		{"namespace leading digit", ValidateNamespaceID, "1ns", true},
		{"namespace uppercase", ValidateNamespaceID, "Name", true},
		{"model single char", ValidateModelID, "m", false},
		{"model with dash and underscore", ValidateModelID, "my-model_2", false},
		{"model too long", ValidateModelID, "abcdefghijklmnopqrstu", true},
		{"model empty", ValidateModelID, "", true},
		{"model colon", ValidateModelID, "a::b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestDeepMerge checks recursive merging over the defaults document.
func TestDeepMerge(t *testing.T) {
	got := DeepMerge(DefaultSettings(), map[string]any{
		"serving_engine":      "custom",
		"instances_per_model": map[string]any{"target": 5},
		"extra":               map[string]any{"a": 1},
	})

	assert.Equal(t, "local_files", got["storage_engine"])
	assert.Equal(t, "custom", got["serving_engine"])
	assert.Equal(t, map[string]any{"min": 1, "max": 4, "target": 5}, got["instances_per_model"])
	assert.Equal(t, map[string]any{"a": 1}, got["extra"])

	// the defaults document is never shared
	assert.Equal(t, 2, DefaultSettings()["instances_per_model"].(map[string]any)["target"])
}

// TestNamespaceSaveRead checks that a saved namespace reads back as the
// defaults merged with the overrides.
func TestNamespaceSaveRead(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	tests := []struct {
		name      string
		id        string
		overrides map[string]any
		want      Settings
	}{
		{
			name: "defaults only",
			id:   "alpha",
			want: Settings{
				StorageEngine:     "local_files",
				ServingEngine:     "echo",
				InstancesPerModel: InstancesPerModel{Min: 1, Max: 4, Target: 2},
				MaxVersionHistory: 10,
			},
		},
		{
			name: "nested override",
			id:   "beta",
			overrides: map[string]any{
				"serving_engine":      "other",
				"instances_per_model": map[string]any{"target": 3},
			},
			want: Settings{
				StorageEngine:     "local_files",
				ServingEngine:     "other",
				InstancesPerModel: InstancesPerModel{Min: 1, Max: 4, Target: 3},
				MaxVersionHistory: 10,
			},
		},
		{
			name: "weakly typed JSON numbers",
			id:   "gamma",
			overrides: map[string]any{
				"instances_per_model": map[string]any{"target": float64(1)},
				"max_version_history": "4",
			},
			want: Settings{
				StorageEngine:     "local_files",
				ServingEngine:     "echo",
				InstancesPerModel: InstancesPerModel{Min: 1, Max: 4, Target: 1},
				MaxVersionHistory: 4,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved, err := s.SaveNamespace(ctx, tt.id, tt.overrides)
			require.NoError(t, err)
			assert.Equal(t, tt.want, saved.Settings)

			read, err := s.ReadNamespace(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, read.Settings)
		})
	}

	assert.True(t, mr.Exists("inferout::{@namespace-alpha}"))

	all, err := s.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// TestNamespaceErrors checks validation and not-found handling.
func TestNamespaceErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.SaveNamespace(ctx, "X", nil)
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = s.ReadNamespace(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.SaveNamespace(ctx, "delta", map[string]any{"instances_per_model": "lots"})
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

// TestModelVersioning checks that N saves yield latest_version_id == N and
// one version record per save.
func TestModelVersioning(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.SaveModel(ctx, "alpha", "m1", nil)
	assert.ErrorIs(t, err, ErrNotFound, "namespace must exist")

	_, err = s.SaveNamespace(ctx, "alpha", nil)
	require.NoError(t, err)

	const saves = 5
	for i := 1; i <= saves; i++ {
		m, err := s.SaveModel(ctx, "alpha", "m1", map[string]any{"rev": i})
		require.NoError(t, err)
		assert.Equal(t, i, m.LatestVersionID)
	}

	m, err := s.ReadModel(ctx, "alpha", "m1")
	require.NoError(t, err)
	assert.Equal(t, saves, m.LatestVersionID)
	assert.EqualValues(t, saves, m.Parameters["rev"])

	versions, err := s.ListVersions(ctx, "alpha", "m1")
	require.NoError(t, err)
	require.Len(t, versions, saves)
	for i, v := range versions {
		assert.Equal(t, saves-i, v.ID, "versions are listed newest first")
		assert.EqualValues(t, saves-i, v.Parameters["rev"])
	}

	_, err = s.ReadVersion(ctx, "alpha", "m1", saves+1)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestModelConcurrentSaves checks that concurrent saves never reuse or skip
// a version number.
func TestModelConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.SaveNamespace(ctx, "alpha", nil)
	require.NoError(t, err)

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveModel(ctx, "alpha", "m1", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m, err := s.ReadModel(ctx, "alpha", "m1")
	require.NoError(t, err)
	assert.Equal(t, writers, m.LatestVersionID)

	versions, err := s.ListVersions(ctx, "alpha", "m1")
	require.NoError(t, err)
	assert.Len(t, versions, writers)
}

// TestListModels checks per-namespace and cluster-wide model listings.
func TestListModels(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, ns := range []string{"alpha", "beta"} {
		_, err := s.SaveNamespace(ctx, ns, nil)
		require.NoError(t, err)
	}
	for _, ref := range []ModelRef{{"alpha", "m1"}, {"alpha", "m2"}, {"beta", "m1"}} {
		_, err := s.SaveModel(ctx, ref.NamespaceID, ref.ModelID, nil)
		require.NoError(t, err)
	}
	// a second version must not produce a second ref
	_, err := s.SaveModel(ctx, "alpha", "m1", nil)
	require.NoError(t, err)

	models, err := s.ListModels(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, models, 2)

	refs, err := s.ListModelRefs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ModelRef{{"alpha", "m1"}, {"alpha", "m2"}, {"beta", "m1"}}, refs)
}

// TestInstanceLifecycleRecords checks instance persistence, listing order
// and the terminating TTL rule.
func TestInstanceLifecycleRecords(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	inst, err := s.CreateInstance(ctx, "alpha", "m1", 1, "w1")
	require.NoError(t, err)
	assert.Len(t, inst.ID, 22)
	assert.Equal(t, StateScheduled, inst.State)

	newer, err := s.CreateInstance(ctx, "alpha", "m1", 2, "w2")
	require.NoError(t, err)

	read, err := s.ReadInstance(ctx, "alpha", "m1", 1, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", read.WorkerID)
	assert.Equal(t, map[string]any{}, read.StorageContext)

	all, err := s.ListInstances(ctx, "alpha", "m1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer.ID, all[0].ID)
	assert.Equal(t, inst.ID, all[1].ID)

	onlyV1, err := s.ListInstances(ctx, "alpha", "m1", 1)
	require.NoError(t, err)
	require.Len(t, onlyV1, 1)
	assert.Equal(t, 1, onlyV1[0].ModelVersionID)

	// failure messages and worker context
	inst.State = StateFetchError
	inst.ErrorMessages = []string{"boom"}
	inst.WorkerContext = "local only"
	require.NoError(t, s.SaveInstance(ctx, inst))
	read, err = s.ReadInstance(ctx, "alpha", "m1", 1, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"boom"}, read.ErrorMessages)
	assert.Nil(t, read.WorkerContext)
	assert.True(t, IsFailed(read.State))

	// terminating sets the grace TTL once
	key := s.InstanceKey(inst)
	assert.Zero(t, mr.TTL(key))
	inst.State = StateTerminating
	require.NoError(t, s.SaveInstance(ctx, inst))
	assert.Equal(t, TerminatingTTL, mr.TTL(key))

	mr.FastForward(30 * time.Second)
	require.NoError(t, s.SaveInstance(ctx, inst))
	assert.Equal(t, 30*time.Second, mr.TTL(key), "existing TTL is not reset")

	mr.FastForward(31 * time.Second)
	_, err = s.ReadInstance(ctx, "alpha", "m1", 1, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestUnencodableContextIsRejected checks that a context that cannot be
// encoded fails the save and leaves the stored record untouched.
func TestUnencodableContextIsRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	inst, err := s.CreateInstance(ctx, "alpha", "m1", 1, "w1")
	require.NoError(t, err)

	inst.State = StateServing
	inst.StorageContext = map[string]any{"handle": make(chan int)}
	err = s.SaveInstance(ctx, inst)
	require.Error(t, err)
	assert.ErrorContains(t, err, "storage_context")

	read, err := s.ReadInstance(ctx, "alpha", "m1", 1, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, read.State)
	assert.Equal(t, map[string]any{}, read.StorageContext)

	_, err = s.SaveNamespace(ctx, "alpha", nil)
	require.NoError(t, err)
	_, err = s.SaveModel(ctx, "alpha", "m1", map[string]any{"fn": func() {}})
	assert.ErrorContains(t, err, "parameters")
	_, err = s.ReadModel(ctx, "alpha", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestWorkerRecords checks heartbeat persistence and expiry.
func TestWorkerRecords(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	w := &WorkerRecord{
		ID:                      "w1",
		State:                   WorkerServing,
		ServingEndpoint:         "http://host:9500",
		AvailableStorageEngines: []string{"local_files"},
		AvailableServingEngines: []string{"echo"},
		ModelInstancesCount:     3,
	}
	require.NoError(t, s.SaveWorker(ctx, w, 10*time.Second))
	assert.Equal(t, 10*time.Second, mr.TTL("inferout::{@worker-w1}"))

	read, err := s.ReadWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, w, read)
	assert.True(t, read.Supports("local_files", "echo"))
	assert.False(t, read.Supports("local_files", "torch"))

	list, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	mr.FastForward(11 * time.Second)
	_, err = s.ReadWorker(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err = s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
