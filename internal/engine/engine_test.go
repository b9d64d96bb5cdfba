package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegistryLoad checks name resolution and startup validation.
func TestRegistryLoad(t *testing.T) {
	ctx := context.Background()
	r := DefaultRegistry()
	assert.Equal(t, []string{LocalFiles}, r.StorageNames())
	assert.Equal(t, []string{Echo}, r.ServingNames())

	dir := t.TempDir()
	storage, err := r.LoadStorage(ctx, []string{LocalFiles}, map[string]map[string]any{
		LocalFiles: {"store_dir": dir},
	})
	require.NoError(t, err)
	require.Contains(t, storage, LocalFiles)
	assert.Equal(t, dir, storage[LocalFiles].(*LocalFilesEngine).StoreDir)

	_, err = r.LoadServing(ctx, []string{"torch"}, nil)
	assert.ErrorIs(t, err, ErrUnknownEngine)

	// a store_dir that is a regular file fails validation
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = r.LoadStorage(ctx, []string{LocalFiles}, map[string]map[string]any{
		LocalFiles: {"store_dir": file},
	})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

// TestLocalFiles checks parameter validation and the fetched context.
func TestLocalFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "model-a"), 0o755))

	e := &LocalFilesEngine{}
	require.NoError(t, e.ValidateEngineOptions(map[string]any{"store_dir": dir}))
	require.NoError(t, e.Prepare(ctx))

	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"existing path", Params{"path": "model-a"}, false},
		{"missing path parameter", Params{}, true},
		{"path does not exist", Params{"path": "nope"}, true},
		{"parent directory", Params{"path": "../"}, true},
		{"escapes store dir", Params{"path": "../../../../etc"}, true},
		{"absolute path", Params{"path": "/etc"}, true},
		{"nested path inside store dir", Params{"path": "model-a/../model-a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ValidateModelParameters(tt.params)
			if tt.wantErr {
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := e.FetchModel(ctx, Params{"path": "../etc"})
	var ferr *FetchError
	assert.ErrorAs(t, err, &ferr)

	storage, err := e.FetchModel(ctx, Params{"path": "model-a"})
	require.NoError(t, err)
	assert.Equal(t, Context{"local_path": filepath.Join(dir, "model-a")}, storage)
	assert.NoError(t, e.CleanModel(ctx, nil, storage))
}

// TestEcho walks the echo engine through validate, load, infer, unload.
func TestEcho(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "words.txt"), []byte("hello big\nworld\n"), 0o644))

	e := &EchoEngine{}
	require.NoError(t, e.ValidateEngineOptions(map[string]any{"file_name": "words.txt"}))

	assert.Error(t, e.ValidateModelParameters(Params{}), "allow_echo is required")
	require.NoError(t, e.ValidateModelParameters(Params{"allow_echo": true}))
	require.NoError(t, e.ValidateModelParameters(Params{"allow_echo": "true", "file_name": "other.txt"}))

	for _, name := range []string{"../words.txt", "../../etc/passwd", "/etc/passwd"} {
		err := e.ValidateModelParameters(Params{"allow_echo": true, "file_name": name})
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, name)
	}
	_, _, err := e.LoadModel(ctx, Params{"file_name": "../words.txt"}, Context{"local_path": filepath.Join(dir, "sub")})
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)

	_, _, err = e.LoadModel(ctx, Params{"file_name": "missing.txt"}, Context{"local_path": dir})
	require.ErrorAs(t, err, &lerr)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	serving, local, err := e.LoadModel(ctx, Params{"allow_echo": true}, Context{"local_path": dir})
	require.NoError(t, err)
	assert.Equal(t, Context{"echo_model_loaded": true}, serving)

	input := map[string]any{"text": "hi"}
	out, err := e.Infer(ctx, nil, nil, serving, local, input)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["text"])
	assert.Equal(t, []string{"hello", "big", "world"}, out["tokens"])
	assert.NotContains(t, input, "tokens", "input is not mutated")

	require.NoError(t, e.UnloadModel(ctx, nil, nil, serving, local))
	out, err = e.Infer(ctx, nil, nil, serving, local, input)
	require.NoError(t, err)
	assert.Empty(t, out["tokens"])

	_, err = e.Infer(ctx, nil, nil, serving, "wrong", input)
	assert.Error(t, err)
}
