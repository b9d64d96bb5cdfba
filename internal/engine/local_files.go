package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultStoreDir is the local_files store directory when none is set.
const DefaultStoreDir = "/tmp/infer_models"

// LocalFilesEngine serves model artifacts that already sit below a local
// store directory. Fetching only resolves the path; cleaning is a no-op.
type LocalFilesEngine struct {
	StoreDir string `mapstructure:"store_dir"`
}

type localFilesParams struct {
	Path string `mapstructure:"path"`
}

func (e *LocalFilesEngine) ValidateEngineOptions(opts map[string]any) error {
	if err := decode(opts, e); err != nil {
		return err
	}
	if e.StoreDir == "" {
		e.StoreDir = DefaultStoreDir
	}
	if info, err := os.Stat(e.StoreDir); err == nil && !info.IsDir() {
		return &ValidationError{Field: "store_dir", Reason: fmt.Sprintf("%s is not a directory", e.StoreDir)}
	}
	return nil
}

// Prepare creates the store directory if it is missing.
func (e *LocalFilesEngine) Prepare(ctx context.Context) error {
	return os.MkdirAll(e.StoreDir, 0o755)
}

func (e *LocalFilesEngine) ValidateModelParameters(params Params) error {
	var p localFilesParams
	if err := decode(params, &p); err != nil {
		return err
	}
	if p.Path == "" {
		return &ValidationError{Field: "path", Reason: "required"}
	}
	if err := checkLocal("path", p.Path); err != nil {
		return err
	}
	full := filepath.Join(e.StoreDir, p.Path)
	if _, err := os.Stat(full); err != nil {
		return &ValidationError{Field: "path", Reason: fmt.Sprintf("%s does not exist", full)}
	}
	return nil
}

func (e *LocalFilesEngine) FetchModel(ctx context.Context, params Params) (Context, error) {
	var p localFilesParams
	if err := decode(params, &p); err != nil {
		return nil, &FetchError{Err: err}
	}
	if err := checkLocal("path", p.Path); err != nil {
		return nil, &FetchError{Err: err}
	}
	return Context{"local_path": filepath.Join(e.StoreDir, p.Path)}, nil
}

func (e *LocalFilesEngine) CleanModel(ctx context.Context, params Params, storage Context) error {
	return nil
}
