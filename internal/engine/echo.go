package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EchoEngine is a reference serving engine. Loading reads a text file from
// the storage context's local_path; inference returns the input document
// with the file's whitespace-separated tokens added.
type EchoEngine struct {
	FileName string `mapstructure:"file_name"`
}

type echoParams struct {
	AllowEcho bool   `mapstructure:"allow_echo"`
	FileName  string `mapstructure:"file_name"`
}

// echoModel is the worker-local state of one loaded instance.
type echoModel struct {
	mu     sync.RWMutex
	tokens []string
}

func (e *EchoEngine) ValidateEngineOptions(opts map[string]any) error {
	return decode(opts, e)
}

func (e *EchoEngine) Prepare(ctx context.Context) error { return nil }

func (e *EchoEngine) params(params Params) (echoParams, error) {
	var p echoParams
	if err := decode(params, &p); err != nil {
		return p, err
	}
	if p.FileName == "" {
		p.FileName = e.FileName
	}
	return p, nil
}

func (e *EchoEngine) ValidateModelParameters(params Params) error {
	p, err := e.params(params)
	if err != nil {
		return err
	}
	if !p.AllowEcho {
		return &ValidationError{Field: "allow_echo", Reason: "required"}
	}
	if p.FileName == "" {
		return &ValidationError{Field: "file_name", Reason: "required"}
	}
	return checkLocal("file_name", p.FileName)
}

func (e *EchoEngine) LoadModel(ctx context.Context, params Params, storage Context) (Context, any, error) {
	p, err := e.params(params)
	if err != nil {
		return nil, nil, &LoadError{Err: err}
	}
	dir, _ := storage["local_path"].(string)
	if dir == "" {
		return nil, nil, &LoadError{Err: fmt.Errorf("storage context has no local_path")}
	}
	if err := checkLocal("file_name", p.FileName); err != nil {
		return nil, nil, &LoadError{Err: err}
	}
	data, err := os.ReadFile(filepath.Join(dir, p.FileName))
	if err != nil {
		return nil, nil, &LoadError{Err: err}
	}
	m := &echoModel{tokens: strings.Fields(string(data))}
	return Context{"echo_model_loaded": true}, m, nil
}

func (e *EchoEngine) UnloadModel(ctx context.Context, params Params, storage, serving Context, local any) error {
	m, ok := local.(*echoModel)
	if !ok {
		return fmt.Errorf("echo: unexpected local context %T", local)
	}
	m.mu.Lock()
	m.tokens = nil
	m.mu.Unlock()
	return nil
}

func (e *EchoEngine) Infer(ctx context.Context, params Params, storage, serving Context, local any, input map[string]any) (map[string]any, error) {
	m, ok := local.(*echoModel)
	if !ok {
		return nil, fmt.Errorf("echo: unexpected local context %T", local)
	}
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	m.mu.RLock()
	out["tokens"] = append([]string(nil), m.tokens...)
	m.mu.RUnlock()
	return out, nil
}
