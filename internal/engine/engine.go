// Package engine defines the two plugin capability sets a worker executes
// model instances with, and the static registry they are resolved from.
//
// A storage engine makes a model version's artifacts available on the
// worker (FetchModel) and removes them again (CleanModel). A serving engine
// loads those artifacts into memory (LoadModel), answers inference requests
// (Infer) and releases them (UnloadModel).
//
// Contexts flow between the calls of one instance:
//
//	FetchModel  -> storage context   (persisted, cluster-visible)
//	LoadModel   -> serving context   (persisted, cluster-visible)
//	            -> local context     (worker memory only)
//
// Engine calls may block on I/O or burn CPU; callers run them outside their
// coordination loops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
)

// Params is a model version's parameter document.
type Params = map[string]any

// Context is a cluster-visible engine context.
type Context = map[string]any

// StorageEngine fetches and cleans model artifacts.
type StorageEngine interface {
	// ValidateEngineOptions checks and applies the engine's own options.
	ValidateEngineOptions(opts map[string]any) error
	Prepare(ctx context.Context) error
	ValidateModelParameters(params Params) error
	FetchModel(ctx context.Context, params Params) (Context, error)
	CleanModel(ctx context.Context, params Params, storage Context) error
}

// ServingEngine loads models and serves inference on them.
type ServingEngine interface {
	ValidateEngineOptions(opts map[string]any) error
	Prepare(ctx context.Context) error
	ValidateModelParameters(params Params) error
	// LoadModel returns the cluster-visible serving context and a
	// worker-local value handed back to UnloadModel and Infer.
	LoadModel(ctx context.Context, params Params, storage Context) (Context, any, error)
	UnloadModel(ctx context.Context, params Params, storage, serving Context, local any) error
	Infer(ctx context.Context, params Params, storage, serving Context, local any, input map[string]any) (map[string]any, error)
}

// ErrUnknownEngine is returned when a name has no registered factory.
var ErrUnknownEngine = errors.New("unknown engine")

// ValidationError reports bad engine options or model parameters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// FetchError reports a storage engine failing to fetch a model.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// LoadError reports a serving engine failing to load a model.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return "load: " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// checkLocal rejects names that would resolve outside the directory they
// are joined to.
func checkLocal(field, name string) error {
	if !filepath.IsLocal(name) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a local path", name)}
	}
	return nil
}

// decode maps a loosely typed document onto out, accepting string and
// numeric forms of the same scalar.
func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}
