package fsm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASIPredicate runs a compiled WASI policy pack for operators who ship
// binary policy plugins instead of CEL source. Grounded on
// pkg/runtime/sandbox/wasi_sandbox.go's deny-by-default wazero
// configuration: no filesystem, no network, no ambient authority — the
// policy pack receives the PolicyContext as JSON on stdin and must
// write "true" or "false" to stdout.
type WASIPredicate struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewWASIPredicate compiles wasmBytes once; Allow instantiates a fresh
// module per call so evaluations cannot share mutable state across
// transactions.
func NewWASIPredicate(ctx context.Context, wasmBytes []byte) (*WASIPredicate, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(16) // 1 MiB ceiling
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("fsm: wasi: compile policy pack: %w", err)
	}
	return &WASIPredicate{runtime: r, compiled: compiled}, nil
}

func (p *WASIPredicate) Allow(ctx context.Context, pc PolicyContext) (bool, error) {
	input, err := json.Marshal(pc)
	if err != nil {
		return false, fmt.Errorf("fsm: wasi: marshal context: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deny-by-default: no WithFSConfig, no WithSysNanotime, no WithRandSource.

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, modCfg)
	if err != nil {
		return false, fmt.Errorf("fsm: wasi: instantiate policy pack: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	switch stdout.String() {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("fsm: wasi: policy pack wrote non-boolean output %q (stderr: %q)", stdout.String(), stderr.String())
	}
}

// Close releases the wazero runtime.
func (p *WASIPredicate) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
