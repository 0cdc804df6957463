package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// NativeCompileArgs returns the clang invocation building the native binary.
func (r *Runner) NativeCompileArgs(app string, level int) []string {
	t := r.cfg.Tools
	return []string{
		t.ClangNative,
		"-I/usr/include",
		"-I" + t.UtilitiesDir,
		"-DPOLYBENCH",
		"-O" + strconv.Itoa(level),
		filepath.Join(t.SourceDir, app, app+".c"),
		filepath.Join(t.UtilitiesDir, "polybench.c"),
		"-o", r.nativePath(app, level),
		"-lm",
	}
}

// WasmCompileArgs returns the wasi-sdk clang invocation building the wasm
// module.
func (r *Runner) WasmCompileArgs(app string, level int) []string {
	t := r.cfg.Tools
	return []string{
		t.ClangWASI,
		"--target=wasm32-unknown-wasi",
		"--sysroot=" + filepath.Join(t.WASISDK, "share", "wasi-sysroot"),
		"-I" + t.UtilitiesDir,
		"-DPOLYBENCH",
		"-D_WASI_EMULATED_PROCESS_CLOCKS",
		"-O" + strconv.Itoa(level),
		filepath.Join(t.SourceDir, app, app+".c"),
		filepath.Join(t.UtilitiesDir, "polybench.c"),
		"-o", r.wasmPath(app, level),
		"-lm",
		"-lwasi-emulated-process-clocks",
	}
}

// compile builds both binaries and records how long each build took. A
// failed build is recorded in place of its time.
func (r *Runner) compile(ctx context.Context, app string, level int) (any, error) {
	if err := os.MkdirAll(r.cfg.Tools.CompiledDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create compiled directory: %w", err)
	}

	result := make(map[string]any, 2)

	builds := []struct {
		key, label string
		argv       []string
	}{
		{app + "_native", "Native", r.NativeCompileArgs(app, level)},
		{app + "_wasm", "WASM", r.WasmCompileArgs(app, level)},
	}
	for _, b := range builds {
		secs, err := r.timeCommand(ctx, b.argv)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.printf("Error compiling %s %s: %v\n", app, b.label, err)
			result[b.key] = errorResult(err)
			continue
		}
		r.printf("%s compile time: %.6f seconds\n", b.label, secs)
		result[b.key] = secs
	}

	return result, nil
}
