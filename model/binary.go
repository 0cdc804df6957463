package model

import "fmt"

// NativeBinary returns the file name of the native build of application at level.
func NativeBinary(application string, level int) string {
	return fmt.Sprintf("%s_%d_native", application, level)
}

// WasmBinary returns the file name of the WebAssembly build of application at level.
func WasmBinary(application string, level int) string {
	return fmt.Sprintf("%s_%d.wasm", application, level)
}
