package perfscript

import (
	"strings"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"
)

// Output of `perf record -g -- gemm_3_native` followed by `perf script`.
const nativeScript = `gemm_3_native  41022 91822.104417:     250000 cycles:u:
	            1189 kernel_gemm+0x89 (/root/profiler/compiled/gemm_3_native)
	            1a2f main+0x11f (/root/profiler/compiled/gemm_3_native)
	    7f3c5d429d90 __libc_start_call_main+0x80 (/usr/lib/x86_64-linux-gnu/libc.so.6)

gemm_3_native  41022 91822.104662:     250000 cycles:u:
	            1189 kernel_gemm+0x89 (/root/profiler/compiled/gemm_3_native)
	            1a2f main+0x11f (/root/profiler/compiled/gemm_3_native)
	    7f3c5d429d90 __libc_start_call_main+0x80 (/usr/lib/x86_64-linux-gnu/libc.so.6)

gemm_3_native  41022 91822.104901:     125000 cycles:u:
	            1310 init_array+0x40 (/root/profiler/compiled/gemm_3_native)
	            1a05 main+0xf5 (/root/profiler/compiled/gemm_3_native)
	    7f3c5d429d90 __libc_start_call_main+0x80 (/usr/lib/x86_64-linux-gnu/libc.so.6)

gemm_3_native  41022 91822.105013:         12 instructions:u:
	            1189 kernel_gemm+0x89 (/root/profiler/compiled/gemm_3_native)
	            1a2f main+0x11f (/root/profiler/compiled/gemm_3_native)
	    7f3c5d429d90 __libc_start_call_main+0x80 (/usr/lib/x86_64-linux-gnu/libc.so.6)
`

func TestParser_Parse(t *testing.T) {
	prof, err := New().Parse(strings.NewReader(nativeScript))
	require.NoError(t, err)

	require.Len(t, prof.SampleType, 2)
	require.Equal(t, "cycles:u", prof.SampleType[0].Type)
	require.Equal(t, "instructions:u", prof.SampleType[1].Type)
	require.Equal(t, "count", prof.SampleType[0].Unit)

	// Identical stacks are merged per event.
	require.Len(t, prof.Sample, 2)
	require.Equal(t, []int64{500000, 12}, prof.Sample[0].Value)
	require.Equal(t, []int64{125000, 0}, prof.Sample[1].Value)

	require.Len(t, prof.Mapping, 2)
	require.Equal(t, "/root/profiler/compiled/gemm_3_native", prof.Mapping[0].File)
	require.Equal(t, "/usr/lib/x86_64-linux-gnu/libc.so.6", prof.Mapping[1].File)
	require.Equal(t, uint64(0x1000), prof.Mapping[0].Start)
	require.Equal(t, uint64(0x2000), prof.Mapping[0].Limit)

	names := make([]string, 0, len(prof.Function))
	for _, fn := range prof.Function {
		names = append(names, fn.Name)
	}
	require.Equal(t, []string{"kernel_gemm", "main", "__libc_start_call_main", "init_array"}, names)

	require.NoError(t, prof.CheckValid())
}

func TestParser_ParseEmpty(t *testing.T) {
	prof, err := New().Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, prof.Sample)
	require.Empty(t, prof.Function)
}

func TestParser_InvalidCount(t *testing.T) {
	_, err := New().Parse(strings.NewReader("gemm 1 2.3: many cycles:\n"))
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	prof, err := New().Parse(strings.NewReader(nativeScript))
	require.NoError(t, err)

	s := Summarize(prof, 1)
	require.Equal(t, "cycles:u", s.Event)
	require.Equal(t, int64(625000), s.Total)
	require.Equal(t, 2, s.Samples)
	require.Len(t, s.TopFunctions, 1)
	require.Equal(t, "kernel_gemm", s.TopFunctions[0].Name)
	require.Equal(t, int64(500000), s.TopFunctions[0].Flat)
	require.InDelta(t, 0.8, s.TopFunctions[0].Share, 1e-9)

	empty := Summarize(&profile.Profile{}, 5)
	require.Empty(t, empty.TopFunctions)
}
