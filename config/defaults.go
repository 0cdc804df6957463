package config

import "time"

// Defaults mirror the layout of the profiler host.
const (
	DefaultResultsRoot  = "/root/profiler/results"
	DefaultScriptsDir   = "/root/profiler/scripts"
	DefaultCompiledDir  = "/root/profiler/compiled"
	DefaultSourceDir    = "/root/profiler/PolyBenchC/files"
	DefaultUtilitiesDir = "/root/profiler/PolyBenchC/utilities"
	DefaultClangNative  = "clang"
	DefaultClangWASI    = "/opt/wasi-sdk/bin/clang"
	DefaultWASISDK      = "/opt/wasi-sdk"
	DefaultRAPLPath     = "/sys/class/powercap/intel-rapl/intel-rapl:0/energy_uj"
	DefaultVMSubdir     = "vm"
	DefaultAnsibleDir   = "/root/profiler/ansible"
	DefaultPlaybook     = "playbook.yml"
	DefaultInventory    = "inventory"
	DefaultInterpreter  = "python3"
	DefaultIterations   = 2
	DefaultVPNAttempts  = 10

	DefaultVPNPollInterval = time.Second
	DefaultSampleInterval  = 100 * time.Millisecond
)

var (
	DefaultOptimizationLevels = []int{0, 1, 2, 3}
	DefaultRuntimes           = []string{"wasmer", "wasmtime", "wavm", "iwasm"}
	DefaultInterfacePrefixes  = []string{"tun", "tap"}
	DefaultImages             = map[string]string{
		"wasmer":   "bathork1391/wasmer-runtime:from-scratch",
		"wasmtime": "bathork1391/wasmtime-runtime:from-scratch",
		"wavm":     "bathork1391/wavm-runtime:from-scratch",
		"iwasm":    "bathork1391/iwasm-full:from-scratch",
		"native":   "bathork1391/clang-wasi:clang_with_wasi",
	}
)

// applyDefaults fills unset fields. It never overrides explicit values.
func applyDefaults(c *Config) {
	if c.ResultsRoot == "" {
		c.ResultsRoot = DefaultResultsRoot
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = DefaultScriptsDir
	}
	if len(c.OptimizationLevels) == 0 {
		c.OptimizationLevels = append([]int(nil), DefaultOptimizationLevels...)
	}

	if c.VM != nil {
		if c.VM.ResultsSubdir == "" {
			c.VM.ResultsSubdir = DefaultVMSubdir
		}
		if c.VM.Mode == "" {
			c.VM.Mode = VMModeAnsible
		}
		if c.VM.Ansible.PrivateDataDir == "" {
			c.VM.Ansible.PrivateDataDir = DefaultAnsibleDir
		}
		if c.VM.Ansible.Playbook == "" {
			c.VM.Ansible.Playbook = DefaultPlaybook
		}
		if c.VM.Ansible.Inventory == "" {
			c.VM.Ansible.Inventory = DefaultInventory
		}
		if c.VM.SSH.Interpreter == "" {
			c.VM.SSH.Interpreter = DefaultInterpreter
		}
	}

	if len(c.VPN.InterfacePrefixes) == 0 {
		c.VPN.InterfacePrefixes = append([]string(nil), DefaultInterfacePrefixes...)
	}
	if c.VPN.Attempts == 0 {
		c.VPN.Attempts = DefaultVPNAttempts
	}
	if c.VPN.PollInterval == 0 {
		c.VPN.PollInterval = DefaultVPNPollInterval
	}
	if c.VPN.UseSudo == nil {
		useSudo := true
		c.VPN.UseSudo = &useSudo
	}

	t := &c.Tools
	if t.CompiledDir == "" {
		t.CompiledDir = DefaultCompiledDir
	}
	if t.SourceDir == "" {
		t.SourceDir = DefaultSourceDir
	}
	if t.UtilitiesDir == "" {
		t.UtilitiesDir = DefaultUtilitiesDir
	}
	if t.ClangNative == "" {
		t.ClangNative = DefaultClangNative
	}
	if t.ClangWASI == "" {
		t.ClangWASI = DefaultClangWASI
	}
	if t.WASISDK == "" {
		t.WASISDK = DefaultWASISDK
	}
	if len(t.Runtimes) == 0 {
		t.Runtimes = append([]string(nil), DefaultRuntimes...)
	}
	if t.Iterations == 0 {
		t.Iterations = DefaultIterations
	}
	if t.RAPLPath == "" {
		t.RAPLPath = DefaultRAPLPath
	}
	if t.SampleInterval == 0 {
		t.SampleInterval = DefaultSampleInterval
	}
	if t.Images == nil {
		t.Images = make(map[string]string, len(DefaultImages))
	}
	for runtime, image := range DefaultImages {
		if _, ok := t.Images[runtime]; !ok {
			t.Images[runtime] = image
		}
	}
}
