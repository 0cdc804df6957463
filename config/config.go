package config

import (
	"path/filepath"
	"time"

	"github.com/wasmprof/wasmprof/model"
)

// Config is the profiling configuration file.
type Config struct {
	ResultsRoot        string                 `mapstructure:"results_root"`
	ScriptsDir         string                 `mapstructure:"scripts_dir"`
	LocalTests         []model.TestDescriptor `mapstructure:"local_tests" validate:"dive"`
	VMTests            []model.TestDescriptor `mapstructure:"vm_tests" validate:"dive"`
	OptimizationLevels []int                  `mapstructure:"optimization_levels" validate:"dive,min=0"`
	VM                 *VMConfig              `mapstructure:"vm"`
	VPN                VPNConfig              `mapstructure:"vpn"`
	Tools              ToolsConfig            `mapstructure:"tools"`

	// Path the configuration was loaded from, set by Load
	Path string
}

// VM modes.
const (
	VMModeAnsible = "ansible"
	VMModeSSH     = "ssh"
)

// VMConfig describes the remote VM target.
type VMConfig struct {
	Hostname    string `mapstructure:"hostname" validate:"required"`
	BinaryPath  string `mapstructure:"binary_path" validate:"required"`
	ScriptPath  string `mapstructure:"script_path" validate:"required"`
	ResultsPath string `mapstructure:"results_path" validate:"required"`
	// Sub-directory of results_root the VM results are collected into
	ResultsSubdir string        `mapstructure:"results_subdir"`
	Mode          string        `mapstructure:"mode" validate:"omitempty,oneof=ansible ssh"`
	SSH           SSHConfig     `mapstructure:"ssh"`
	Ansible       AnsibleConfig `mapstructure:"ansible"`
}

// SSHConfig holds options for the ssh session mode.
type SSHConfig struct {
	IdentityFile   string   `mapstructure:"identity_file"`
	KnownHostsFile string   `mapstructure:"known_hosts_file"`
	ProxyCommand   string   `mapstructure:"proxy_command"`
	Options        []string `mapstructure:"options"`
	// Interpreter used for remote tool scripts (default: python3)
	Interpreter string `mapstructure:"interpreter"`
}

// AnsibleConfig holds options for the ansible session mode.
type AnsibleConfig struct {
	PrivateDataDir string `mapstructure:"private_data_dir"`
	Playbook       string `mapstructure:"playbook"`
	Inventory      string `mapstructure:"inventory"`
}

// VPNConfig describes how the VPN tunnel to the VM network is brought up.
// Credentials are never part of the configuration file; they are read from
// WASMPROF_VPN_USERNAME / WASMPROF_VPN_PASSWORD or a credentials file.
type VPNConfig struct {
	ConfigPath        string        `mapstructure:"config_path"`
	CredentialsFile   string        `mapstructure:"credentials_file"`
	InterfacePrefixes []string      `mapstructure:"interface_prefixes"`
	Attempts          int           `mapstructure:"attempts" validate:"min=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	UseSudo           *bool         `mapstructure:"use_sudo"`
}

// ToolsConfig configures the built-in measurement tools.
type ToolsConfig struct {
	CompiledDir    string            `mapstructure:"compiled_dir"`
	SourceDir      string            `mapstructure:"source_dir"`
	UtilitiesDir   string            `mapstructure:"utilities_dir"`
	ClangNative    string            `mapstructure:"clang_native"`
	ClangWASI      string            `mapstructure:"clang_wasi"`
	WASISDK        string            `mapstructure:"wasi_sdk"`
	Runtimes       []string          `mapstructure:"runtimes" validate:"dive,oneof=wasmer wasmtime wavm iwasm"`
	Iterations     int               `mapstructure:"iterations" validate:"min=0"`
	RAPLPath       string            `mapstructure:"rapl_path"`
	CPUCore        int               `mapstructure:"cpu_core" validate:"min=0"`
	SampleInterval time.Duration     `mapstructure:"sample_interval"`
	Images         map[string]string `mapstructure:"images"`
}

// ActiveVMTests reports whether any VM test is marked active.
func (c *Config) ActiveVMTests() bool {
	for _, t := range c.VMTests {
		if t.IsActive() {
			return true
		}
	}
	return false
}

// VMResultsDir returns the local directory VM results are reconciled from.
func (c *Config) VMResultsDir() string {
	if c.VM == nil || c.VM.ResultsSubdir == "" {
		return c.ResultsRoot
	}
	return filepath.Join(c.ResultsRoot, c.VM.ResultsSubdir)
}
