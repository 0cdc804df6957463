package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/wasmprof/wasmprof/cli/ssh"
	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/model"
)

// ErrProbeFailed is returned when the session liveness probe fails.
var ErrProbeFailed = errors.New("session probe failed")

// Session is an established channel to the VM able to run a batch.
type Session interface {
	// Probe checks that the VM answers.
	Probe(ctx context.Context) error
	// Run executes every job of batch and streams the output.
	Run(ctx context.Context, batch model.VMBatch) <-chan Output
	Close()
}

// SessionFactory opens a session to the configured VM.
type SessionFactory func(ctx context.Context, logger zerolog.Logger, cfg *config.Config) (Session, error)

// OpenSession opens a session according to the configured VM mode.
func OpenSession(ctx context.Context, logger zerolog.Logger, cfg *config.Config) (Session, error) {
	if cfg.VM == nil {
		return nil, config.ErrVMSectionMissing
	}
	switch cfg.VM.Mode {
	case config.VMModeSSH:
		return newSSHSession(ctx, logger, cfg)
	default:
		return newAnsibleSession(logger, cfg), nil
	}
}

// sshSession runs the batch as one remote shell command over a
// multiplexed ssh connection and copies the results back with scp.
type sshSession struct {
	logger zerolog.Logger
	cfg    *config.Config
	client *ssh.Client
}

func newSSHSession(ctx context.Context, logger zerolog.Logger, cfg *config.Config) (*sshSession, error) {
	opts := []ssh.SSHOption{ssh.WithExtraOptions(cfg.VM.SSH.Options...)}
	if cfg.VM.SSH.IdentityFile != "" {
		opts = append(opts, ssh.WithIdentityFile(cfg.VM.SSH.IdentityFile))
	}
	if cfg.VM.SSH.KnownHostsFile != "" {
		opts = append(opts, ssh.WithKnownHostsFile(cfg.VM.SSH.KnownHostsFile))
	}
	if cfg.VM.SSH.ProxyCommand != "" {
		opts = append(opts, ssh.WithProxyCommand(cfg.VM.SSH.ProxyCommand))
	}

	client, err := ssh.New(ctx, logger, cfg.VM.Hostname, opts...)
	if err != nil {
		return nil, err
	}
	return &sshSession{logger: logger, cfg: cfg, client: client}, nil
}

func (s *sshSession) Probe(ctx context.Context) error {
	token, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("failed to generate probe token: %w", err)
	}

	out, err := s.client.RunCommand(ctx, "echo "+shellescape.Quote(token))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if strings.TrimSpace(out) != token {
		return fmt.Errorf("%w: unexpected answer %q", ErrProbeFailed, strings.TrimSpace(out))
	}

	if osName, arch, err := s.client.DetectSystem(ctx); err == nil {
		s.logger.Info().
			Str("host", s.client.Host()).
			Str("os", osName).
			Str("arch", arch).
			Msg("VM session ready")
	}
	return nil
}

func (s *sshSession) Run(ctx context.Context, batch model.VMBatch) <-chan Output {
	out := make(chan Output)

	go func() {
		defer close(out)

		scripts := lo.Map(batch.Tests, func(t model.TestDescriptor, _ int) string {
			return filepath.Join(s.cfg.ScriptsDir, t.Name)
		})
		if err := s.client.CopyToRemote(ctx, s.cfg.VM.ScriptPath, scripts...); err != nil {
			send(ctx, out, Output{Err: fmt.Errorf("failed to copy scripts: %w", err)})
			return
		}
		var binaries []string
		for _, level := range batch.OptLevels {
			binaries = append(binaries,
				filepath.Join(s.cfg.Tools.CompiledDir, model.NativeBinary(batch.Application, level)),
				filepath.Join(s.cfg.Tools.CompiledDir, model.WasmBinary(batch.Application, level)))
		}
		if err := s.client.CopyToRemote(ctx, s.cfg.VM.BinaryPath, binaries...); err != nil {
			send(ctx, out, Output{Err: fmt.Errorf("failed to copy binaries: %w", err)})
			return
		}

		var jobErr error
		for o := range stream(ctx, s.client.Command(ctx, BatchCommand(s.cfg.VM, batch))) {
			if o.Err != nil {
				jobErr = o.Err
				continue
			}
			if !send(ctx, out, o) {
				return
			}
		}

		finishBatch(ctx, s.logger, s.client, s.cfg, batch, jobErr, out)
	}()

	return out
}

func (s *sshSession) Close() {
	s.client.Close()
}

// resultCopier copies a remote directory into a local one.
type resultCopier interface {
	CopyFromRemote(ctx context.Context, remotePath, localDir string) error
}

// finishBatch ends a batch. A failed batch reports its error and fetches
// nothing, since every job of it is recorded as failed. Otherwise the result
// directory of every test stem is copied into the VM results directory.
func finishBatch(ctx context.Context, logger zerolog.Logger, copier resultCopier, cfg *config.Config, batch model.VMBatch, jobErr error, out chan<- Output) {
	if jobErr != nil {
		send(ctx, out, Output{Err: jobErr})
		return
	}

	for _, stem := range lo.Uniq(lo.Map(batch.Tests, func(t model.TestDescriptor, _ int) string { return t.Stem() })) {
		remoteDir := cfg.VM.ResultsPath + "/" + stem
		if err := copier.CopyFromRemote(ctx, remoteDir, cfg.VMResultsDir()); err != nil {
			logger.Warn().Err(err).Str("dir", remoteDir).Msg("Failed to fetch VM results")
			if !send(ctx, out, Output{Line: fmt.Sprintf("failed to fetch %s: %v", remoteDir, err)}) {
				return
			}
		}
	}
}

// BatchCommand builds the remote shell command running every level x test
// of batch. Every job runs even if an earlier one fails; the command exits
// non-zero if any job failed.
func BatchCommand(vm *config.VMConfig, batch model.VMBatch) string {
	var b strings.Builder
	b.WriteString("rc=0")
	for _, job := range batch.Jobs() {
		script := vm.ScriptPath + "/" + job.Test.Name
		argv := []string{script, job.Application, strconv.Itoa(job.OptLevel)}
		if filepath.Ext(job.Test.Name) == ".py" {
			argv = append([]string{vm.SSH.Interpreter}, argv...)
		}
		fmt.Fprintf(&b, "; %s || rc=1", shellescape.QuoteCommand(argv))
	}
	b.WriteString("; exit $rc")
	return b.String()
}

// ansibleSession drives the VM with ansible-playbook. The playbook copies
// binaries and scripts, runs the tests and fetches the result files into
// the local VM results directory.
type ansibleSession struct {
	logger zerolog.Logger
	cfg    *config.Config
}

func newAnsibleSession(logger zerolog.Logger, cfg *config.Config) *ansibleSession {
	return &ansibleSession{logger: logger, cfg: cfg}
}

func (s *ansibleSession) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ansible", "all", "-i", s.cfg.VM.Ansible.Inventory, "-m", "ping")
	cmd.Dir = s.cfg.VM.Ansible.PrivateDataDir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrProbeFailed, err, strings.TrimSpace(string(out)))
	}
	s.logger.Info().Str("host", s.cfg.VM.Hostname).Msg("VM session ready")
	return nil
}

func (s *ansibleSession) Run(ctx context.Context, batch model.VMBatch) <-chan Output {
	varsFile, err := s.writeExtraVars(batch)
	if err != nil {
		return failed(err)
	}

	cmd := exec.CommandContext(ctx, "ansible-playbook",
		"-i", s.cfg.VM.Ansible.Inventory,
		"--extra-vars", "@"+varsFile,
		s.cfg.VM.Ansible.Playbook,
	)
	cmd.Dir = s.cfg.VM.Ansible.PrivateDataDir

	s.logger.Debug().
		Str("command", shellescape.QuoteCommand(cmd.Args)).
		Str("dir", cmd.Dir).
		Msg("Running ansible playbook")

	out := make(chan Output)
	go func() {
		defer close(out)
		defer os.Remove(varsFile)
		for o := range stream(ctx, cmd) {
			if !send(ctx, out, o) {
				return
			}
		}
	}()
	return out
}

func (s *ansibleSession) Close() {}

// ExtraVars returns the variables handed to the playbook.
func ExtraVars(cfg *config.Config, batch model.VMBatch) map[string]any {
	localScripts := lo.Map(batch.Tests, func(t model.TestDescriptor, _ int) string {
		return filepath.Join(cfg.ScriptsDir, t.Name)
	})
	return map[string]any{
		"application_name":     batch.Application,
		"opt_levels":           batch.OptLevels,
		"tests":                batch.Tests,
		"binary_path":          cfg.VM.BinaryPath,
		"script_path":          cfg.VM.ScriptPath,
		"results_path":         cfg.VM.ResultsPath,
		"local_binary_path":    cfg.Tools.CompiledDir,
		"local_scripts":        localScripts,
		"local_results_path":   cfg.VMResultsDir(),
		"binary_copy_required": true,
	}
}

func (s *ansibleSession) writeExtraVars(batch model.VMBatch) (string, error) {
	data, err := json.Marshal(ExtraVars(s.cfg, batch))
	if err != nil {
		return "", fmt.Errorf("failed to encode playbook variables: %w", err)
	}

	f, err := os.CreateTemp("", "wasmprof-vars-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create playbook variables file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write playbook variables file: %w", err)
	}
	return f.Name(), nil
}
