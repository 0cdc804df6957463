package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/history"
	"github.com/wasmprof/wasmprof/model"
	"github.com/wasmprof/wasmprof/remote"
)

type fakeMeasurer struct {
	failing map[string]bool
	calls   []model.Job
	onCall  func(job model.Job)
}

func (f *fakeMeasurer) Measure(_ context.Context, job model.Job) (string, model.Record, error) {
	f.calls = append(f.calls, job)
	if f.onCall != nil {
		f.onCall(job)
	}
	if f.failing[job.Test.Name] {
		err := fmt.Errorf("tool %s failed with exit code 1: boom", job.Test.Name)
		return "", model.ErrorRecord("Error: %v", err), err
	}
	return fmt.Sprintf("%s done\nResults saved to /tmp/%s_%d.json", job.Test.Name, job.Application, job.OptLevel),
		model.ValueRecord(map[string]any{"level": float64(job.OptLevel)}), nil
}

type fakeRemote struct {
	connectErr  error
	lines       []string
	runErr      error
	connected   bool
	disconnects int
	batches     []model.VMBatch
}

func (f *fakeRemote) EnsureConnected(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeRemote) RunJob(_ context.Context, batch model.VMBatch) <-chan remote.Output {
	f.batches = append(f.batches, batch)
	out := make(chan remote.Output, len(f.lines)+1)
	for _, l := range f.lines {
		out <- remote.Output{Line: l}
	}
	if f.runErr != nil {
		out <- remote.Output{Err: f.runErr}
	}
	close(out)
	return out
}

func (f *fakeRemote) Disconnect() {
	f.disconnects++
}

type fakeStore struct {
	persistErr error
	persisted  []*model.RunReport
	reconciled []model.VMBatch
}

func (f *fakeStore) Persist(report *model.RunReport) (string, error) {
	if f.persistErr != nil {
		return "", f.persistErr
	}
	f.persisted = append(f.persisted, report)
	return "/results/" + report.Application + "_results.json", nil
}

func (f *fakeStore) ReconcileVM(batch model.VMBatch, tree *model.ResultTree) {
	f.reconciled = append(f.reconciled, batch)
	for _, job := range batch.Jobs() {
		tree.Set(job, model.ValueRecord(map[string]any{"vm": true}))
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func testConfig(withVM bool) *config.Config {
	cfg := &config.Config{
		ResultsRoot: "/results",
		LocalTests: []model.TestDescriptor{
			{Name: "times.py", Active: boolPtr(true)},
			{Name: "rss.py", Active: boolPtr(true)},
			{Name: "compile.py", Active: boolPtr(false)},
		},
		OptimizationLevels: []int{0, 1},
	}
	if withVM {
		cfg.VMTests = []model.TestDescriptor{{Name: "rapl.py", Active: boolPtr(true)}}
		cfg.VM = &config.VMConfig{Hostname: "vm.lab", BinaryPath: "/b", ScriptPath: "/s", ResultsPath: "/r"}
	}
	return cfg
}

func newCoordinator(m *fakeMeasurer, r *fakeRemote, s *fakeStore) *Coordinator {
	return New(zerolog.Nop(),
		WithMeasurer(func(*config.Config) Measurer { return m }),
		WithRemote(func(*config.Config) Remote { return r }),
		WithStore(func(*config.Config) Store { return s }),
	)
}

// drain collects the narration and the final chunk of a run.
func drain(t *testing.T, ch <-chan Chunk) (string, Chunk) {
	t.Helper()
	var narration strings.Builder
	var final Chunk
	finals := 0
	for c := range ch {
		if c.Final() {
			final = c
			finals++
			continue
		}
		require.Zero(t, finals, "narration after final chunk")
		narration.WriteString(c.Text)
	}
	require.Equal(t, 1, finals)
	return narration.String(), final
}

func localJob(name string, level int) model.Job {
	return model.Job{Application: "gemm", OptLevel: level, Test: model.TestDescriptor{Name: name, Active: boolPtr(true)}, Target: model.TargetLocal}
}

func vmJob(name string, level int) model.Job {
	return model.Job{Application: "gemm", OptLevel: level, Test: model.TestDescriptor{Name: name, Active: boolPtr(true)}, Target: model.TargetVM}
}

func TestRun_LocalOnly(t *testing.T) {
	m, r, s := &fakeMeasurer{}, &fakeRemote{}, &fakeStore{}
	narration, final := drain(t, newCoordinator(m, r, s).Run(context.Background(), testConfig(false), model.RunRequest{Application: "gemm"}))

	assert.Equal(t, []model.Job{localJob("times.py", 0), localJob("rss.py", 0), localJob("times.py", 1), localJob("rss.py", 1)}, m.calls)
	assert.Empty(t, r.batches)
	assert.Zero(t, r.disconnects)

	require.NotNil(t, final.Report)
	assert.Equal(t, "gemm", final.Report.Application)
	assert.Equal(t, 4, final.Report.Results.Len())
	assert.NotEmpty(t, final.Report.RunID)
	assert.Equal(t, "/results/gemm_results.json", final.ReportPath)
	assert.NoError(t, final.PersistErr)
	assert.Same(t, final.Report, s.persisted[0])

	expectedOrder := []string{
		"\nOptimization Level: 0\n",
		"\nRunning times.py locally...\n",
		"times.py done",
		"\nRunning rss.py locally...\n",
		"\nOptimization Level: 1\n",
		"\nResults saved to /results/gemm_results.json\n",
	}
	pos := 0
	for _, want := range expectedOrder {
		idx := strings.Index(narration[pos:], want)
		require.GreaterOrEqual(t, idx, 0, "missing %q after position %d", want, pos)
		pos += idx + len(want)
	}
	assert.NotContains(t, narration, "compile.py")
}

func TestRun_ToolFailureIsIsolated(t *testing.T) {
	m := &fakeMeasurer{failing: map[string]bool{"times.py": true}}
	narration, final := drain(t, newCoordinator(m, &fakeRemote{}, &fakeStore{}).Run(context.Background(), testConfig(false), model.RunRequest{Application: "gemm", OptLevels: []int{2}}))

	rec, ok := final.Report.Results.Get(localJob("times.py", 2))
	require.True(t, ok)
	assert.True(t, rec.Failed())
	assert.Contains(t, rec.Error, "exit code 1")

	rec, ok = final.Report.Results.Get(localJob("rss.py", 2))
	require.True(t, ok)
	assert.False(t, rec.Failed())

	assert.Contains(t, narration, "Error: tool times.py failed with exit code 1: boom\n")
	assert.Equal(t, []int{2}, final.Report.Results.Levels())
}

func TestRun_VMBatchSuccess(t *testing.T) {
	m, r, s := &fakeMeasurer{}, &fakeRemote{lines: []string{"PLAY [vm]", "ok: [vm.lab]"}}, &fakeStore{}
	narration, final := drain(t, newCoordinator(m, r, s).Run(context.Background(), testConfig(true), model.RunRequest{Application: "gemm"}))

	require.Len(t, r.batches, 1)
	assert.Equal(t, []int{0, 1}, r.batches[0].OptLevels)
	assert.Equal(t, 1, r.disconnects)
	assert.Len(t, s.reconciled, 1)

	assert.Equal(t, 6, final.Report.Results.Len())
	_, ok := final.Report.Results.Get(vmJob("rapl.py", 1))
	assert.True(t, ok)

	assert.Contains(t, narration, "\nRunning VM tests...\nPLAY [vm]\nok: [vm.lab]\n")
	assert.Contains(t, narration, "\nDisconnected from VM vm.lab...\n")
	assert.Less(t, strings.Index(narration, "Optimization Level: 1"), strings.Index(narration, "Running VM tests"))
}

func TestRun_ConnectFailureKeepsLocalResults(t *testing.T) {
	m, r, s := &fakeMeasurer{}, &fakeRemote{connectErr: fmt.Errorf("failed to connect to VPN: %w", remote.ErrTunnelTimeout)}, &fakeStore{}
	narration, final := drain(t, newCoordinator(m, r, s).Run(context.Background(), testConfig(true), model.RunRequest{Application: "gemm"}))

	assert.Equal(t, 4, final.Report.Results.Len())
	for _, level := range []int{0, 1} {
		_, ok := final.Report.Results.Get(vmJob("rapl.py", level))
		assert.False(t, ok)
		_, ok = final.Report.Results.Get(localJob("times.py", level))
		assert.True(t, ok)
	}
	assert.Empty(t, r.batches)
	assert.Empty(t, s.reconciled)
	assert.Equal(t, 1, r.disconnects)
	assert.Contains(t, narration, "\nFailed to run VM tests: failed to connect to VPN: vpn tunnel did not come up\n")
}

func TestRun_RemoteJobFailureMarksEveryVMJob(t *testing.T) {
	r := &fakeRemote{lines: []string{"fatal: [vm.lab]"}, runErr: errors.New("remote job failed with exit code 2")}
	s := &fakeStore{}
	narration, final := drain(t, newCoordinator(&fakeMeasurer{}, r, s).Run(context.Background(), testConfig(true), model.RunRequest{Application: "gemm"}))

	for _, level := range []int{0, 1} {
		rec, ok := final.Report.Results.Get(vmJob("rapl.py", level))
		require.True(t, ok)
		assert.Equal(t, "remote job failed with exit code 2", rec.Error)
	}
	assert.Empty(t, s.reconciled)
	assert.Equal(t, 1, r.disconnects)
	assert.Contains(t, narration, "fatal: [vm.lab]\n")
	assert.Contains(t, narration, "\nFailed to run VM tests: remote job failed with exit code 2\n")
}

func TestRun_PersistFailure(t *testing.T) {
	s := &fakeStore{persistErr: errors.New("permission denied")}
	narration, final := drain(t, newCoordinator(&fakeMeasurer{}, &fakeRemote{}, s).Run(context.Background(), testConfig(false), model.RunRequest{Application: "gemm"}))

	require.NotNil(t, final.Report)
	assert.EqualError(t, final.PersistErr, "permission denied")
	assert.Empty(t, final.ReportPath)
	assert.Equal(t, 4, final.Report.Results.Len())
	assert.Contains(t, narration, "\nFailed to save results: permission denied\n")
}

func TestRun_CancellationPersistsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &fakeMeasurer{onCall: func(model.Job) { cancel() }}
	r, s := &fakeRemote{}, &fakeStore{}
	narration, final := drain(t, newCoordinator(m, r, s).Run(ctx, testConfig(true), model.RunRequest{Application: "gemm"}))

	assert.Len(t, m.calls, 1)
	assert.Equal(t, 1, final.Report.Results.Len())
	assert.Empty(t, r.batches)
	require.Len(t, s.persisted, 1)
	assert.Contains(t, narration, "\nRun cancelled: context canceled\n")
}

func TestRun_EveryDispatchedJobHasOneEntry(t *testing.T) {
	m := &fakeMeasurer{failing: map[string]bool{"rss.py": true}}
	r := &fakeRemote{}
	_, final := drain(t, newCoordinator(m, r, &fakeStore{}).Run(context.Background(), testConfig(true), model.RunRequest{Application: "gemm", OptLevels: []int{3, 0, 3}}))

	assert.Equal(t, []int{0, 3}, final.Report.Results.Levels())
	assert.Equal(t, len(m.calls)+len(r.batches[0].Jobs()), final.Report.Results.Len())
}

func TestRun_PersistedReportRoundTrips(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(false)
	cfg.ResultsRoot = root

	c := New(zerolog.Nop(),
		WithMeasurer(func(*config.Config) Measurer { return &fakeMeasurer{failing: map[string]bool{"rss.py": true}} }),
		WithStore(func(cfg *config.Config) Store {
			return history.NewStore(zerolog.Nop(), cfg.ResultsRoot)
		}),
	)
	_, final := drain(t, c.Run(context.Background(), cfg, model.RunRequest{Application: "gemm"}))
	require.NoError(t, final.PersistErr)
	assert.True(t, strings.HasPrefix(final.ReportPath, root))

	loaded, err := history.Load(final.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, *final.Report, loaded)
}

func TestRun_WithRealAdapter(t *testing.T) {
	root := t.TempDir()
	scripts := t.TempDir()

	script := `#!/bin/sh
out="` + root + `/times/$1_$2_times.json"
mkdir -p "$(dirname "$out")"
echo "{\"native\": 0.5, \"level\": $2}" > "$out"
echo "Results saved to $out"
`
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "times.sh"), []byte(script), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "broken.sh"), []byte("#!/bin/sh\nexit 7\n"), 0o755))

	cfg := &config.Config{
		ResultsRoot: root,
		ScriptsDir:  scripts,
		LocalTests: []model.TestDescriptor{
			{Name: "times.sh", Active: boolPtr(true)},
			{Name: "broken.sh", Active: boolPtr(true)},
		},
		OptimizationLevels: []int{0, 1},
	}

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	c := New(zerolog.Nop(), WithStore(func(cfg *config.Config) Store {
		return history.NewStore(zerolog.Nop(), cfg.ResultsRoot, history.WithClock(func() time.Time { return clock }))
	}))
	_, final := drain(t, c.Run(context.Background(), cfg, model.RunRequest{Application: "gemm"}))

	require.NoError(t, final.PersistErr)
	assert.Equal(t, filepath.Join(root, "gemm_20240501_120000", "gemm_results.json"), final.ReportPath)

	rec, ok := final.Report.Results.Get(model.Job{Application: "gemm", OptLevel: 1, Test: cfg.LocalTests[0], Target: model.TargetLocal})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"native": 0.5, "level": 1.0}, rec.Value)

	rec, ok = final.Report.Results.Get(model.Job{Application: "gemm", OptLevel: 0, Test: cfg.LocalTests[1], Target: model.TargetLocal})
	require.True(t, ok)
	assert.Contains(t, rec.Error, "exit code 7")
}
