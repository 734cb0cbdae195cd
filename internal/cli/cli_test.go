package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/opgate/internal/config"
	"github.com/ChuLiYu/opgate/internal/operation"
	"github.com/ChuLiYu/opgate/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// counterValue sums every series of the named counter family.
func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "opgate", cmd.Use, "Root command should be 'opgate'")
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["check-config"], "Should have 'check-config' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/opgate.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("verbose"))
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	jobsFlag := cmd.Flags().Lookup("jobs")
	require.NotNil(t, jobsFlag, "Should have --jobs flag")
	assert.Equal(t, "f", jobsFlag.Shorthand, "Should have -f shorthand")
}

func TestLoadJobs(t *testing.T) {
	path := writeFile(t, "jobs.json", `[
		{"id": "job-1", "resource_id": 1, "operation": "echo", "parameters": {"msg": "hi"}},
		{"resource_id": 2, "operation": "sleep", "parameters": {"seconds": 0}}
	]`)

	jobs, err := loadJobs(path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, types.ResourceID(1), jobs[0].ResourceID)
	assert.Equal(t, "echo", jobs[0].Operation)
	assert.Equal(t, "hi", jobs[0].Parameters["msg"])

	// 未指定 id 時自動產生 UUID
	assert.Len(t, jobs[1].ID, 36)
	assert.Equal(t, types.ResourceID(2), jobs[1].ResourceID)
}

func TestLoadJobs_Errors(t *testing.T) {
	_, err := loadJobs(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read job file")

	_, err = loadJobs(writeFile(t, "bad.json", `{not json`))
	assert.ErrorContains(t, err, "failed to parse job file")

	_, err = loadJobs(writeFile(t, "noop.json", `[{"id": "x", "resource_id": 1}]`))
	assert.ErrorContains(t, err, "operation is required")
}

func TestAgentSubmitAndDrain(t *testing.T) {
	cfg := config.Default()
	cfg.Operation.WorkerCount = 2

	agent, err := NewAgent(cfg, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, agent.Gatherer())

	err = agent.Submit([]JobSpec{
		{ID: "echo-1", ResourceID: 1, Operation: "echo", Parameters: types.Configuration{"k": "v"}},
		{ID: "fail-1", ResourceID: 1, Operation: "fail", Parameters: types.Configuration{"message": "nope"}},
		{ID: "sleep-1", ResourceID: 2, Operation: "sleep", Parameters: types.Configuration{"seconds": 1}},
		{ID: "sleep-1", ResourceID: 3, Operation: "echo"},
		{ID: "bad-timeout", ResourceID: 3, Operation: "echo", Parameters: types.Configuration{"timeout": "soon"}},
	})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorIs(t, err, operation.ErrDuplicateJob)
	assert.ErrorIs(t, err, operation.ErrInvalidTimeout)

	require.Eventually(t, func() bool {
		return agent.Stats().Registered == 0 &&
			counterValue(t, agent.Gatherer(), "opgate_operations_completed_total") == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3.0, counterValue(t, agent.Gatherer(), "opgate_operations_submitted_total"))
	assert.Equal(t, 2.0, counterValue(t, agent.Gatherer(), "opgate_operations_rejected_total"))
	assert.Equal(t, types.InterruptedFinished, agent.Cancel("sleep-1"))

	require.NoError(t, agent.Close(context.Background()))
	assert.True(t, agent.Stats().Stopped)
}

func TestAgentCloseCancelsRunningJobs(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Operation.ShutdownGrace = 2 * time.Second

	agent, err := NewAgent(cfg, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, agent.Gatherer())

	require.NoError(t, agent.Submit([]JobSpec{
		{ID: "long", ResourceID: 7, Operation: "sleep", Parameters: types.Configuration{"seconds": 3600}},
		{ID: "next", ResourceID: 7, Operation: "echo"},
	}))

	require.Eventually(t, func() bool {
		return agent.Stats().BusyResources == 1
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, agent.Close(context.Background()))
	assert.Less(t, time.Since(start), cfg.Operation.ShutdownGrace+time.Second)

	stats := agent.Stats()
	assert.Zero(t, stats.Registered)
	assert.True(t, stats.Stopped)
}

func TestRunAgent(t *testing.T) {
	cfgPath := writeFile(t, "opgate.yaml", `
operation:
  worker_count: 2
  shutdown_grace: 1s
metrics:
  enabled: false
`)
	jobsPath := writeFile(t, "jobs.json", `[
		{"resource_id": 1, "operation": "echo"},
		{"resource_id": 1, "operation": "sleep", "parameters": {"seconds": 3600}}
	]`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, runAgent(ctx, cfgPath, jobsPath))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunAgent_BadInputs(t *testing.T) {
	err := runAgent(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.ErrorContains(t, err, "failed to load config")

	cfgPath := writeFile(t, "opgate.yaml", "metrics:\n  enabled: false\n")
	err = runAgent(context.Background(), cfgPath, filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read job file")
}

func TestCheckConfigCommand(t *testing.T) {
	cfgPath := writeFile(t, "opgate.yaml", `
operation:
  worker_count: 3
controller:
  address: controller:50051
metrics:
  enabled: false
`)

	var out, errOut bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"check-config", "-c", cfgPath})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Worker Count:     3")
	assert.Contains(t, text, "gRPC: controller:50051")
	assert.Contains(t, text, "Disabled")
}

func TestCheckConfig_Invalid(t *testing.T) {
	cfgPath := writeFile(t, "opgate.yaml", "operation:\n  worker_count: 0\n  queue_capacity: -1\n")

	var out bytes.Buffer
	err := checkConfig(&out, cfgPath)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Empty(t, out.String())
}
