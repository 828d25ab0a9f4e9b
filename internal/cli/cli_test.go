package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/harvester/internal/api"
	"github.com/ChuLiYu/harvester/internal/config"
	"github.com/ChuLiYu/harvester/internal/source"
	"github.com/ChuLiYu/harvester/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "harvester", cmd.Use, "Root command should be 'harvester'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "status", "harvest", "abort", "save", "submit", "reset", "schedule", "config", "cron"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand, "Should have -c shorthand")
	assert.Equal(t, "configs/harvester.yaml", configFlag.DefValue, "Default config path should be configs/harvester.yaml")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"), "Should have --addr flag")
}

func TestBuildHarvestCommand(t *testing.T) {
	cmd := buildHarvestCommand(&options{})

	assert.Equal(t, "harvest", cmd.Use, "Command should be 'harvest'")
	for _, name := range []string{"from", "to", "force"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "harvester.yaml")

	configContent := `
service:
  data_dir: "./test_data"
  log_level: debug

harvest:
  auto_save: true
  batch_size: 50

source:
  url: "http://example.com/records.json"
  rate_limit: 2.5

schedule:
  tasks:
    - "0 3 * * *"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644), "Failed to write test config file")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "./test_data", cfg.Service.DataDir, "Data dir should be ./test_data")
	assert.True(t, cfg.Harvest.AutoSave, "Auto-save should be enabled")
	assert.Equal(t, 50, cfg.Harvest.BatchSize, "Batch size should be 50")
	assert.Equal(t, 2.5, cfg.Source.RateLimit, "Rate limit should be 2.5")
	assert.Equal(t, []string{"0 3 * * *"}, cfg.Schedule.Tasks, "Tasks should be loaded")
	assert.Equal(t, ":8080", cfg.HTTP.Addr, "Unset keys should keep defaults")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_DefaultPathMissing(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := loadConfig(defaultConfigPath)
	require.NoError(t, err, "Missing default config should fall back to defaults")
	assert.Equal(t, "harvester", cfg.Service.Name)
}

func TestPrintNext(t *testing.T) {
	var buf bytes.Buffer
	from := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)

	require.NoError(t, printNext(&buf, "0 */6 * * *", from, 3))
	assert.Equal(t,
		"2025-01-01T12:00:00Z\n2025-01-01T18:00:00Z\n2025-01-02T00:00:00Z\n",
		buf.String())

	assert.Error(t, printNext(&buf, "61 * * * *", from, 1), "Out of range minute should fail")
	assert.Error(t, printNext(&buf, "* * * * *", from, 0), "Zero count should fail")
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	n := 7
	printStatus(&buf, api.StatusResponse{
		State:     types.State{Phase: types.PhaseIdle},
		Display:   "idle",
		Documents: &n,
		Flags:     config.FlagValues{AutoSave: true},
	})

	out := buf.String()
	assert.Contains(t, out, "State:       idle")
	assert.Contains(t, out, "Pending:     none")
	assert.Contains(t, out, "Indexed:     7 documents")
	assert.Contains(t, out, "Auto-save:   true")
}

// memorySource serves a fixed record list.
type memorySource struct {
	records []source.Record
	hash    string
}

func (m *memorySource) SourceHash(context.Context) (string, error) { return m.hash, nil }
func (m *memorySource) Size(context.Context) (int, error)          { return len(m.records), nil }

func (m *memorySource) Extract(ctx context.Context, from, to int, yield func(int, source.Record) error) error {
	for i := from; i < to && i < len(m.records); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := yield(i, m.records[i]); err != nil {
			return err
		}
	}
	return nil
}

func startTestApp(t *testing.T, src *memorySource) (*App, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Service.DataDir = t.TempDir()
	cfg.Schedule.Tasks = []string{"0 3 * * *"}

	app, err := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), src)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	require.NoError(t, app.Start(context.Background()))

	ts := httptest.NewServer(app.API)
	t.Cleanup(ts.Close)
	return app, ts.URL
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	cmd := BuildCLI()
	cmd.SetArgs(args)
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	require.NoError(t, cmd.ExecuteContext(context.Background()), "command %v failed: %s", args, buf.String())
	return buf.String()
}

func waitIdle(t *testing.T, app *App) {
	t.Helper()
	require.Eventually(t, func() bool {
		return app.Controller.Current().Phase == types.PhaseIdle
	}, 5*time.Second, 10*time.Millisecond, "service should return to idle")
}

func TestHarvestSubmitRoundTrip(t *testing.T) {
	src := &memorySource{hash: "v1"}
	for i := 0; i < 3; i++ {
		src.records = append(src.records, source.Record{
			"id":    fmt.Sprintf("doc-%d", i),
			"title": fmt.Sprintf("Title %d", i),
			"body":  "body",
		})
	}
	app, addr := startTestApp(t, src)

	out := execute(t, "--addr", addr, "status")
	assert.Contains(t, out, "State:       idle")

	out = execute(t, "--addr", addr, "harvest")
	assert.Contains(t, out, "Harvest started:")
	waitIdle(t, app)

	info, ok := app.Pipeline.Pending()
	require.True(t, ok, "harvest should leave a pending batch")
	assert.Equal(t, 3, info.Documents)

	execute(t, "--addr", addr, "submit")
	waitIdle(t, app)

	n, err := app.Index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n, "submit should load the batch into the index")

	_, ok = app.Pipeline.Pending()
	assert.False(t, ok, "submit should clear the pending batch")
}

func TestScheduleCommands(t *testing.T) {
	_, addr := startTestApp(t, &memorySource{hash: "v1"})

	out := execute(t, "--addr", addr, "schedule", "list")
	assert.Contains(t, out, "0 3 * * *", "configured task should be registered on start")

	out = execute(t, "--addr", addr, "schedule", "add", "*/15  * * * *")
	assert.Contains(t, out, `Added "*/15 * * * *"`)

	execute(t, "--addr", addr, "schedule", "delete", "*/15 * * * *")
	out = execute(t, "--addr", addr, "schedule", "list")
	assert.NotContains(t, out, "*/15")

	out = execute(t, "--addr", addr, "schedule", "clear")
	assert.Contains(t, out, "Deleted 1 tasks")
}

func TestConfigCommands(t *testing.T) {
	app, addr := startTestApp(t, &memorySource{hash: "v1"})

	out := execute(t, "--addr", addr, "config", "set", "--auto-submit")
	assert.Equal(t, "auto_save=false auto_submit=true\n", out)
	assert.True(t, app.Flags.Values().AutoSubmit)

	out = execute(t, "--addr", addr, "config", "get")
	assert.Equal(t, "auto_save=false auto_submit=true\n", out)
}

func TestAbortWithoutHarvestFails(t *testing.T) {
	_, addr := startTestApp(t, &memorySource{hash: "v1"})

	cmd := BuildCLI()
	cmd.SetArgs([]string{"--addr", addr, "abort"})
	cmd.SetOut(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "409"), "abort while idle should be a conflict, got %v", err)
}

func TestAppExportsQueueDepth(t *testing.T) {
	app, _ := startTestApp(t, &memorySource{hash: "v1"})

	n, err := testutil.GatherAndCount(app.registry, "harvester_event_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "event bus backlog should be exported")
}
