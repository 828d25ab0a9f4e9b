package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/harvester/internal/config"
	"github.com/ChuLiYu/harvester/internal/controller"
	"github.com/ChuLiYu/harvester/internal/cron"
	"github.com/ChuLiYu/harvester/internal/harvest"
	"github.com/ChuLiYu/harvester/internal/index"
	"github.com/ChuLiYu/harvester/internal/scheduler"
	"github.com/ChuLiYu/harvester/pkg/types"
)

type fakeController struct {
	mu       sync.Mutex
	state    types.State
	requests []types.HarvestRequest
	err      error
	resets   int
}

func (f *fakeController) Current() types.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) RequestHarvest(req types.HarvestRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	f.state = types.State{Phase: types.PhaseHarvesting, RunID: "run-1"}
	return "run-1", nil
}

func (f *fakeController) RequestSave() (string, error)   { return "run-save", f.err }
func (f *fakeController) RequestSubmit() (string, error) { return "run-submit", f.err }

func (f *fakeController) RequestAbort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Phase != types.PhaseHarvesting {
		return fmt.Errorf("%w: service is %s", controller.ErrNothingToAbort, f.state.Phase)
	}
	f.state = types.State{Phase: types.PhaseAborting, AbortedFrom: types.PhaseHarvesting}
	return nil
}

func (f *fakeController) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.state = types.State{Phase: types.PhaseIdle}
	return nil
}

type fakeScheduler struct {
	mu         sync.Mutex
	tasks      map[string]scheduler.TaskInfo
	persistErr error
}

func (f *fakeScheduler) AddTask(expr string) (scheduler.TaskInfo, error) {
	s, err := cron.Parse(expr)
	if err != nil {
		return scheduler.TaskInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[s.String()]; ok {
		return scheduler.TaskInfo{}, scheduler.ErrDuplicateTask
	}
	info := scheduler.TaskInfo{Cron: s.String(), NextFire: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.tasks[s.String()] = info
	return info, f.persistErr
}

func (f *fakeScheduler) DeleteTask(expr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cron.Normalize(expr)
	if _, ok := f.tasks[key]; !ok {
		return scheduler.ErrTaskNotFound
	}
	delete(f.tasks, key)
	return f.persistErr
}

func (f *fakeScheduler) DeleteAll() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.tasks)
	clear(f.tasks)
	return n, f.persistErr
}

func (f *fakeScheduler) Tasks() []scheduler.TaskInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []scheduler.TaskInfo{}
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

type fakeDocs struct{}

func (fakeDocs) Count(context.Context) (int, error) { return 2, nil }

func (fakeDocs) Get(_ context.Context, id string) (types.Document, error) {
	if id == "a" {
		return types.Document{ID: "a", Title: "Alpha"}, nil
	}
	return types.Document{}, fmt.Errorf("%w: %q", index.ErrNotFound, id)
}

func (fakeDocs) Search(_ context.Context, term string, limit int) ([]types.Document, error) {
	if term == "alpha" {
		return []types.Document{{ID: "a", Title: "Alpha"}}, nil
	}
	return nil, nil
}

type fakePending struct{}

func (fakePending) Pending() (harvest.PendingInfo, bool) {
	return harvest.PendingInfo{Documents: 3, Deleted: 1}, true
}

type testEnv struct {
	ctrl   *fakeController
	sched  *fakeScheduler
	flags  *config.Flags
	client *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ctrl:  &fakeController{state: types.State{Phase: types.PhaseIdle}},
		sched: &fakeScheduler{tasks: make(map[string]scheduler.TaskInfo)},
		flags: config.NewFlags(config.Default()),
	}
	srv := NewServer(Deps{
		Controller: env.ctrl,
		Scheduler:  env.sched,
		Flags:      env.flags,
		Documents:  fakeDocs{},
		Pending:    fakePending{},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	env.client = NewClient(ts.URL)
	return env
}

func statusCode(t *testing.T, err error) int {
	t.Helper()
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	return apiErr.StatusCode
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	st, err := env.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.PhaseIdle, st.State.Phase)
	assert.Equal(t, "idle", st.Display)
	require.NotNil(t, st.Pending)
	assert.Equal(t, 3, st.Pending.Documents)
	require.NotNil(t, st.Documents)
	assert.Equal(t, 2, *st.Documents)
}

func TestHarvestAndAbort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runID, err := env.client.Harvest(ctx, types.HarvestRequest{From: 5, To: 10, Force: true})
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, []types.HarvestRequest{{From: 5, To: 10, Force: true}}, env.ctrl.requests)

	st, err := env.client.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAborting, st.Phase)

	_, err = env.client.Abort(ctx)
	assert.Equal(t, http.StatusConflict, statusCode(t, err))
}

func TestHarvestWithoutBody(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.client.base+"/harvest", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []types.HarvestRequest{{}}, env.ctrl.requests)
}

func TestHarvestRejectedWhileBusy(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.err = &controller.TransitionError{From: types.PhaseHarvesting, To: types.PhaseHarvesting, Op: "harvest"}

	_, err := env.client.Harvest(context.Background(), types.HarvestRequest{})
	assert.Equal(t, http.StatusConflict, statusCode(t, err))
}

func TestSaveSubmitReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.client.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-save", id)

	id, err = env.client.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-submit", id)

	st, err := env.client.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseIdle, st.Phase)
	assert.Equal(t, 1, env.ctrl.resets)
}

func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	info, err := env.client.AddTask(ctx, "0  3 * * *")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", info.Cron)

	_, err = env.client.AddTask(ctx, "0 3 * * *")
	assert.Equal(t, http.StatusConflict, statusCode(t, err))

	_, err = env.client.AddTask(ctx, "abc")
	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))

	_, err = env.client.AddTask(ctx, "0 0 30 2 *")
	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))

	tasks, err := env.client.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, env.client.DeleteTask(ctx, "0 3 * * *"))
	err = env.client.DeleteTask(ctx, "0 3 * * *")
	assert.Equal(t, http.StatusNotFound, statusCode(t, err))

	_, err = env.client.AddTask(ctx, "*/5 * * * *")
	require.NoError(t, err)
	n, err := env.client.DeleteAllTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScheduleChangeNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.sched.persistErr = fmt.Errorf("%w: disk full", scheduler.ErrPersist)

	send := func(method, path, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, env.client.base+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := send(http.MethodPost, "/schedule", `{"cron":"0 3 * * *"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, "task stays registered in memory")
	assert.Equal(t, persistWarning, resp.Header.Get("Warning"))
	assert.Len(t, env.sched.Tasks(), 1)

	resp = send(http.MethodDelete, "/schedule/"+url.PathEscape("0 3 * * *"), "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, persistWarning, resp.Header.Get("Warning"))

	resp = send(http.MethodDelete, "/schedule", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, persistWarning, resp.Header.Get("Warning"))

	env.sched.persistErr = nil
	resp = send(http.MethodPost, "/schedule", `{"cron":"0 4 * * *"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Warning"))
}

func TestAddTaskRequiresCron(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.client.base+"/schedule", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.client.Flags(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.FlagValues{}, v)

	v, err = env.client.SetFlags(ctx, config.FlagValues{AutoSave: true, AutoSubmit: true})
	require.NoError(t, err)
	assert.Equal(t, config.FlagValues{AutoSave: true, AutoSubmit: true}, v)
	assert.Equal(t, v, env.flags.Values())
}

func TestDocumentEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.client.base + "/documents/a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.client.base + "/documents/zzz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.client.base + "/documents?q=alpha&limit=5")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"a"`)

	resp, err = http.Get(env.client.base + "/documents?q=none")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "[]\n", string(body))

	resp, err = http.Get(env.client.base + "/documents?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(controller.ErrClosed))
	assert.Equal(t, http.StatusBadRequest, statusFor(&cron.FieldError{}))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("wrapped: %w", scheduler.ErrTaskNotFound)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
