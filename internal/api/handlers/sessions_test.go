package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/events"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/session"
	"github.com/anstrom/scanqueue/internal/session/mocks"
	"github.com/anstrom/scanqueue/internal/store"
)

const waitTimeout = 10 * time.Second

type fixture struct {
	runner  *mocks.MockRunner
	store   *store.Memory
	events  *events.Broadcaster
	manager *session.Manager
	tool    *MockTool
	router  *mux.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger := logging.NewDiscard()

	f := &fixture{
		runner: mocks.NewMockRunner(ctrl),
		store:  store.NewMemory(),
		events: events.NewBroadcaster(events.Config{SubscriberBuffer: 1024}, nil, logger),
		tool:   &MockTool{},
		router: mux.NewRouter(),
	}
	f.manager = session.NewManager(session.Config{BlockedFlags: []string{"-oN", "--script-args"}},
		f.runner, f.store, f.events, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
	})

	sessions := NewSessionHandler(f.manager, session.NewResumer(f.store, f.manager), f.store, f.tool, logger)
	stream := NewStreamHandler(f.events, []string{"http://allowed.example"}, logger)

	f.router.HandleFunc("/projects/{project}/sessions", sessions.StartSession).Methods(http.MethodPost)
	f.router.HandleFunc("/projects/{project}/sessions", sessions.ListProjectSessions).Methods(http.MethodGet)
	f.router.HandleFunc("/projects/{project}/resume", sessions.ResumeProject).Methods(http.MethodPost)
	f.router.HandleFunc("/projects/{project}/aggregate", sessions.Aggregate).Methods(http.MethodGet)
	f.router.HandleFunc("/projects/{project}/progress", sessions.Progress).Methods(http.MethodGet)
	f.router.HandleFunc("/sessions", sessions.ListActive).Methods(http.MethodGet)
	f.router.HandleFunc("/sessions/{id}", sessions.GetSession).Methods(http.MethodGet)
	f.router.HandleFunc("/sessions/{id}/cancel", sessions.CancelSession).Methods(http.MethodPost)
	f.router.HandleFunc("/sessions/{id}/events", stream.SessionEvents).Methods(http.MethodGet)
	f.router.HandleFunc("/preview", sessions.Preview).Methods(http.MethodPost)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) wait(t *testing.T, id string) session.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snap, err := f.manager.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

// startSession posts a session and returns its id.
func (f *fixture) startSession(t *testing.T, project string, ips ...string) string {
	t.Helper()
	targets := make([]scanning.Target, len(ips))
	for i, ip := range ips {
		targets[i] = scanning.Target{IP: ip}
	}
	rec := f.do(t, http.MethodPost, "/projects/"+project+"/sessions", StartSessionRequest{Targets: targets})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created SessionCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

func echo(_ context.Context, job scanning.Job) (scanning.ScanResult, error) {
	return scanning.ScanResult{
		TargetIP:   job.Target.IP,
		HostStatus: scanning.HostUp,
		Hostnames:  []string{},
		OpenPorts:  1,
		Services: []scanning.ServiceRecord{
			{Port: 22, Protocol: "tcp", State: "open", Service: "ssh"},
		},
	}, nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestSessionHandler_StartAndAggregate(t *testing.T) {
	f := newFixture(t)
	f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(echo).Times(2)

	id := f.startSession(t, "lab", "10.0.0.2", "10.0.0.1")
	snap := f.wait(t, id)
	assert.Equal(t, store.StatusCompleted, snap.Status)

	rec := f.do(t, http.MethodGet, "/projects/lab/aggregate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agg store.ProjectAggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, store.AggregateComplete, agg.ScanStatus)
	assert.Equal(t, 1, agg.Sessions)
	require.Len(t, agg.Results, 2)
	assert.Equal(t, "10.0.0.1", agg.Results[0].TargetIP)
	assert.Equal(t, 2, agg.Statistics.TotalOpenPorts)

	rec = f.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, id, got.SessionID)
	assert.Equal(t, 2, got.Cursor)

	rec = f.do(t, http.MethodGet, "/projects/lab/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var prog store.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prog))
	assert.Equal(t, 2, prog.Cursor)
	assert.Equal(t, 2, prog.Total)
	assert.Equal(t, "fast", prog.Options.Preset)

	rec = f.do(t, http.MethodGet, "/projects/lab/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []store.SessionRecord `json:"sessions"`
		Count    int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Sessions[0].ID)
}

func TestSessionHandler_StartValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"targets":`},
		{"unknown field", `{"targets":[{"ip":"10.0.0.1"}],"priority":1}`},
		{"no targets", `{"targets":[]}`},
		{"empty ip", `{"targets":[{"ip":""}]}`},
		{"port out of range", `{"targets":[{"ip":"10.0.0.1","ports":[70000]}]}`},
		{"flag as target", `{"targets":[{"ip":"-iL"}]}`},
		{"unknown preset", `{"targets":[{"ip":"10.0.0.1"}],"options":{"preset":"turbo"}}`},
		{"blocked flag", `{"targets":[{"ip":"10.0.0.1"}],"options":{"custom_flags":"-oN /tmp/x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := httptest.NewRequest(http.MethodPost, "/projects/lab/sessions", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(errors.CodeValidation), decodeError(t, rec).Code)
			assert.Empty(t, f.manager.Active())
		})
	}
}

func TestSessionHandler_Resume(t *testing.T) {
	t.Run("nothing to resume", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/projects/empty/resume", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, string(errors.CodeNothingToResume), decodeError(t, rec).Code)
	})

	t.Run("continues a cancelled session", func(t *testing.T) {
		f := newFixture(t)
		started := make(chan string, 4)
		f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, job scanning.Job) (scanning.ScanResult, error) {
				if job.Target.IP == "10.0.0.2" {
					started <- job.Target.IP
					<-ctx.Done()
					return scanning.ErrorResult(job.Target.IP, scanning.ErrorCancelled), nil
				}
				return echo(ctx, job)
			}).Times(3)

		first := f.startSession(t, "lab", "10.0.0.1", "10.0.0.2", "10.0.0.3")
		select {
		case <-started:
		case <-time.After(waitTimeout):
			t.Fatal("runner never reached the second target")
		}

		rec := f.do(t, http.MethodPost, "/projects/lab/resume", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, string(errors.CodeAlreadyRunning), decodeError(t, rec).Code)

		rec = f.do(t, http.MethodPost, "/sessions/"+first+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var cancelled CancelResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
		assert.True(t, cancelled.Cancelled)
		assert.Contains(t, []store.Status{store.StatusCancelling, store.StatusCancelled}, cancelled.Status)
		assert.Equal(t, store.StatusCancelled, f.wait(t, first).Status)

		rec = f.do(t, http.MethodPost, "/projects/lab/resume", nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var created SessionCreatedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		snap := f.wait(t, created.SessionID)
		assert.Equal(t, store.StatusCompleted, snap.Status)
		assert.Equal(t, first, snap.ResumedFrom)
		assert.Equal(t, 1, snap.Total)
	})
}

func TestSessionHandler_Cancel(t *testing.T) {
	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/sessions/missing/cancel", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, string(errors.CodeSessionNotFound), decodeError(t, rec).Code)
	})

	t.Run("finished session", func(t *testing.T) {
		f := newFixture(t)
		f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(echo)
		id := f.startSession(t, "lab", "10.0.0.1")
		f.wait(t, id)

		rec := f.do(t, http.MethodPost, "/sessions/"+id+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp CancelResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Cancelled)
		assert.Equal(t, store.StatusCompleted, resp.Status)
	})
}

func TestSessionHandler_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/projects/nobody/progress", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(errors.CodeNotFound), decodeError(t, rec).Code)
}

func TestSessionHandler_EmptyProject(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/projects/nobody/aggregate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agg store.ProjectAggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Empty(t, agg.Results)
	assert.Zero(t, agg.Sessions)

	rec = f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active ActiveSessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	assert.Zero(t, active.Count)
	assert.Empty(t, active.Sessions)
}

func TestSessionHandler_ListActive(t *testing.T) {
	f := newFixture(t)
	started := make(chan string, 1)
	f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, job scanning.Job) (scanning.ScanResult, error) {
			started <- job.Target.IP
			<-ctx.Done()
			return scanning.ErrorResult(job.Target.IP, scanning.ErrorCancelled), nil
		})

	id := f.startSession(t, "lab", "10.0.0.1")
	<-started

	rec := f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active ActiveSessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Equal(t, 1, active.Count)
	assert.Equal(t, id, active.Sessions[0].SessionID)
	assert.Equal(t, "10.0.0.1", active.Sessions[0].CurrentTarget)

	assert.True(t, f.manager.Cancel(id))
	f.wait(t, id)
}

func TestSessionHandler_Preview(t *testing.T) {
	f := newFixture(t)
	f.tool.On("Binary").Return("/usr/bin/nmap")

	rec := f.do(t, http.MethodPost, "/preview", PreviewRequest{
		Target:  scanning.Target{IP: "192.168.1.10", Ports: []int{22, 443}},
		Options: scanning.ScanOptions{Preset: "top1000", Timing: "-T4", VersionDetection: true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PreviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	want := scanning.Preview("/usr/bin/nmap", scanning.Target{IP: "192.168.1.10", Ports: []int{22, 443}},
		scanning.ScanOptions{Preset: "top1000", Timing: "T4", VersionDetection: true})
	assert.Equal(t, want, resp.Command)
	assert.Contains(t, resp.Command, "-T4")
	assert.Contains(t, resp.Command, "192.168.1.10")
	f.tool.AssertCalled(t, "Binary")
}

func TestSessionHandler_PreviewRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	f.tool.On("Binary").Return("nmap").Maybe()

	rec := f.do(t, http.MethodPost, "/preview", PreviewRequest{Target: scanning.Target{IP: "--script"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/preview", PreviewRequest{
		Target:  scanning.Target{IP: "10.0.0.1"},
		Options: scanning.ScanOptions{CustomFlags: "--script-args=x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.tool.AssertNotCalled(t, "Binary")
}
