package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

type recordingReporter struct {
	statuses []int
	delays   []time.Duration
}

func (r *recordingReporter) ReportResult(status int, retryAfter time.Duration) {
	r.statuses = append(r.statuses, status)
	r.delays = append(r.delays, retryAfter)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server, *recordingReporter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	reporter := &recordingReporter{}
	c, err := New(Options{
		BaseURL:  srv.URL,
		Tokens:   staticTokens("test-token"),
		Reporter: reporter,
	})
	require.NoError(t, err)
	return c, srv, reporter
}

func TestListTasksFollowsPagination(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/planner/plans/plan-1/tasks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"value":           []map[string]any{{"id": "t1"}, {"id": "t2"}},
			"@odata.nextLink": srvURL + "/page2",
		})
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{"id": "t3"}},
		})
	})

	c, srv, _ := newTestClient(t, mux)
	srvURL = srv.URL

	tasks, err := c.ListTasks(context.Background(), "plan-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "t3", tasks[2].ID)
}

func TestUpdateTaskSendsConcurrencyHeaders(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/planner/tasks/t1", r.URL.Path)
		assert.Equal(t, `W/"1"`, r.Header.Get("If-Match"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var patch map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		assert.Equal(t, "renamed", patch["title"])

		json.NewEncoder(w).Encode(map[string]any{
			"id": "t1", "title": "renamed", "@odata.etag": `W/"2"`,
		})
	}))

	got, err := c.UpdateTask(context.Background(), "t1", `W/"1"`, map[string]any{"title": "renamed"})
	require.NoError(t, err)
	assert.Equal(t, `W/"2"`, got.ETag)
}

func TestCreateTaskReturnsRepresentation(t *testing.T) {
	c, _, reporter := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "srv-1", "@odata.etag": `W/"1"`})
	}))

	got, err := c.CreateTask(context.Background(), &Task{Title: "new"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, `W/"1"`, got.ETag)
	assert.Equal(t, []int{201}, reporter.statuses)
}

func TestErrorEnvelopeDecodes(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "preconditionFailed", "message": "etag mismatch"},
		})
	}))

	_, err := c.UpdateTask(context.Background(), "t1", `W/"stale"`, map[string]any{"title": "x"})
	require.Error(t, err)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 412, perr.Status)
	assert.Equal(t, "preconditionFailed", perr.Code)
	assert.Equal(t, KindPreconditionFailed, perr.Kind())
}

func TestThrottleCarriesRetryAfter(t *testing.T) {
	c, _, reporter := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.GetTask(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, KindThrottled, KindOf(err))
	assert.Equal(t, 7*time.Second, RetryAfterOf(err))

	// The reporter sees the throttle too, so the backoff clock arms even
	// when the caller drops the error.
	require.Equal(t, []int{429}, reporter.statuses)
	assert.Equal(t, 7*time.Second, reporter.delays[0])
}

func TestCapacityErrorClassifies(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": CodeCapacity, "message": "plan is full"},
		})
	}))

	_, err := c.CreateTask(context.Background(), &Task{Title: "overflow"})
	require.Error(t, err)
	assert.Equal(t, KindCapacityExhausted, KindOf(err))
	assert.True(t, Terminal(err))
}

func TestDeleteTaskNoContent(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "*", r.Header.Get("If-Match"))
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.DeleteTask(context.Background(), "t1", "*"))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 50*time.Second)
	assert.LessOrEqual(t, got, time.Minute)
}

func TestKindClassification(t *testing.T) {
	cases := []struct {
		err  *Error
		want Kind
	}{
		{&Error{Status: 429}, KindThrottled},
		{&Error{Status: 503}, KindThrottled},
		{&Error{Status: 412}, KindPreconditionFailed},
		{&Error{Status: 404}, KindNotFound},
		{&Error{Status: 403}, KindForbidden},
		{&Error{Status: 403, Code: CodeCapacity}, KindCapacityExhausted},
		{&Error{Status: 400}, KindBadRequest},
		{&Error{Status: 502}, KindTransient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Kind(), "status %d code %q", tc.err.Status, tc.err.Code)
	}
	assert.Equal(t, KindTransient, KindOf(errors.New("dial tcp: refused")))
	assert.False(t, Terminal(errors.New("dial tcp: refused")))
}
