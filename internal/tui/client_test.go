package tui

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fentz26/waypoint/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T) (*Client, *[]string) {
	t.Helper()
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "list "+r.URL.Query().Get("status"))
		json.NewEncoder(w).Encode([]models.RunSummary{{RunID: "run-1", Goal: "ship", Status: models.RunRunning}})
	})
	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "run-1" {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		st := models.NewRunState("run-1", models.Goal{Text: "ship", Config: models.DefaultGoalConfig()})
		st.Status = models.RunRunning
		json.NewEncoder(w).Encode(struct {
			*models.RunState
			Active bool `json:"active"`
		}{st, true})
	})
	mux.HandleFunc("GET /runs/{id}/decisions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Decision{{Action: "plan.create", Outcome: "accepted", Timestamp: time.Now()}})
	})
	mux.HandleFunc("POST /runs", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, "start "+string(body))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"run_id":"run-2"}`))
	})
	mux.HandleFunc("POST /runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "cancel "+r.PathValue("id"))
		http.Error(w, "run is not active", http.StatusConflict)
	})
	mux.HandleFunc("POST /runs/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "resume "+r.PathValue("id"))
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"db":"ok"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/"), &calls
}

func TestClient_Runs(t *testing.T) {
	c, calls := newAPI(t)

	runs, err := c.ListRuns("running")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ship", runs[0].Goal)

	run, err := c.GetRun("run-1")
	require.NoError(t, err)
	assert.True(t, run.Active)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Equal(t, "ship", run.Goal.Text)

	decisions, err := c.Decisions("run-1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	id, err := c.StartRun("new goal")
	require.NoError(t, err)
	assert.Equal(t, "run-2", id)

	require.NoError(t, c.ResumeRun("run-1"))

	assert.Equal(t, []string{"list running", `start {"goal":"new goal"}`, "resume run-1"}, *calls)
}

func TestClient_APIError(t *testing.T) {
	c, _ := newAPI(t)

	_, err := c.GetRun("missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "run not found", apiErr.Message)

	err = c.CancelRun("run-1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestClient_CheckHealth(t *testing.T) {
	c, _ := newAPI(t)
	ok, err := c.CheckHealth()
	require.NoError(t, err)
	assert.True(t, ok)

	down := NewClient("http://127.0.0.1:1")
	ok, err = down.CheckHealth()
	assert.Error(t, err)
	assert.False(t, ok)
}
