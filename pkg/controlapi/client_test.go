package controlapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/journal"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/procmgr"
)

func TestClient_ServicesAndHealth(t *testing.T) {
	exit := 1
	f := newAPIFixture(t, WithServices(fakeServices{
		services: []procmgr.ServiceHandle{
			{Name: "web", Status: procmgr.StatusRunning, PID: 42},
			{Name: "worker", Status: procmgr.StatusCrashed, RestartCount: 3, LastExitCode: &exit},
		},
		health: procmgr.HealthCheck{TotalServices: 2, RunningServices: 1, CrashedServices: 1, TotalRestarts: 3},
	}))
	c := NewClient(f.srv.URL+"/", time.Second)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "degraded", health.Status)
	require.NotNil(t, health.Services)
	assert.Equal(t, 3, health.Services.TotalRestarts)

	services, err := c.Services(ctx)
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "running", services[0].Status)
	assert.Equal(t, 42, services[0].PID)
	require.NotNil(t, services[1].LastExitCode)
	assert.Equal(t, 1, *services[1].LastExitCode)

	plugins, err := c.Plugins(ctx)
	require.NoError(t, err)
	assert.Empty(t, plugins)
}

func TestClient_Events(t *testing.T) {
	f := newAPIFixture(t)
	hash := f.stage(t, []byte("v1"), true)

	c := NewClient(f.srv.URL, 0)
	events, err := c.Events(context.Background(), journal.Filter{Kinds: []string{"update.staged"}, Subject: hash, Limit: 5})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, hash, events[0].Subject)

	_, err = c.Events(context.Background(), journal.Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
}

func TestClient_ReportsErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"limit must be a positive integer"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Events(context.Background(), journal.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "limit must be a positive integer")
}
