package api

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/imkarma/ralph/internal/agent/agenttest"
	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ControlsRemoteBattle(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, agenttest.New(agenttest.Reply{Output: "working", Wait: release}))
	srv := httptest.NewServer(ts.router.Handler())
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, nil)
	ctx := context.Background()

	st, err := client.Battle(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = client.PauseBattle(ctx)
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict), "got %v", err)

	task, err := ts.orch.CreateTask("Login form", "", 1, []string{"renders"})
	require.NoError(t, err)
	_, err = ts.orch.StartBattle(ctx, task.ID, "")
	require.NoError(t, err)

	st, err = client.Battle(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, task.ID, st.Battle.TaskID)

	st, err = client.PauseBattle(ctx)
	require.NoError(t, err)
	assert.True(t, st.PauseRequested)

	st, err = client.CancelBattle(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, store.BattleCancelled, st.Battle.Status)
	assert.Equal(t, "cancelled by user", st.Battle.Error)

	close(release)
	ts.waitBattle(t)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	addr := srv.Listener.Addr().String()
	srv.Close()

	_, err := NewClient(addr, nil).ApproveBattle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is 'ralph serve' running?")
}
