package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devghori1264/aerophoenix/fleetd/internal/api"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/server"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	store, err := storage.NewBadgerStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := httptest.NewServer(api.NewHTTPHandler(server.New(store), nil, nil))
	t.Cleanup(ts.Close)
	return New(ts.URL + "/")
}

func TestClientRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	m, err := c.Create(ctx, "c1", models.MachineInput{
		Name: "web", IPAddress: "10.0.0.1", InstanceType: "small", Tags: models.NewTagSet("prod"),
	})
	require.NoError(t, err)

	list, err := c.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = c.Act(ctx, "c1", m.ID, models.ActionStart)
	require.NoError(t, err)

	st, err := c.Get(ctx, "c1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, st.State)

	msg, err := c.AddTag(ctx, "c1", m.ID, "blue")
	require.NoError(t, err)
	require.NotNil(t, msg.Machine)
	assert.Equal(t, []string{"prod", "blue"}, msg.Machine.Tags.Slice())

	msg, err = c.RemoveTag(ctx, "c1", m.ID, "prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"blue"}, msg.Machine.Tags.Slice())

	name := "api"
	msg, err = c.Update(ctx, "c1", m.ID, models.MachinePatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "api", msg.Machine.Name)

	res, err := c.Dispatch(ctx, "c1", "reboot", nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.StatusSuccess, res.Results[0].Status)

	_, err = c.Delete(ctx, "c1", m.ID)
	require.NoError(t, err)
}

func TestClientErrors(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "c1", "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Machine not found in the cluster.", apiErr.Message)

	_, err = c.Create(ctx, "c1", models.MachineInput{Name: "web"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
