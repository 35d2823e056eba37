package registry

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentica/agentica-server/internal/common/config"
	apperrors "github.com/agentica/agentica-server/internal/common/errors"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/events/bus"
	"github.com/agentica/agentica-server/internal/inference"
	"github.com/agentica/agentica-server/internal/notifier"
)

const completionOK = `{"id":"resp-1","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],"usage":{"completion_tokens":1}}`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionOK))
	}))
	t.Cleanup(srv.Close)

	log := logger.NewNop()
	client := inference.NewClient(config.InferenceConfig{
		BaseURL:   srv.URL,
		RouterURL: srv.URL,
	}, log)
	t.Cleanup(client.Close)

	cfg := config.Config{
		Sandbox: config.SandboxConfig{Backend: "none"},
		Limits:  config.LimitsConfig{MaxConcurrentInvocations: 4},
	}
	reg := New(cfg, client, notifier.New(bus.NewMemoryEventBus(log), log), nil, nil, log)
	t.Cleanup(func() { reg.Close(context.Background()) })
	return reg
}

func TestRegisterSessionIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	assert.False(t, reg.HasSession("cid-1"))
	reg.RegisterSession(ctx, "cid-1")
	reg.RegisterSession(ctx, "cid-1")
	assert.True(t, reg.HasSession("cid-1"))
}

func TestCreateAgentRequiresSession(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.CreateAgent(context.Background(), CreateAgentRequest{Model: "openai:gpt-4o"}, "no-such-cid")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apperrors.AsAppError(err).HTTPStatus)
}

func TestCreateAgentRejectsBadModel(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	reg.RegisterSession(ctx, "cid-1")

	_, err := reg.CreateAgent(ctx, CreateAgentRequest{Model: "not-a-model"}, "cid-1")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperrors.AsAppError(err).HTTPStatus)
}

func TestCreateAgentRejectsBadWarpPayload(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	reg.RegisterSession(ctx, "cid-1")

	_, err := reg.CreateAgent(ctx, CreateAgentRequest{
		Model:              "openai:gpt-4o",
		WarpGlobalsPayload: "%%% not base64 %%%",
	}, "cid-1")
	require.Error(t, err)
}

func TestCreateAgentHappyPath(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	reg.RegisterSession(ctx, "cid-1")

	uid, err := reg.CreateAgent(ctx, CreateAgentRequest{
		Model:              "openai:gpt-4o",
		Doc:                "premise",
		System:             "system",
		WarpGlobalsPayload: base64.StdEncoding.EncodeToString([]byte(`{"seed":1}`)),
	}, "cid-1")
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	a, ok := reg.Agent(uid)
	require.True(t, ok)
	assert.Equal(t, uid, a.UID)
	assert.Equal(t, "cid-1", a.CID)
	assert.Len(t, reg.AgentsForSession("cid-1"), 1)
}

func TestCreateAgentZeroLengthWarpPayload(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	reg.RegisterSession(ctx, "cid-1")

	uid, err := reg.CreateAgent(ctx, CreateAgentRequest{Model: "openai:gpt-4o"}, "cid-1")
	require.NoError(t, err)
	assert.NotEmpty(t, uid)
}

func TestDestroyAgentIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	reg.RegisterSession(ctx, "cid-1")

	uid, err := reg.CreateAgent(ctx, CreateAgentRequest{Model: "openai:gpt-4o"}, "cid-1")
	require.NoError(t, err)

	assert.True(t, reg.DestroyAgent(ctx, uid))
	assert.False(t, reg.DestroyAgent(ctx, uid))

	_, ok := reg.Agent(uid)
	assert.False(t, ok)
	assert.Empty(t, reg.AgentsForSession("cid-1"))
}

func TestDeregisterSessionDestroysAgents(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	reg.RegisterSession(ctx, "cid-1")

	uid, err := reg.CreateAgent(ctx, CreateAgentRequest{Model: "openai:gpt-4o"}, "cid-1")
	require.NoError(t, err)

	reg.DeregisterSession(ctx, "cid-1")
	assert.False(t, reg.HasSession("cid-1"))
	_, ok := reg.Agent(uid)
	assert.False(t, ok)

	// Second deregister is a no-op.
	reg.DeregisterSession(ctx, "cid-1")
}
