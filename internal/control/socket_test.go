// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phira-mp/plughost/internal/eventbus"
	plugins "github.com/phira-mp/plughost/internal/plugin"
	"github.com/phira-mp/plughost/pkg/errutil"
)

type fakeAdmin struct {
	infos    []plugins.Info
	loadErr  error
	unloaded []string
}

func (f *fakeAdmin) Plugins() []plugins.Info { return f.infos }

func (f *fakeAdmin) LoadPlugin(_ context.Context, name string) (plugins.Info, error) {
	if f.loadErr != nil {
		return plugins.Info{}, f.loadErr
	}
	return plugins.Info{ID: name, Instance: "01J", Version: "1.0.0", State: plugins.StateActive, Source: "dir:/p/" + name}, nil
}

func (f *fakeAdmin) UnloadPlugin(_ context.Context, id string) error {
	for _, info := range f.infos {
		if info.ID == id {
			f.unloaded = append(f.unloaded, id)
			return nil
		}
	}
	return plugins.ErrNotLoaded(id)
}

func (f *fakeAdmin) ReloadPlugin(_ context.Context, id string) (plugins.Info, error) {
	for _, info := range f.infos {
		if info.ID == id {
			info.Instance = "reloaded"
			return info, nil
		}
	}
	return plugins.Info{}, plugins.ErrNotLoaded(id)
}

func (f *fakeAdmin) Subscriptions(id string) ([]eventbus.SubscriptionInfo, error) {
	for _, info := range f.infos {
		if info.ID == id {
			return []eventbus.SubscriptionInfo{{Topic: "auth.success", PluginID: id, Instance: info.Instance, Seq: 1}}, nil
		}
	}
	return nil, plugins.ErrNotLoaded(id)
}

func (f *fakeAdmin) Topics() []eventbus.TopicInfo {
	return []eventbus.TopicInfo{{Name: "auth.success", PayloadType: "plugin.AuthSuccess", Subscribers: 1}}
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{infos: []plugins.Info{
		{ID: "greeter", Instance: "01A", Version: "0.0.1", State: plugins.StateActive, Subscriptions: 1},
		{ID: "logger", Instance: "01B", Version: "1.2.0", State: plugins.StateActive, Subscriptions: 2},
	}}
}

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealth(t *testing.T) {
	rec := serve(t, NewServer("", newFakeAdmin(), nil), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	_, err := time.Parse(time.RFC3339, health.Timestamp)
	assert.NoError(t, err)
}

func TestStatus_CountsPluginsAndSubscriptions(t *testing.T) {
	s := NewServer("", newFakeAdmin(), nil, WithVersion("1.0.0"))
	rec := serve(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, 2, status.Plugins)
	assert.Equal(t, 3, status.Subscriptions)
	assert.Equal(t, "1.0.0", status.Version)
	assert.False(t, status.Running, "not started")
}

func TestShutdown_CallsShutdownFunc(t *testing.T) {
	called := make(chan struct{})
	s := NewServer("", newFakeAdmin(), func() { close(called) })

	rec := serve(t, s, http.MethodPost, "/shutdown")
	assert.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not called")
	}
}

func TestShutdown_RejectsGet(t *testing.T) {
	rec := serve(t, NewServer("", newFakeAdmin(), nil), http.MethodGet, "/shutdown")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPlugins_List(t *testing.T) {
	rec := serve(t, NewServer("", newFakeAdmin(), nil), http.MethodGet, "/plugins")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []plugins.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "greeter", infos[0].ID)
	assert.Equal(t, plugins.StateActive, infos[0].State)
}

func TestPlugins_Load(t *testing.T) {
	rec := serve(t, NewServer("", newFakeAdmin(), nil), http.MethodPost, "/plugins/auth-test")
	require.Equal(t, http.StatusCreated, rec.Code)

	var info plugins.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "auth-test", info.ID)
	assert.Equal(t, "dir:/p/auth-test", info.Source)
}

func TestPlugins_ErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		loadErr error
		status  int
		code    string
	}{
		{"conflict", plugins.ErrConflict("auth-test", "01A"), http.StatusConflict, plugins.CodeConflict},
		{"load failed", plugins.ErrLoadFailed("auth-test", errors.New("boom")), http.StatusUnprocessableEntity, plugins.CodeLoadFailed},
		{"invalid manifest", plugins.ErrInvalidManifest("bad"), http.StatusUnprocessableEntity, plugins.CodeInvalidManifest},
		{"host closed", plugins.ErrHostClosed(), http.StatusServiceUnavailable, plugins.CodeHostClosed},
		{"uncoded", errors.New("disk on fire"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := newFakeAdmin()
			admin.loadErr = tt.loadErr
			rec := serve(t, NewServer("", admin, nil), http.MethodPost, "/plugins/auth-test")
			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestPlugins_Unload(t *testing.T) {
	admin := newFakeAdmin()
	s := NewServer("", admin, nil)

	rec := serve(t, s, http.MethodDelete, "/plugins/greeter")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"greeter"}, admin.unloaded)

	rec = serve(t, s, http.MethodDelete, "/plugins/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, plugins.CodeNotLoaded, decodeError(t, rec).Code)
}

func TestPlugins_Reload(t *testing.T) {
	rec := serve(t, NewServer("", newFakeAdmin(), nil), http.MethodPost, "/plugins/logger/reload")
	require.Equal(t, http.StatusOK, rec.Code)

	var info plugins.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "logger", info.ID)
	assert.Equal(t, "reloaded", info.Instance)
}

func TestPlugins_Subscriptions(t *testing.T) {
	s := NewServer("", newFakeAdmin(), nil)

	rec := serve(t, s, http.MethodGet, "/plugins/greeter/subscriptions")
	require.Equal(t, http.StatusOK, rec.Code)
	var subs []eventbus.SubscriptionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "auth.success", subs[0].Topic)

	rec = serve(t, s, http.MethodGet, "/plugins/ghost/subscriptions")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(plugins.CodeNotFound))
	assert.Equal(t, http.StatusForbidden, statusFor(plugins.CodeCapabilityDenied))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(plugins.CodeUnsupportedRuntime))
	assert.Equal(t, http.StatusInternalServerError, statusFor("SOMETHING_ELSE"))
}

// shortSocketPath keeps the path under the sun_path limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func TestClient_OverSocket(t *testing.T) {
	path := shortSocketPath(t)
	var shutdowns atomic.Int32
	s := NewServer(path, newFakeAdmin(), func() { shutdowns.Add(1) })
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	ctx := context.Background()
	c := NewClient(path)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)

	infos, err := c.Plugins(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	info, err := c.Load(ctx, "auth-test")
	require.NoError(t, err)
	assert.Equal(t, "auth-test", info.ID)

	info, err = c.Reload(ctx, "greeter")
	require.NoError(t, err)
	assert.Equal(t, "reloaded", info.Instance)

	subs, err := c.Subscriptions(ctx, "greeter")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	topics, err := c.Topics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "auth.success", topics[0].Name)

	require.NoError(t, c.Unload(ctx, "logger"))

	err = c.Unload(ctx, "ghost")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugins.CodeNotLoaded)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	require.NoError(t, c.Shutdown(ctx))
	assert.Eventually(t, func() bool { return shutdowns.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_StopRemovesSocket(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	s := NewServer(path, newFakeAdmin(), nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start")

	require.NoError(t, s.Stop(context.Background()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Stop(context.Background()), "stop is idempotent")
}

func TestClient_ServerDown(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to control socket")
}
