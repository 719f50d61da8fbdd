package wingcache

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func send(t *testing.T, c *Controller, raw string) ControlResponse {
	t.Helper()
	reply := make(chan ControlResponse, 1)
	c.Post(context.Background(), []byte(raw), reply)
	select {
	case resp := <-reply:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("no control reply")
	}
	return ControlResponse{}
}

func TestControl_GetCacheStatus(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/app.css", "body{}")
	svc := newInstalledService(t, origin)
	svc.Dispatch(context.Background(), getReq(t, "/app.css", ""))
	svc.Dispatch(context.Background(), getReq(t, "/app.css", ""))

	resp := send(t, svc.Controller(), `{"type":"GET_CACHE_STATUS"}`)
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Caches)
	require.NotNil(t, resp.Metrics)
	assert.Equal(t, CacheNames{Static: "static-v1", Dynamic: "dynamic-v1"}, *resp.Caches)
	assert.Equal(t, Counters{CacheHits: 1, CacheMisses: 1}, *resp.Metrics)

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"caches":{"static":"static-v1","dynamic":"dynamic-v1"},
		"metrics":{"cacheHits":1,"cacheMisses":1,"networkRequests":0,"offlineRequests":0}}`, string(b))
}

func TestControl_ClearCache(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/me", "me")
	svc := newInstalledService(t, origin)
	svc.Dispatch(context.Background(), getReq(t, "/api/me", ""))

	resp := send(t, svc.Controller(), `{"type":"CLEAR_CACHE","clearStatic":false}`)
	assert.True(t, resp.Success)

	_, ok, err := svc.reg.Store(svc.dynamicName).Match(getReq(t, "/api/me", "").Key())
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := svc.reg.Store(svc.staticName).Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp = send(t, svc.Controller(), `{"type":"CLEAR_CACHE","clearStatic":true}`)
	assert.True(t, resp.Success)
	names, err := svc.reg.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestControl_PrecacheRoutes(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/find-buddy", "buddies")
	origin.set("/api/sessions", "[]")
	svc := newInstalledService(t, origin)

	resp := send(t, svc.Controller(), `{"type":"PRECACHE_ROUTES","routes":["/find-buddy","api/sessions"]}`)
	require.Empty(t, resp.Error)
	assert.True(t, resp.Success)

	n, err := svc.reg.Store(svc.dynamicName).Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	resp = send(t, svc.Controller(), `{"type":"PRECACHE_ROUTES","routes":["/nope"]}`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "/nope")
}

func TestControl_PreloadRoute(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/img/avatar.png", "png")
	svc := newInstalledService(t, origin)

	resp := send(t, svc.Controller(), `{"type":"PRELOAD_ROUTE","route":"/img/avatar.png"}`)
	require.True(t, resp.Success)

	require.Eventually(t, func() bool {
		_, ok, err := svc.reg.Store(svc.staticName).Match(getReq(t, "/img/avatar.png", "").Key())
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	resp = send(t, svc.Controller(), `{"type":"PRELOAD_ROUTE"}`)
	assert.Contains(t, resp.Error, "needs a route")
}

func TestControl_ProtocolErrors(t *testing.T) {
	svc := newInstalledService(t, newFakeOrigin())

	for name, raw := range map[string]string{
		"malformed":    `{"type":`,
		"unknown type": `{"type":"SELF_DESTRUCT"}`,
		"missing type": `{}`,
		"wrong shape":  `{"type":"PRECACHE_ROUTES","routes":"/"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := send(t, svc.Controller(), raw)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, "control:")
		})
	}
	assert.Equal(t, StateActive, svc.State())
}

func TestControl_Sync(t *testing.T) {
	svc := newInstalledService(t, newFakeOrigin())
	resp := send(t, svc.Controller(), `{"type":"SYNC","tag":"outbox"}`)
	assert.True(t, resp.Success)
}

func TestControl_HandleBytes(t *testing.T) {
	svc := newInstalledService(t, newFakeOrigin())
	out := svc.control.handleBytes(context.Background(), []byte(`nope`))
	var resp ControlResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Contains(t, resp.Error, "malformed")
}

func TestClient_OverAdminHTTP(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/chat", "chat")
	svc := newInstalledService(t, origin)
	admin := httptest.NewServer(svc.AdminHandler())
	t.Cleanup(admin.Close)

	c := NewClient(admin.URL + "/")
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "static-v1", st.Caches.Static)

	require.NoError(t, c.PrecacheRoutes(ctx, []string{"/chat"}))
	require.Error(t, c.PrecacheRoutes(ctx, []string{"/absent"}))
	require.NoError(t, c.ClearCache(ctx, false))
	require.NoError(t, c.Sync(ctx, "outbox"))
	require.NoError(t, c.PreloadRoute(ctx, "/chat"))

	_, err = c.Send(ctx, ControlMessage{Type: "BOGUS"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message type")
}

func TestControl_NATSHandler(t *testing.T) {
	svc := newInstalledService(t, newFakeOrigin())

	type published struct {
		subject string
		data    []byte
	}
	out := make(chan published, 4)
	handler := svc.control.natsHandler(func(subject string, data []byte) error {
		out <- published{subject, data}
		return nil
	})

	handler(&nats.Msg{Subject: "wingcache.control", Reply: "_INBOX.1", Data: []byte(`{"type":"GET_CACHE_STATUS"}`)})
	require.Len(t, out, 1)
	got := <-out
	assert.Equal(t, "_INBOX.1", got.subject)
	var resp ControlResponse
	require.NoError(t, json.Unmarshal(got.data, &resp))
	require.NotNil(t, resp.Caches)
	assert.Equal(t, "dynamic-v1", resp.Caches.Dynamic)

	// Without a reply subject the message still runs; nothing is published.
	handler(&nats.Msg{Subject: "wingcache.control", Data: []byte(`{"type":"CLEAR_CACHE","clearStatic":true}`)})
	assert.Empty(t, out)
	names, err := svc.reg.Names()
	require.NoError(t, err)
	assert.Empty(t, names)

	handler(&nats.Msg{Subject: "wingcache.control", Reply: "_INBOX.2", Data: []byte(`{"type":`)})
	got = <-out
	var bad ControlResponse
	require.NoError(t, json.Unmarshal(got.data, &bad))
	assert.Contains(t, bad.Error, "malformed")
}
