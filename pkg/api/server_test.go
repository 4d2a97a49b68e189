package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openuds/engine/pkg/config"
	"github.com/openuds/engine/pkg/lifecycle"
	"github.com/openuds/engine/pkg/manager"
	"github.com/openuds/engine/pkg/provider"
	"github.com/openuds/engine/pkg/provider/providertest"
	"github.com/openuds/engine/pkg/security"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

type fixture struct {
	srv   *Server
	ctrl  *lifecycle.Controller
	store *storage.Store
	pool  *types.ServicePool
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/engine.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewStore(db)

	crypter, err := security.NewCrypterFromSecret("test")
	require.NoError(t, err)
	cfg, err := config.NewRegistry(store, crypter)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	prov := &types.Provider{UUID: uuid.NewString(), Name: "prov", TypeName: "fake", CreatedAt: now}
	require.NoError(t, store.CreateProvider(prov))
	svc := &types.Service{
		UUID: uuid.NewString(), ProviderID: prov.ID, Name: "svc", TypeName: "fake",
		CountType: types.CountTypeAbsolute, UsesCache: true, CreatedAt: now,
	}
	require.NoError(t, store.CreateService(svc))
	pool := &types.ServicePool{
		UUID: uuid.NewString(), ServiceID: svc.ID, Name: "pool", State: types.PoolStateActive,
		CacheL1Srvs: 2, MaxSrvs: 5, CurrentPubRevision: 1,
		FallbackAccess: types.AccessAllow, CreatedAt: now,
	}
	require.NoError(t, store.CreatePool(pool))

	fake := providertest.NewFake()
	ctrl := lifecycle.NewController(store, cfg, nil, nil)
	ctrl.BuildDriver = func(*types.Provider) (provider.Driver, error) { return fake, nil }
	mgr := manager.New(store, cfg, ctrl, nil)
	srv := NewServer(mgr, store)

	token, err := mgr.RegisterServer(&types.Server{Hostname: "agent-1", Type: "actor"})
	require.NoError(t, err)

	return &fixture{srv: srv, ctrl: ctrl, store: store, pool: pool, token: token}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set(authHeader, token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestRegisterMintsToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/servers/register", "", map[string]string{
		"hostname": "guest-7", "ip": "10.0.0.7", "type": "actor",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode[map[string]string](t, rec)["token"]
	assert.NotEmpty(t, token)

	srv, err := f.store.GetServerByToken(token)
	require.NoError(t, err)
	assert.Equal(t, "guest-7", srv.Hostname)
}

func TestRegisterValidatesRequest(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/servers/register", "", map[string]string{"ip": "10.0.0.7"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/servers/event", "", map[string]any{"event": "login"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/servers/event", "wrong", map[string]any{"event": "login"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAssignAndLoginFlow(t *testing.T) {
	f := newFixture(t)

	// warm one cached machine
	us, err := f.ctrl.CreateForCache(f.pool, types.CacheLevelL1)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.CheckState(us))

	rec := f.do(t, http.MethodPost, "/api/v1/pools/"+f.pool.UUID+"/assign", f.token,
		map[string]any{"user": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[assignResponse](t, rec)
	assert.True(t, resp.Ready)
	assert.NotEmpty(t, resp.IP)

	rec = f.do(t, http.MethodPost, "/api/v1/servers/event", f.token, map[string]any{
		"event": "login",
		"data": map[string]string{
			"userservice": resp.UUID, "username": "alice",
			"src_ip": "10.1.1.9", "src_hostname": "laptop",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetUserServiceByUUID(resp.UUID)
	require.NoError(t, err)
	assert.True(t, got.InUse)
}

func TestAssignUnknownPool(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/pools/"+uuid.NewString()+"/assign", f.token,
		map[string]any{"user": "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignCalendarDenied(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.ReplaceCalendarRules(f.pool.ID, []*types.CalendarRule{
		{PoolID: f.pool.ID, Priority: 1, Action: types.AccessDeny},
	}))

	rec := f.do(t, http.MethodPost, "/api/v1/pools/"+f.pool.UUID+"/assign", f.token,
		map[string]any{"user": "alice"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReadyCallback(t *testing.T) {
	f := newFixture(t)
	us, err := f.ctrl.CreateForCache(f.pool, types.CacheLevelL1)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.CheckState(us))

	rec := f.do(t, http.MethodPost, "/api/v1/services/"+us.UUID+"/ready", f.token,
		map[string]string{"ip": "10.0.0.42"})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetUserServiceByUUID(us.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateUsable, got.OSState)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uds_")
}
