package mgmt

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdko-org/usage-proxy/internal/cert"
	"github.com/sdko-org/usage-proxy/internal/directory"
	"github.com/sdko-org/usage-proxy/internal/meter"
	"github.com/sdko-org/usage-proxy/internal/models"
	"github.com/sdko-org/usage-proxy/internal/registry"
	"github.com/sdko-org/usage-proxy/internal/testutil"
)

type fixture struct {
	api   *API
	reg   *registry.Registry
	dir   *directory.Directory
	usage *meter.Meter
}

func newFixture(t *testing.T, shutdown func()) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := directory.New(logger)
	usage := meter.New()
	reg := registry.New(logger, cert.NewStore(logger))
	return &fixture{
		api:   New(logger, reg, dir, usage, shutdown),
		reg:   reg,
		dir:   dir,
		usage: usage,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func serviceBody(name string) models.CreateService {
	return models.CreateService{
		Name:       name,
		ServerName: []string{"example.com"},
		BindHTTP:   "127.0.0.1:18080",
		From:       "/api",
		To:         "http://127.0.0.1:9000/backend",
	}
}

func TestServiceCRUD(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "GET", "/services", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, "POST", "/services", serviceBody("acme"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var svc models.Service
	decode(t, rec, &svc)
	assert.Equal(t, "acme", svc.Name)
	assert.Equal(t, "/api", svc.From)
	assert.False(t, svc.CreatedAt.IsZero())

	// Duplicate name.
	rec = f.do(t, "POST", "/services", serviceBody("acme"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	var e models.ErrorResponse
	decode(t, rec, &e)
	assert.Contains(t, e.Message, "acme")

	rec = f.do(t, "GET", "/services/acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/services/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Replace swaps the definition under the same name.
	upd := serviceBody("acme")
	upd.From = "/v2"
	rec = f.do(t, "PUT", "/services/acme", upd)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &svc)
	assert.Equal(t, "/v2", svc.From)

	rec = f.do(t, "DELETE", "/services/acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "GET", "/services/acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, "DELETE", "/services/acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateServiceValidation(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest("POST", "/services", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := serviceBody("bad")
	bad.To = "not-a-url"
	rec = f.do(t, "POST", "/services", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// HTTPS bind without a certificate.
	bad = serviceBody("tls")
	bad.BindHTTP = ""
	bad.BindHTTPS = "127.0.0.1:18443"
	rec = f.do(t, "POST", "/services", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceNameDefaulting(t *testing.T) {
	f := newFixture(t, nil)

	body := serviceBody("")
	rec := f.do(t, "POST", "/services", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var svc models.Service
	decode(t, rec, &svc)
	assert.Equal(t, "service-0", svc.Name)

	body.BindHTTP = "127.0.0.1:18081"
	rec = f.do(t, "POST", "/services", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &svc)
	assert.Equal(t, "service-1", svc.Name)
}

func TestServiceCert(t *testing.T) {
	f := newFixture(t, nil)
	certPath, keyPath := testutil.WriteSelfSignedCert(t, t.TempDir(), "example.com")

	body := serviceBody("tls")
	body.BindHTTP = ""
	body.BindHTTPS = "127.0.0.1:18443"
	body.Cert = &models.CertConfig{Path: certPath, KeyPath: keyPath}
	rec := f.do(t, "POST", "/services", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, "GET", "/services/tls/cert", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cc models.CertConfig
	decode(t, rec, &cc)
	assert.Equal(t, certPath, cc.Path)
	assert.Contains(t, cc.Fingerprint, "sha256:")

	// Plain HTTP services have no certificate to report.
	rec = f.do(t, "POST", "/services", serviceBody("plain"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "GET", "/services/plain/cert", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "POST", "/services", serviceBody("acme"))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Users require an existing service.
	rec = f.do(t, "POST", "/services/ghost/users", models.CreateUser{Username: "a", Password: "b"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "POST", "/services/acme/users", models.CreateUser{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var user models.User
	decode(t, rec, &user)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, models.UserActive, user.State)
	require.NotEmpty(t, user.ID)

	rec = f.do(t, "POST", "/services/acme/users", models.CreateUser{Username: "alice", Password: "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "POST", "/services/acme/users", models.CreateUser{Username: "", Password: "pw"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "GET", "/services/acme/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []models.User
	decode(t, rec, &users)
	require.Len(t, users, 1)

	// Lookup works by id and by username.
	rec = f.do(t, "GET", "/services/acme/users/"+user.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "GET", "/services/acme/users/alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Deleting an active user is refused until revoked.
	rec = f.do(t, "DELETE", "/services/acme/users/"+user.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "POST", "/services/acme/users/"+user.ID+"/revoke", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "GET", "/services/acme/users/"+user.ID, nil)
	decode(t, rec, &user)
	assert.Equal(t, models.UserRevoked, user.State)

	rec = f.do(t, "DELETE", "/services/acme/users/"+user.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "GET", "/services/acme/users/"+user.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserStats(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "POST", "/services", serviceBody("acme"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "POST", "/services/acme/users", models.CreateUser{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var user models.User
	decode(t, rec, &user)

	f.usage.Increment("acme", user.ID, "/a")
	f.usage.Increment("acme", user.ID, "/a")
	f.usage.Increment("acme", user.ID, "/b")

	rec = f.do(t, "GET", "/services/acme/users/alice/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var us models.UserStats
	decode(t, rec, &us)
	assert.Equal(t, uint64(3), us.Requests)

	rec = f.do(t, "GET", "/services/acme/users/alice/endpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var eps models.EndpointStats
	decode(t, rec, &eps)
	assert.Equal(t, uint64(2), eps["/a"])
	assert.Equal(t, uint64(1), eps["/b"])

	// reset=true hands out the counts exactly once.
	rec = f.do(t, "GET", "/services/acme/users/alice/endpoints?reset=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &eps)
	assert.Equal(t, uint64(2), eps["/a"])
	rec = f.do(t, "GET", "/services/acme/users/alice/endpoints", nil)
	eps = nil // json.Unmarshal merges into a non-nil map; start fresh
	decode(t, rec, &eps)
	assert.Empty(t, eps)

	f.usage.Increment("acme", user.ID, "/a")
	rec = f.do(t, "DELETE", "/services/acme/users/alice/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "GET", "/services/acme/users/alice/stats", nil)
	decode(t, rec, &us)
	assert.Zero(t, us.Requests)
}

func TestServiceStats(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "POST", "/services", serviceBody("acme"))
	require.Equal(t, http.StatusCreated, rec.Code)

	f.usage.Increment("acme", "u1", "/a")
	f.usage.Increment("acme", "u2", "/b")
	f.usage.Increment("other", "u1", "/c")

	rec = f.do(t, "GET", "/services/acme/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var by map[string]map[string]uint64
	decode(t, rec, &by)
	assert.Equal(t, uint64(1), by["u1"]["/a"])
	assert.Equal(t, uint64(1), by["u2"]["/b"])
	assert.NotContains(t, by, "u3")

	rec = f.do(t, "GET", "/services/ghost/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersSurviveUserDeletion(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "POST", "/services", serviceBody("acme"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "POST", "/services/acme/users", models.CreateUser{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var user models.User
	decode(t, rec, &user)

	f.usage.Increment("acme", user.ID, "/a")

	rec = f.do(t, "POST", "/services/acme/users/alice/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "DELETE", "/services/acme/users/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The final billing read stays reachable by user id.
	rec = f.do(t, "GET", "/services/acme/users/"+user.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var us models.UserStats
	decode(t, rec, &us)
	assert.Equal(t, uint64(1), us.Requests)
}

func TestUserStatsUnknownRefs(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "POST", "/services", serviceBody("acme"))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Unknown service: every stats route is a 404, not an empty count.
	for _, route := range []struct{ method, path string }{
		{"GET", "/services/ghost/users/x/stats"},
		{"GET", "/services/ghost/users/x/endpoints"},
		{"DELETE", "/services/ghost/users/x/stats"},
	} {
		rec = f.do(t, route.method, route.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, route.path)
		var e models.ErrorResponse
		decode(t, rec, &e)
		assert.Contains(t, e.Message, "service")
	}

	// Known service, unknown user with no retained counters.
	rec = f.do(t, "GET", "/services/acme/users/nobody/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e models.ErrorResponse
	decode(t, rec, &e)
	assert.Contains(t, e.Message, "user")
}

func TestCountersSurviveServiceDeletion(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "POST", "/services", serviceBody("acme"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "POST", "/services/acme/users", models.CreateUser{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var user models.User
	decode(t, rec, &user)

	f.usage.Increment("acme", user.ID, "/a")

	rec = f.do(t, "DELETE", "/services/acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The service and its users are gone, but retained counters still
	// answer a final billing read by user id.
	rec = f.do(t, "GET", "/services/acme/users/"+user.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var us models.UserStats
	decode(t, rec, &us)
	assert.Equal(t, uint64(1), us.Requests)

	// Once purged, nothing backs the reference anymore.
	rec = f.do(t, "DELETE", "/services/acme/users/"+user.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "GET", "/services/acme/users/"+user.ID+"/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGlobalStats(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "POST", "/services", serviceBody("acme"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "POST", "/services/acme/users", models.CreateUser{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var user models.User
	decode(t, rec, &user)

	f.usage.Increment("acme", user.ID, "/a")
	f.usage.Increment("acme", user.ID, "/b")

	rec = f.do(t, "GET", "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var gs models.GlobalStats
	decode(t, rec, &gs)
	assert.Equal(t, 1, gs.Users)
	assert.Equal(t, 1, gs.Services)
	assert.Equal(t, uint64(2), gs.Requests.Requests)

	// The cumulative total is unaffected by per-user resets.
	f.usage.SnapshotAndReset("acme", user.ID)
	rec = f.do(t, "GET", "/stats", nil)
	decode(t, rec, &gs)
	assert.Equal(t, uint64(2), gs.Requests.Requests)
}

func TestShutdownEndpoint(t *testing.T) {
	called := make(chan struct{})
	f := newFixture(t, func() { close(called) })

	rec := f.do(t, "POST", "/control/shutdown", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook was not invoked")
	}
}
