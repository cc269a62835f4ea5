package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/internal/api"
	mw "github.com/kiranshivaraju/promptflow/internal/api/middleware"
	"github.com/kiranshivaraju/promptflow/internal/cache"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testRawKey = "pf_router_test_key_0123456789"

// --- stub key store: knows exactly one key, without admin scope ---

type stubKeys struct {
	keys []*models.APIKey
}

func (s *stubKeys) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}
func (s *stubKeys) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- stub cache ---

type stubCache struct{}

func (c *stubCache) Ping(_ context.Context) error { return nil }
func (c *stubCache) Close() error                 { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}
func (c *stubCache) SetIfAbsent(_ context.Context, _ string, _ []byte, _ time.Duration) (bool, error) {
	return true, nil
}
func (c *stubCache) Delete(_ context.Context, _ string) error { return nil }
func (c *stubCache) SetJobStatus(_ context.Context, _ uuid.UUID, _ string) error {
	return nil
}
func (c *stubCache) GetJobStatus(_ context.Context, _ uuid.UUID) (string, bool, error) {
	return "", false, nil
}
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- router tests ---

func named(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(name))
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testRawKey), bcrypt.MinCost)
	require.NoError(t, err)
	keys := &stubKeys{keys: []*models.APIKey{{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		KeyHash:   string(hash),
		KeyPrefix: testRawKey[:mw.KeyPrefixLen],
		Scopes:    []string{"read", "write"},
	}}}

	return api.NewRouter(api.Dependencies{
		Auth:             mw.NewAuth(keys),
		RateLimit:        mw.NewRateLimit(&stubCache{}, 60),
		CallbackAuth:     mw.CallbackToken("cb-token"),
		HealthHandler:    named("health"),
		CreateJobHandler: named("create"),
		ListJobsHandler:  named("list"),
		GetJobHandler:    named("get"),
		CancelJobHandler: named("cancel"),
		CallbackHandler:  named("callback"),
		StatsHandler:     named("stats"),
		CreateKeyHandler: named("create-key"),
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "health", w.Body.String())
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t)
	jobPath := "/api/v1/jobs/" + uuid.NewString()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs"},
		{"GET", jobPath},
		{"DELETE", jobPath},
		{"GET", "/api/v1/stats"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_JobRoutes(t *testing.T) {
	router := newTestRouter(t)
	jobPath := "/api/v1/jobs/" + uuid.NewString()

	routes := []struct {
		method, path, want string
	}{
		{"POST", "/api/v1/jobs", "create"},
		{"GET", "/api/v1/jobs", "list"},
		{"GET", jobPath, "get"},
		{"DELETE", jobPath, "cancel"},
		{"GET", "/api/v1/stats", "stats"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			req := httptest.NewRequest(rt.method, rt.path, nil)
			req.Header.Set("Authorization", "Bearer "+testRawKey)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, rt.want, w.Body.String())
			assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
		})
	}
}

func TestRouter_AdminRoutesNeedAdminScope(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/v1/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_CallbackUsesCallbackToken(t *testing.T) {
	router := newTestRouter(t)
	path := "/api/v1/jobs/" + uuid.NewString() + "/callback"

	req := httptest.NewRequest("POST", path, nil)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "an API key is not a callback token")

	req = httptest.NewRequest("POST", path, nil)
	req.Header.Set(models.CallbackTokenHeader, "cb-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "callback", w.Body.String())
}

func TestRouter_CallbackWithoutAuthIsNotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{
		Auth:            mw.NewAuth(&stubKeys{}),
		RateLimit:       mw.NewRateLimit(&stubCache{}, 60),
		CallbackHandler: named("callback"),
	})

	req := httptest.NewRequest("POST", "/api/v1/jobs/"+uuid.NewString()+"/callback", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

func TestRouter_MissingHandlerIsNotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(&stubKeys{}),
		RateLimit: mw.NewRateLimit(&stubCache{}, 60),
	})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

var _ cache.Cache = (*stubCache)(nil)
