package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetrack/fleetrack/internal/models"
)

func TestJWTRoundTrip(t *testing.T) {
	setupTest(t)

	user := createUser(t, "jwt-user", models.UserRoleViewer)
	token, expiresAt, err := GenerateJWT(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(conf.JWTExpiry), expiresAt, 5*time.Second)

	claims, err := parseJWT(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, user.Username, claims.Username)
	assert.Equal(t, models.UserRoleViewer, claims.Role)
}

func TestJWTMiddlewareRejects(t *testing.T) {
	setupTest(t)
	r := NewRouter()

	// No credential at all.
	w := doRequest(t, r, http.MethodGet, "/v1/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Garbage token.
	w = doRequest(t, r, http.MethodGet, "/v1/devices", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong scheme.
	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.Header.Set("Authorization", "Basic YWRtaW46YWRtaW4=")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredJWTRejected(t *testing.T) {
	cfg := setupTest(t)
	r := NewRouter()

	// Issue a token that is already past its expiry.
	cfg.JWTExpiry = -time.Minute
	user := createUser(t, "expired-user", models.UserRoleViewer)
	token, _, err := GenerateJWT(user)
	require.NoError(t, err)
	cfg.JWTExpiry = time.Hour

	w := doRequest(t, r, http.MethodGet, "/v1/devices", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuditLogsRequireAdmin(t *testing.T) {
	setupTest(t)
	r := NewRouter()

	w := doRequest(t, r, http.MethodGet, "/v1/audit-logs", viewerToken(t), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, r, http.MethodGet, "/v1/audit-logs", adminToken(t), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeviceTokenDerivation(t *testing.T) {
	setupTest(t)

	// Stable per device id, distinct across ids.
	assert.Equal(t, deviceTokenFor("dev-a"), deviceTokenFor("dev-a"))
	assert.NotEqual(t, deviceTokenFor("dev-a"), deviceTokenFor("dev-b"))
}

func TestDeviceAuthMiddleware(t *testing.T) {
	setupTest(t)
	r := NewRouter()

	device, token := registerTestDevice(t, "auth-01")

	// Valid token passes through.
	w := doRequest(t, r, http.MethodPost, "/v1/agents/"+device.ID+"/heartbeat", token, struct{}{})
	assert.Equal(t, http.StatusOK, w.Code)

	// Known device with a wrong token is a credential failure.
	w = doRequest(t, r, http.MethodPost, "/v1/agents/"+device.ID+"/heartbeat", "bogus-token", struct{}{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Missing header is a credential failure too.
	w = doRequest(t, r, http.MethodPost, "/v1/agents/"+device.ID+"/heartbeat", "", struct{}{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Unknown device id means the record is gone: tell the agent to
	// re-enroll instead of failing hard.
	w = doRequest(t, r, http.MethodPost, "/v1/agents/no-such-device/heartbeat", token, struct{}{})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"reregister":true`)
}

func TestAgentRoutesRejectJWT(t *testing.T) {
	setupTest(t)
	r := NewRouter()

	// A dashboard session token is not a device credential.
	device, _ := registerTestDevice(t, "auth-02")
	w := doRequest(t, r, http.MethodPost, "/v1/agents/"+device.ID+"/heartbeat", adminToken(t), struct{}{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	setupTest(t)
	r := NewRouter()

	w := doRequest(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
