package server

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetrack/fleetrack/internal/config"
	"github.com/fleetrack/fleetrack/internal/models"
)

// setupTest wires a fresh database and config for one test.
func setupTest(t *testing.T) *config.Config {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		ServerHost:       "127.0.0.1",
		ServerPort:       8080,
		DBPath:           filepath.Join(t.TempDir(), "fleetrack-test.db"),
		JWTSecret:        "test-jwt-secret",
		JWTExpiry:        time.Hour,
		DeviceTokenKey:   "test-device-token-key",
		AdminUser:        "admin",
		AdminPass:        "admin-secret-1",
		OnlineThreshold:  10 * time.Minute,
		CommandTTL:       30 * time.Minute,
		SweepInterval:    time.Minute,
		RateLimitEnabled: true,
	}
	require.NoError(t, Setup(cfg))
	return cfg
}

func adminToken(t *testing.T) string {
	t.Helper()
	var admin models.User
	require.NoError(t, DB.Where("username = ?", conf.AdminUser).First(&admin).Error)
	token, _, err := GenerateJWT(&admin)
	require.NoError(t, err)
	return token
}

// createUser inserts a user directly, bypassing the API. MinCost keeps the
// suite fast; login tests use the bootstrap admin.
func createUser(t *testing.T, username string, role models.UserRole) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("irrelevant-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	now := time.Now().UTC()
	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, DB.Create(&user).Error)
	return &user
}

func viewerToken(t *testing.T) string {
	t.Helper()
	user := createUser(t, "viewer-"+uuid.NewString()[:8], models.UserRoleViewer)
	token, _, err := GenerateJWT(user)
	require.NoError(t, err)
	return token
}

// doRequest performs one request against a router, JSON-encoding body when
// present and attaching token as a bearer credential.
func doRequest(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func registerTestDevice(t *testing.T, hostname string) (*models.Device, string) {
	t.Helper()
	device, token, err := RegisterDevice(&models.DeviceRegistration{
		Hostname:     hostname,
		OSVersion:    "Ubuntu 24.04",
		AgentVersion: "0.1.0",
	})
	require.NoError(t, err)
	return device, token
}

// sampleSubmission builds a full inventory payload. Vary hostname or
// software to defeat the dedup hash between submissions.
func sampleSubmission(hostname string, software ...models.SoftwareItem) *models.InventorySubmission {
	boot := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	return &models.InventorySubmission{
		Identity: models.Identity{
			Hostname:            hostname,
			Domain:              "corp.example.com",
			LastInteractiveUser: "jdoe",
			BootTime:            boot,
		},
		OS: models.OS{
			Caption:     "Ubuntu 24.04.1 LTS",
			Version:     "24.04",
			BuildNumber: "6.8.0-45",
		},
		Hardware: models.Hardware{
			Manufacturer: "Dell Inc.",
			Model:        "OptiPlex 7090",
			SerialNumber: "ABC1234",
		},
		Performance: models.Performance{
			CPUPercent:       12.5,
			MemoryUsedBytes:  4 << 30,
			MemoryTotalBytes: 16 << 30,
		},
		Volumes: []models.Volume{
			{Name: "/", FileSystem: "ext4", TotalBytes: 500 << 30, FreeBytes: 250 << 30},
		},
		Software:     software,
		CollectedAt:  time.Now().UTC().Truncate(time.Second),
		AgentVersion: "0.1.0",
	}
}
