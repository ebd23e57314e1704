package server

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetrack/fleetrack/internal/models"
)

func TestRegisterDeviceIdempotent(t *testing.T) {
	setupTest(t)

	first, firstToken := registerTestDevice(t, "ws-001")
	second, secondToken := registerTestDevice(t, "ws-001")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, firstToken, secondToken)

	var n int64
	require.NoError(t, DB.Model(&models.Device{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestRegisterDeviceConcurrentSameHostname(t *testing.T) {
	setupTest(t)

	// One connection keeps sqlite from returning busy errors while the
	// registrations interleave between the lookup and the insert.
	sqlDB, err := DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	const racers = 8
	type result struct {
		id    string
		token string
	}
	results := make(chan result, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			device, token, err := RegisterDevice(&models.DeviceRegistration{
				Hostname:     "ws-race",
				OSVersion:    "Ubuntu 24.04",
				AgentVersion: "0.1.0",
			})
			if assert.NoError(t, err) {
				results <- result{id: device.ID, token: token}
			}
		}()
	}
	wg.Wait()
	close(results)

	first := result{}
	got := 0
	for res := range results {
		if got == 0 {
			first = res
		}
		assert.Equal(t, first, res)
		got++
	}
	assert.Equal(t, racers, got)

	var n int64
	require.NoError(t, DB.Model(&models.Device{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestRegisterDeviceStoresOnlyTokenHash(t *testing.T) {
	setupTest(t)

	device, token := registerTestDevice(t, "ws-002")

	assert.NotEmpty(t, token)
	assert.NotEqual(t, token, device.DeviceTokenHash)
	assert.Equal(t, hashToken(token), device.DeviceTokenHash)
}

func TestRegisterDeviceViaAPI(t *testing.T) {
	setupTest(t)
	r := NewRouter()

	w := doRequest(t, r, http.MethodPost, "/v1/agents/register", "", models.DeviceRegistration{
		Hostname:     "ws-003",
		OSVersion:    "Windows 11",
		AgentVersion: "0.1.0",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.DeviceRegistrationResponse
	decodeBody(t, w, &resp)
	assert.NotEmpty(t, resp.DeviceID)
	assert.NotEmpty(t, resp.DeviceToken)

	// Missing fields are rejected before touching the registry.
	w = doRequest(t, r, http.MethodPost, "/v1/agents/register", "", map[string]string{
		"hostname": "ws-004",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	setupTest(t)
	r := NewRouter()

	device, token := registerTestDevice(t, "ws-005")
	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, DB.Model(&models.Device{}).Where("id = ?", device.ID).
		Updates(map[string]any{"last_seen": stale, "status": models.DeviceStatusOffline}).Error)

	w := doRequest(t, r, http.MethodPost, "/v1/agents/"+device.ID+"/heartbeat", token, struct{}{})
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Device
	require.NoError(t, DB.First(&got, "id = ?", device.ID).Error)
	assert.True(t, got.LastSeen.After(stale))
	assert.Equal(t, models.DeviceStatusActive, got.Status)
}

func TestOnlineDerivedFromThreshold(t *testing.T) {
	setupTest(t)

	assert.True(t, isOnline(time.Now().UTC().Add(-9*time.Minute)))
	assert.False(t, isOnline(time.Now().UTC().Add(-11*time.Minute)))
}

func TestListDevicesFilters(t *testing.T) {
	setupTest(t)

	web, _ := registerTestDevice(t, "WEB-SERVER-01")
	db, _ := registerTestDevice(t, "db-server-01")
	registerTestDevice(t, "laptop-42")
	require.NoError(t, DB.Model(&models.Device{}).Where("id = ?", db.ID).
		Update("status", models.DeviceStatusError).Error)

	// Search is case-insensitive on hostname.
	devices, total, err := ListDevices(0, 50, "web-server", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, devices, 1)
	assert.Equal(t, web.ID, devices[0].ID)

	// Status is an exact match on the stored field.
	devices, total, err = ListDevices(0, 50, "", "error")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, devices, 1)
	assert.Equal(t, db.ID, devices[0].ID)

	_, total, err = ListDevices(0, 50, "", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestListDevicesPagination(t *testing.T) {
	setupTest(t)
	r := NewRouter()
	token := adminToken(t)

	for _, hostname := range []string{"pg-1", "pg-2", "pg-3", "pg-4", "pg-5"} {
		registerTestDevice(t, hostname)
	}

	seen := map[string]bool{}
	for page := 1; page <= 3; page++ {
		w := doRequest(t, r, http.MethodGet,
			fmt.Sprintf("/v1/devices?page=%d&limit=2", page), token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Devices    []models.DeviceListItem `json:"devices"`
			Pagination struct {
				Total      int `json:"total"`
				Page       int `json:"page"`
				Limit      int `json:"limit"`
				TotalPages int `json:"total_pages"`
			} `json:"pagination"`
		}
		decodeBody(t, w, &resp)

		assert.Equal(t, 5, resp.Pagination.Total)
		assert.Equal(t, page, resp.Pagination.Page)
		assert.Equal(t, 3, resp.Pagination.TotalPages)
		for _, d := range resp.Devices {
			assert.False(t, seen[d.ID], "device %s returned on more than one page", d.Hostname)
			seen[d.ID] = true
		}
	}
	assert.Len(t, seen, 5)
}

func TestPageParamsBounds(t *testing.T) {
	setupTest(t)
	r := NewRouter()
	token := adminToken(t)

	// Out-of-range values fall back to the defaults.
	w := doRequest(t, r, http.MethodGet, "/v1/devices?page=0&limit=1000", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Pagination struct {
			Page  int `json:"page"`
			Limit int `json:"limit"`
		} `json:"pagination"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, 1, resp.Pagination.Page)
	assert.Equal(t, 50, resp.Pagination.Limit)
}

func TestGetDeviceIncludesDerivedFields(t *testing.T) {
	setupTest(t)
	r := NewRouter()
	token := adminToken(t)

	device, _ := registerTestDevice(t, "ws-006")
	_, created, err := SubmitInventory(device, sampleSubmission("ws-006"))
	require.NoError(t, err)
	require.True(t, created)

	w := doRequest(t, r, http.MethodGet, "/v1/devices/"+device.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var item models.DeviceListItem
	decodeBody(t, w, &item)
	assert.True(t, item.IsOnline)
	require.NotNil(t, item.LatestSnapshot)
	assert.Equal(t, 48, item.UptimeHours)

	w = doRequest(t, r, http.MethodGet, "/v1/devices/no-such-device", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteDeviceCascades(t *testing.T) {
	setupTest(t)
	r := NewRouter()
	token := adminToken(t)

	device, deviceToken := registerTestDevice(t, "ws-007")
	_, _, err := SubmitInventory(device, sampleSubmission("ws-007",
		models.SoftwareItem{Name: "curl", Version: "8.5.0", Publisher: "curl project"}))
	require.NoError(t, err)
	_, err = CreateCommand(device.ID, &models.CommandRequest{CommandType: models.CommandTypeRefreshNow})
	require.NoError(t, err)

	w := doRequest(t, r, http.MethodDelete, "/v1/devices/"+device.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	for _, model := range []any{
		&models.Device{}, &models.Snapshot{}, &models.Volume{},
		&models.SoftwareItem{}, &models.Command{},
	} {
		var n int64
		require.NoError(t, DB.Model(model).Count(&n).Error)
		assert.EqualValues(t, 0, n, "%T rows left after cascade", model)
	}

	// The orphaned agent is told to re-enroll on its next contact.
	w = doRequest(t, r, http.MethodPost, "/v1/agents/"+device.ID+"/heartbeat", deviceToken, struct{}{})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"reregister":true`)
}

func TestDeleteDeviceRequiresAdmin(t *testing.T) {
	setupTest(t)
	r := NewRouter()

	device, _ := registerTestDevice(t, "ws-008")
	w := doRequest(t, r, http.MethodDelete, "/v1/devices/"+device.ID, viewerToken(t), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
