// REST API surface. Agent routes are device-token protected; dashboard
// routes require a JWT session, with the state-changing ones restricted to
// admins.
package server

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the Gin engine with all routes registered.
func NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())
	if conf.RateLimitEnabled {
		r.Use(rateLimitMiddleware())
	}

	// Liveness probe, unauthenticated.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")

	// ── Agent routes ─────────────────────────────────────────────────────────
	agents := v1.Group("/agents")
	agents.POST("/register", handleRegisterDevice)

	agentAuthed := agents.Group("/:device_id", DeviceAuthMiddleware())
	agentAuthed.POST("/heartbeat", handleHeartbeat)
	agentAuthed.POST("/inventory", handleSubmitInventory)
	agentAuthed.GET("/commands/next", handlePollNextCommand)
	agentAuthed.POST("/commands/:command_id/report", handleReportCommand)

	// ── Dashboard routes ─────────────────────────────────────────────────────
	v1.POST("/auth/login", handleLogin)

	authed := v1.Group("", JWTMiddleware())

	devices := authed.Group("/devices")
	devices.GET("", handleListDevices)
	devices.GET("/:device_id", handleGetDevice)
	devices.DELETE("/:device_id", RequireAdmin(), handleDeleteDevice)
	devices.GET("/:device_id/snapshots", handleListSnapshots)
	devices.GET("/:device_id/snapshots/:snapshot_id", handleGetSnapshot)
	devices.GET("/:device_id/commands", handleListDeviceCommands)
	devices.POST("/:device_id/commands", RequireAdmin(), handleCreateCommand)

	authed.GET("/software", handleListSoftwareCatalog)

	users := authed.Group("/users")
	users.GET("", handleListUsers)
	users.GET("/:user_id", handleGetUser)
	users.POST("", RequireAdmin(), handleCreateUser)
	users.PUT("/:user_id", RequireAdmin(), handleUpdateUser)
	users.DELETE("/:user_id", RequireAdmin(), handleDeleteUser)

	authed.GET("/audit-logs", RequireAdmin(), handleListAuditLogs)

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// errorJSON writes the shared error envelope.
func errorJSON(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// pageParams parses 1-indexed pagination query parameters with the shared
// defaults and bounds.
func pageParams(c *gin.Context) (page, limit, offset int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}
	return page, limit, (page - 1) * limit
}

// paginated writes a list response with the shared pagination envelope
// under a resource-named key, e.g. {"devices": [...], "pagination": {...}}.
func paginated(c *gin.Context, key string, items any, total int64, page, limit int) {
	c.JSON(http.StatusOK, gin.H{
		key: items,
		"pagination": gin.H{
			"total":       total,
			"page":        page,
			"limit":       limit,
			"total_pages": int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}
