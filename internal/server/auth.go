// JWT session authentication for dashboard users and bearer-token
// authentication for device agents.
package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/fleetrack/fleetrack/internal/models"
)

// ─── JWT dashboard auth ───────────────────────────────────────────────────────

// Claims is the payload embedded in every JWT issued by /v1/auth/login.
type Claims struct {
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	Role     models.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed HS256 token for a user, valid for the
// configured expiry (24h by default). There is no refresh: re-login on
// expiry.
func GenerateJWT(user *models.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(conf.JWTExpiry)
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleetrack",
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(conf.JWTSecret))
	return signed, expiresAt, err
}

// parseJWT validates a token string and returns the claims.
func parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(conf.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// bearerToken extracts the credential from "Authorization: Bearer <token>".
func bearerToken(c *gin.Context) (string, bool) {
	raw := c.GetHeader("Authorization")
	if raw == "" {
		return "", false
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// JWTMiddleware validates dashboard session tokens. On success the claims
// are stored in the Gin context under "claims". Missing, malformed or
// expired tokens abort with 401.
func JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or malformed Authorization header",
			})
			return
		}
		claims, err := parseJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

// RequireAdmin rejects viewer tokens with 403. Must run after
// JWTMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := currentClaims(c)
		if claims == nil || claims.Role != models.UserRoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin role required",
			})
			return
		}
		c.Next()
	}
}

func currentClaims(c *gin.Context) *Claims {
	v, ok := c.Get("claims")
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// ─── Device-token agent auth ─────────────────────────────────────────────────

// deviceTokenFor derives the stable device token for a device id. The same
// id always yields the same token, so re-registration returns the identical
// credential without any plaintext stored at rest.
func deviceTokenFor(deviceID string) string {
	mac := hmac.New(sha256.New, []byte(conf.DeviceTokenKey))
	mac.Write([]byte(deviceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// hashToken is the at-rest form of a device token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DeviceAuthMiddleware validates the agent bearer token for
// /v1/agents/:device_id/* routes.
//
// Unknown device ids answer 202 with a reregister flag instead of a hard
// error, so an agent whose device record was deleted re-enrolls instead of
// stalling in a retry loop. A known device with a wrong token is a real
// credential failure and gets 401.
func DeviceAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or malformed Authorization header",
			})
			return
		}

		deviceID := c.Param("device_id")
		var device models.Device
		err := DB.First(&device, "id = ?", deviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.AbortWithStatusJSON(http.StatusAccepted, gin.H{
				"success":    false,
				"reregister": true,
			})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "device lookup failed",
			})
			return
		}

		presented := hashToken(token)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(device.DeviceTokenHash)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid device token",
			})
			return
		}

		c.Set("device", &device)
		c.Next()
	}
}

func currentDevice(c *gin.Context) *models.Device {
	v, ok := c.Get("device")
	if !ok {
		return nil
	}
	device, _ := v.(*models.Device)
	return device
}
