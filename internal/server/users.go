// Dashboard user accounts and login.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/fleetrack/fleetrack/internal/models"
)

const bcryptCost = 12

// errLastAdmin guards the invariant that at least one admin account always
// remains.
var errLastAdmin = errors.New("last admin account")

// bootstrapAdmin seeds the configured admin account when the users table is
// empty, so a fresh deployment is immediately usable.
func bootstrapAdmin() error {
	var n int64
	if err := DB.Model(&models.User{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(conf.AdminPass), bcryptCost)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	admin := models.User{
		ID:           uuid.NewString(),
		Username:     conf.AdminUser,
		PasswordHash: string(hash),
		Role:         models.UserRoleAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := DB.Create(&admin).Error; err != nil {
		return err
	}
	log.Info().Str("component", "users").Str("username", admin.Username).
		Msg("bootstrap admin created")
	return nil
}

func handleLogin(c *gin.Context) {
	var req models.UserLogin
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "username and password required")
		return
	}

	var user models.User
	err := DB.Where("username = ?", req.Username).First(&user).Error
	if err == nil {
		err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password))
	}
	if err != nil {
		auditAppend(&models.AuditLogEntry{
			Action:    "login_failed",
			Details:   jsonDetails(gin.H{"username": req.Username}),
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		errorJSON(c, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expiresAt, err := GenerateJWT(&user)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to generate token")
		return
	}

	auditAppend(&models.AuditLogEntry{
		UserID:    &user.ID,
		Action:    "login",
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}

func handleListUsers(c *gin.Context) {
	page, limit, offset := pageParams(c)

	var total int64
	if err := DB.Model(&models.User{}).Count(&total).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to count users")
		return
	}

	users := []models.User{}
	err := DB.Order("created_at DESC").Limit(limit).Offset(offset).Find(&users).Error
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to list users")
		return
	}
	paginated(c, "users", users, total, page, limit)
}

func handleGetUser(c *gin.Context) {
	var user models.User
	err := DB.First(&user, "id = ?", c.Param("user_id")).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		errorJSON(c, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "user lookup failed")
		return
	}
	c.JSON(http.StatusOK, user)
}

func handleCreateUser(c *gin.Context) {
	var req models.UserRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "username, password and role are required")
		return
	}
	if req.Role != models.UserRoleViewer && req.Role != models.UserRoleAdmin {
		errorJSON(c, http.StatusBadRequest, "role must be viewer or admin")
		return
	}

	var n int64
	if err := DB.Model(&models.User{}).Where("username = ?", req.Username).
		Count(&n).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "user lookup failed")
		return
	}
	if n > 0 {
		errorJSON(c, http.StatusConflict, "username already exists")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to hash password")
		return
	}

	now := time.Now().UTC()
	user := models.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := DB.Create(&user).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to create user")
		return
	}

	auditFromContext(c, "create_user", nil, gin.H{"username": user.Username, "role": user.Role})
	c.JSON(http.StatusCreated, user)
}

func handleUpdateUser(c *gin.Context) {
	userID := c.Param("user_id")

	var user models.User
	err := DB.First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		errorJSON(c, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "user lookup failed")
		return
	}

	var req models.UserUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if req.Password != nil && *req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcryptCost)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "failed to hash password")
			return
		}
		updates["password_hash"] = string(hash)
	}
	demoting := false
	if req.Role != nil {
		if *req.Role != models.UserRoleViewer && *req.Role != models.UserRoleAdmin {
			errorJSON(c, http.StatusBadRequest, "role must be viewer or admin")
			return
		}
		// Demoting the last admin would lock everyone out, same as deleting
		// them.
		demoting = user.Role == models.UserRoleAdmin && *req.Role != models.UserRoleAdmin
		updates["role"] = *req.Role
	}

	// Guard and write share a transaction so two concurrent demotions
	// cannot both pass the count.
	err = DB.Transaction(func(tx *gorm.DB) error {
		if demoting {
			lastAdmin, err := isLastAdmin(tx)
			if err != nil {
				return err
			}
			if lastAdmin {
				return errLastAdmin
			}
		}
		return tx.Model(&user).Updates(updates).Error
	})
	if errors.Is(err, errLastAdmin) {
		errorJSON(c, http.StatusConflict, "cannot demote the last admin user")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to update user")
		return
	}

	auditFromContext(c, "update_user", nil, gin.H{"username": user.Username})

	if err := DB.First(&user, "id = ?", userID).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to reload user")
		return
	}
	c.JSON(http.StatusOK, user)
}

func handleDeleteUser(c *gin.Context) {
	userID := c.Param("user_id")

	var user models.User
	err := DB.First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		errorJSON(c, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "user lookup failed")
		return
	}

	// Guard and delete share a transaction so concurrent deletes of two
	// admins cannot both pass the count and empty the admin set.
	err = DB.Transaction(func(tx *gorm.DB) error {
		if user.Role == models.UserRoleAdmin {
			lastAdmin, err := isLastAdmin(tx)
			if err != nil {
				return err
			}
			if lastAdmin {
				return errLastAdmin
			}
		}
		return tx.Delete(&models.User{}, "id = ?", userID).Error
	})
	if errors.Is(err, errLastAdmin) {
		errorJSON(c, http.StatusConflict, "cannot delete the last admin user")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to delete user")
		return
	}

	auditFromContext(c, "delete_user", nil, gin.H{"username": user.Username})
	c.Status(http.StatusNoContent)
}

// isLastAdmin reports whether at most one admin account remains.
func isLastAdmin(tx *gorm.DB) (bool, error) {
	var n int64
	err := tx.Model(&models.User{}).Where("role = ?", models.UserRoleAdmin).
		Count(&n).Error
	return n <= 1, err
}
