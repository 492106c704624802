package user

import (
	"net/http"

	"worksheet-service/internal/auth"
	"worksheet-service/internal/config"
	"worksheet-service/internal/domain"
	"worksheet-service/internal/errors"
	"worksheet-service/internal/middleware"
	"worksheet-service/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler handles HTTP requests for users and groups
type Handler struct {
	service Service
}

// NewHandler creates a new user handler
func NewHandler(service Service) *Handler {
	utils.RegisterValidators()
	return &Handler{service: service}
}

// FormLogin represents login form data
type FormLogin struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// FormRegister represents registration form data
type FormRegister struct {
	UserName string `json:"user_name" binding:"required,max=255,worksheetname"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

type FormGroup struct {
	Name string `json:"name" binding:"required,max=255,worksheetname"`
}

type FormMember struct {
	UserName string `json:"user_name" binding:"required"`
	IsAdmin  bool   `json:"is_admin"`
}

// Register handles user registration
func (h *Handler) Register(c *gin.Context) {
	var form FormRegister
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	user := &domain.User{
		UserName: form.UserName,
		Email:    form.Email,
		Password: form.Password,
		IsActive: true,
	}

	if err := h.service.Register(c.Request.Context(), user); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user.ToSafeUser()})
}

// Login handles user login
func (h *Handler) Login(c *gin.Context) {
	var form FormLogin
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	user, err := h.service.Login(c.Request.Context(), form.Email, form.Password)
	if err != nil {
		c.Error(err)
		return
	}

	accessToken, err := auth.GenerateAccessToken(user.ID, user.UserName, user.TokenVersion)
	if err != nil {
		c.Error(errors.Internal(err))
		return
	}
	refreshToken, err := auth.GenerateRefreshToken(user.ID, user.UserName, user.TokenVersion)
	if err != nil {
		c.Error(errors.Internal(err))
		return
	}

	// Set refresh token as HttpOnly cookie
	c.SetCookie(
		"refresh_token",
		refreshToken,
		7*24*3600,
		"/",
		"",
		config.AppConfig.Environment == "production", // Secure
		true, // HttpOnly
	)

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"user":         user.ToSafeUser(),
	})
}

func (h *Handler) RefreshToken(c *gin.Context) {
	refreshToken, err := c.Cookie("refresh_token")
	if err != nil {
		c.Error(errors.Unauthorized("Refresh token is not found!", err))
		return
	}

	token, err := auth.VerifyJWT(refreshToken)
	if err != nil {
		c.Error(errors.Unauthorized("Invalid token or expired!", err))
		return
	}

	userID, _, tokenVersion, err := auth.GetDataFromToken(token)
	if err != nil {
		c.Error(errors.Unauthorized("Invalid token", err))
		return
	}

	user, err := h.service.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		c.Error(errors.Unauthorized("User not found", err))
		return
	}

	// Check token version
	if user.TokenVersion != tokenVersion {
		c.Error(errors.Unauthorized("Invalid token!", nil))
		return
	}

	// Issue new access token
	newAccessToken, err := auth.GenerateAccessToken(user.ID, user.UserName, user.TokenVersion)
	if err != nil {
		c.Error(errors.Internal(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": newAccessToken,
	})
}

// Logout handles user logout
func (h *Handler) Logout(c *gin.Context) {
	principal := middleware.Principal(c)

	if err := h.service.IncreaseTokenVersion(c.Request.Context(), principal.UserID); err != nil {
		log.Warn().Err(err).Uint64("user_id", principal.UserID).Msg("failed to revoke tokens")
	}
	// Clear refresh cookie
	c.SetCookie("refresh_token", "", -1, "/", "", true, true)
	c.Status(http.StatusNoContent)
}

// GetProfile handles getting the current user's profile
func (h *Handler) GetProfile(c *gin.Context) {
	principal := middleware.Principal(c)
	if !principal.Authenticated() {
		c.Error(errors.Unauthorized("user not found", nil))
		return
	}

	user, err := h.service.GetUserByID(c.Request.Context(), principal.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, user.ToSafeUser())
}

// DeleteProfile deactivates the caller's own account. Outstanding tokens stop
// working because the auth middleware rejects inactive users.
func (h *Handler) DeleteProfile(c *gin.Context) {
	principal := middleware.Principal(c)
	if !principal.Authenticated() {
		c.Error(errors.Unauthorized("user not found", nil))
		return
	}

	if err := h.service.DeactivateUser(c.Request.Context(), principal.UserID); err != nil {
		c.Error(err)
		return
	}
	log.Info().Uint64("user_id", principal.UserID).Msg("account deactivated")
	c.SetCookie("refresh_token", "", -1, "/", "", true, true)
	c.Status(http.StatusNoContent)
}

func (h *Handler) SearchUsers(c *gin.Context) {
	users, err := h.service.SearchUsers(c.Request.Context(), c.Query("q"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": users})
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var form FormGroup
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	group, err := h.service.CreateGroup(c.Request.Context(), middleware.Principal(c), form.Name)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, group)
}

func (h *Handler) AddMember(c *gin.Context) {
	var form FormMember
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	err := h.service.AddMember(c.Request.Context(), middleware.Principal(c), c.Param("uuid"), form.UserName, form.IsAdmin)
	if err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}
