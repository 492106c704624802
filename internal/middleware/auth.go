package middleware

import (
	"context"
	"strings"

	"worksheet-service/internal/auth"
	"worksheet-service/internal/domain"
	"worksheet-service/internal/errors"

	"github.com/gin-gonic/gin"
)

type UserProvider interface {
	GetUserByID(ctx context.Context, id uint64) (*domain.User, error)
}

type Auth struct {
	UserService    UserProvider
	InternalSecret string
}

// AuthMiddleWare rejects requests without a valid access token.
func (m *Auth) AuthMiddleWare() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := bearerToken(ctx)
		if token == "" {
			ctx.Error(errors.Unauthorized("Authorization is not found!", nil))
			ctx.Abort()
			return
		}

		if apiErr := m.authenticate(ctx, token); apiErr != nil {
			ctx.Error(apiErr)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// OptionalAuth identifies the caller when a token is present and lets
// anonymous requests through. A token that is present but invalid is still
// rejected.
func (m *Auth) OptionalAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := bearerToken(ctx)
		if token == "" {
			ctx.Next()
			return
		}

		if apiErr := m.authenticate(ctx, token); apiErr != nil {
			ctx.Error(apiErr)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

func (m *Auth) authenticate(ctx *gin.Context, token string) *errors.APIError {
	parsedToken, err := auth.VerifyJWT(token)
	if err != nil {
		return errors.Unauthorized("Invalid token!", err)
	}

	userID, userName, tokenVersion, err := auth.GetDataFromToken(parsedToken)
	if err != nil {
		return errors.Unauthorized("Invalid token!", err)
	}

	user, err := m.UserService.GetUserByID(ctx.Request.Context(), userID)
	if err != nil {
		return errors.Unauthorized("Invalid User ID!", err)
	}
	if !user.IsActive {
		return errors.Unauthorized("User is deactivated!", nil)
	}

	// Check token version
	if user.TokenVersion != tokenVersion {
		return errors.Unauthorized("Invalid token version!", nil)
	}

	if userName == "" {
		userName = user.UserName
	}
	ctx.Set("user_name", userName)
	ctx.Set("user_id", userID)
	ctx.Set("jwt_token", token)
	return nil
}

func bearerToken(ctx *gin.Context) string {
	if header := ctx.GetHeader("Authorization"); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ctx.Query("token")
}

// Principal returns the identity set by the auth middleware, or the anonymous
// principal.
func Principal(ctx *gin.Context) domain.Principal {
	var p domain.Principal
	if id, ok := ctx.Get("user_id"); ok {
		p.UserID, _ = id.(uint64)
	}
	if name, ok := ctx.Get("user_name"); ok {
		p.UserName, _ = name.(string)
	}
	return p
}

func (m *Auth) InternalAuthMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := strings.TrimPrefix(
			ctx.GetHeader("Authorization"),
			"Bearer ",
		)

		if m.InternalSecret == "" || token != m.InternalSecret {
			ctx.Error(errors.Unauthorized("Unauthorized internal call!", nil))
			ctx.Abort()
			return
		}

		ctx.Next()
	}
}
