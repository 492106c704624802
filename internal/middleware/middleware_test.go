package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"worksheet-service/internal/auth"
	"worksheet-service/internal/domain"
	apiError "worksheet-service/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUsers map[uint64]*domain.User

func (s stubUsers) GetUserByID(_ context.Context, id uint64) (*domain.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
}

func newAuthRouter(users stubUsers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	auth.SetSecret("test-secret")

	m := &Auth{UserService: users, InternalSecret: "internal"}
	router := gin.New()
	router.Use(ErrorHandler())

	whoami := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": Principal(c).UserID, "user_name": Principal(c).UserName})
	}
	router.GET("/private", m.AuthMiddleWare(), whoami)
	router.GET("/public", m.OptionalAuth(), whoami)
	router.GET("/internal", m.InternalAuthMiddleware(), whoami)
	return router
}

func get(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	users := stubUsers{
		1: {ID: 1, UserName: "alice", IsActive: true, TokenVersion: 2},
		2: {ID: 2, UserName: "bob", IsActive: false},
	}
	router := newAuthRouter(users)

	valid, err := auth.GenerateAccessToken(1, "alice", 2)
	require.NoError(t, err)
	stale, err := auth.GenerateAccessToken(1, "alice", 1)
	require.NoError(t, err)
	inactive, err := auth.GenerateAccessToken(2, "bob", 0)
	require.NoError(t, err)

	w := get(router, "/private", valid)
	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["user_name"])

	assert.Equal(t, http.StatusUnauthorized, get(router, "/private", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/private", "garbage").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/private", stale).Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/private", inactive).Code)

	// token in the query string works too
	assert.Equal(t, http.StatusOK, get(router, "/private?token="+valid, "").Code)
}

func TestOptionalAuth(t *testing.T) {
	router := newAuthRouter(stubUsers{1: {ID: 1, UserName: "alice", IsActive: true}})

	w := get(router, "/public", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":0,"user_name":""}`, w.Body.String())

	token, err := auth.GenerateAccessToken(1, "alice", 0)
	require.NoError(t, err)
	w = get(router, "/public", token)
	assert.JSONEq(t, `{"user_id":1,"user_name":"alice"}`, w.Body.String())

	// a bad token is an error even where anonymous access is fine
	assert.Equal(t, http.StatusUnauthorized, get(router, "/public", "garbage").Code)
}

func TestInternalAuthMiddleware(t *testing.T) {
	router := newAuthRouter(stubUsers{})

	assert.Equal(t, http.StatusOK, get(router, "/internal", "internal").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/internal", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/internal", "").Code)
}

func TestErrorHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandler())
	router.GET("/api", func(c *gin.Context) {
		apiErr := apiError.UnprocessableEntity("Invalid worksheet items", nil)
		apiErr.Fields = map[string]string{"items[0].bundle": "no bundle matches"}
		c.Error(apiErr)
	})
	router.GET("/raw", func(c *gin.Context) {
		c.Error(fmt.Errorf("connection reset"))
	})

	w := get(router, "/api", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"message":"Invalid worksheet items","fields":{"items[0].bundle":"no bundle matches"}}`, w.Body.String())

	w = get(router, "/raw", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}
