package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

var secret []byte

// SetSecret installs the HMAC key used to sign and verify tokens.
func SetSecret(s string) {
	secret = []byte(s)
}

func GenerateAccessToken(userID uint64, userName string, tokenVersion uint64) (string, error) {
	return generate(userID, userName, tokenVersion, accessTokenTTL)
}

func GenerateRefreshToken(userID uint64, userName string, tokenVersion uint64) (string, error) {
	return generate(userID, userName, tokenVersion, refreshTokenTTL)
}

func generate(userID uint64, userName string, tokenVersion uint64, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":       userID,
		"user_name":     userName,
		"token_version": tokenVersion,
		"exp":           time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func VerifyJWT(tokenString string) (*jwt.Token, error) {
	jwtToken, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	if !jwtToken.Valid {
		return nil, errors.New("token invalid")
	}

	return jwtToken, nil
}

// GetDataFromToken extracts the user id, user name and token version claims.
func GetDataFromToken(token *jwt.Token) (uint64, string, uint64, error) {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, "", 0, errors.New("invalid claims")
	}

	// JSON numbers decode as float64
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, "", 0, errors.New("user_id claim missing")
	}
	version, ok := claims["token_version"].(float64)
	if !ok {
		return 0, "", 0, errors.New("token_version claim missing")
	}
	userName, _ := claims["user_name"].(string)

	return uint64(userID), userName, uint64(version), nil
}
