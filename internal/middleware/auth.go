package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"stay_booking/pkg/logger"
)

const (
	ContextUserID      = "user_id"
	ContextDisplayName = "user_display_name"
)

// AuthMiddleware валидирует JWT токены внешнего провайдера аутентификации
type AuthMiddleware struct {
	jwtSecret []byte
	issuer    string
	log       logger.Logger
}

// JWTClaims - user_id или sub идентифицирует пользователя
type JWTClaims struct {
	UserID      string `json:"user_id,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

func (c *JWTClaims) ID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

func NewAuthMiddleware(jwtSecret, issuer string, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		log:       log,
	}
}

// RequireAuth требует валидный токен в заголовке Authorization.
// Браузер не умеет выставлять заголовки при открытии websocket,
// поэтому для него принимается ?access_token=.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := bearerToken(c)
		if err != nil {
			m.log.Warn("Missing or malformed credentials", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := m.ParseToken(tokenString)
		if err != nil {
			m.log.Warn("Token validation failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(ContextUserID, claims.ID())
		c.Set(ContextDisplayName, claims.DisplayName)
		c.Next()
	}
}

// ParseToken парсит и валидирует JWT токен
func (m *AuthMiddleware) ParseToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.ID() == "" {
		return nil, fmt.Errorf("token has no user id")
	}
	return claims, nil
}

// UserID - id аутентифицированного пользователя из контекста запроса
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func DisplayName(c *gin.Context) string {
	return c.GetString(ContextDisplayName)
}

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("Authorization header required")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("Invalid authorization header format")
	}
	return parts[1], nil
}
