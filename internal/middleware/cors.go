package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS оборачивает весь http.Handler сервера, включая websocket upgrade
func CORS(allowedOrigins []string) *cors.Cors {
	allowCredentials := true
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowCredentials = false
		}
	}

	return cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length", "Retry-After"},
		MaxAge:           300,
		AllowCredentials: allowCredentials,
	})
}
