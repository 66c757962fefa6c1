package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"streamvault/internal/logging"
)

// NewRouter builds the gin engine with request logging and routes.
func NewRouter(h *HTTPHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger)
	h.RegisterRoutes(r)
	return r
}

// NewServer wraps the router in CORS handling for the UI webview.
func NewServer(addr string, router http.Handler, origins []string) *http.Server {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
	})

	return &http.Server{
		Addr:              addr,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	logging.WithFields(map[string]interface{}{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"elapsed": time.Since(start).String(),
	}).Debug("HTTP request")
}
