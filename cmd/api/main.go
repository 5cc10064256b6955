package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/cloudinary"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/queue"
	"qrattend/internal/session"
	"qrattend/internal/store"
	"qrattend/internal/token"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("http server failed")
	}
}

func newLogger(cfg config.App) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.Env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func runHTTP(cfg config.App, logger zerolog.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Warn().Err(err).Msg("db not reachable")
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var sessions session.Store
	if cfg.SessionBackend == "memory" {
		sessions = session.NewMemStore()
	} else {
		sessions = session.NewRedisStore(redisClient.Client, cfg.StoreTimeout, cfg.StoreRetries)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:reconcile")
	}

	repo := attendance.NewRepository(db.Client)
	migCtx, migCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := repo.Migrate(migCtx); err != nil {
		logger.Warn().Err(err).Msg("schema migration failed")
	}
	migCancel()

	clock := session.SystemClock()
	manager := session.NewManager(sessions, clock, logger,
		cfg.SessionLifetime, cfg.RotationInterval, cfg.EngineTick, cfg.MaxActiveSessions)
	validator := session.NewValidator(sessions, clock)
	recorder := attendance.NewRecorder(repo, sessions, q, cfg.LateGrace, clock, logger)

	// Cloudinary client (nil when not configured)
	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info().Str("cloud", cfg.CloudinaryCloudName).Msg("cloudinary configured")
	} else {
		logger.Info().Msg("cloudinary not configured, photo uploads disabled")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	// Registered per group after authentication so the limiter sees the token
	// subject; the unauthenticated token route falls back to the client IP.
	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev stand-in for the external identity provider: issues role-scoped
	// tokens for a subject the caller asserts. Behind a real IdP this route
	// disappears and the middleware consumes its tokens instead.
	r.POST("/v1/auth/token", limiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
			Email   string `json:"email"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.Subject, req.Role, req.Email, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	faculty := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleFaculty), limiter.GinMiddleware())

	faculty.POST("/sessions", func(c *gin.Context) {
		var req struct {
			School  string `json:"school" binding:"required"`
			Batch   string `json:"batch" binding:"required"`
			Subject string `json:"subject" binding:"required"`
			Periods int    `json:"periods"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := auth.FromContext(c)
		s, err := manager.Start(c.Request.Context(), claims.Subject, token.Class{
			School:  req.School,
			Batch:   req.Batch,
			Subject: req.Subject,
			Periods: req.Periods,
		})
		if err != nil {
			if errors.Is(err, session.ErrSessionLimit) {
				c.JSON(http.StatusConflict, gin.H{"error": "active session limit reached"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"session_id": s.ID,
			"created_at": s.CreatedAt,
			"expires_at": s.ExpiresAt,
			"rotation":   s.Rotation,
			"payload":    s.Payload,
		})
	})

	faculty.GET("/sessions", func(c *gin.Context) {
		claims := auth.FromContext(c)
		active, err := manager.ListActive(c.Request.Context(), claims.Subject)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		out := make([]gin.H, 0, len(active))
		for _, s := range active {
			out = append(out, gin.H{
				"session_id":    s.ID,
				"subject":       s.Class.Subject,
				"batch":         s.Class.Batch,
				"created_at":    s.CreatedAt,
				"expires_at":    s.ExpiresAt,
				"rotation":      s.Rotation,
				"present_count": s.PresentCount,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	})

	faculty.GET("/sessions/:id/payload", func(c *gin.Context) {
		s, ok := loadOwnedSession(c, manager)
		if !ok {
			return
		}
		if s.ExpiredAt(time.Now()) {
			c.JSON(http.StatusGone, gin.H{"error": "session expired"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"payload":       s.Payload,
			"rotation":      s.Rotation,
			"expires_at":    s.ExpiresAt,
			"present_count": s.PresentCount,
		})
	})

	faculty.GET("/sessions/:id/qr.png", func(c *gin.Context) {
		s, ok := loadOwnedSession(c, manager)
		if !ok {
			return
		}
		if s.ExpiredAt(time.Now()) {
			c.JSON(http.StatusGone, gin.H{"error": "session expired"})
			return
		}
		size := 256
		if v := c.Query("size"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				size = parsed
			}
		}
		img, err := token.PNG(s.Payload, size)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", img)
	})

	faculty.DELETE("/sessions/:id", func(c *gin.Context) {
		claims := auth.FromContext(c)
		err := manager.Deactivate(c.Request.Context(), c.Param("id"), claims.Subject)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "expired"})
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		case errors.Is(err, session.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not session owner"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		}
	})

	faculty.GET("/sessions/:id/records", func(c *gin.Context) {
		s, ok := loadOwnedSession(c, manager)
		if !ok {
			return
		}
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		records, err := repo.ListBySession(c.Request.Context(), s.ID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"records":       records,
			"present_count": s.PresentCount,
		})
	})

	student := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent), limiter.GinMiddleware())

	student.POST("/scan", func(c *gin.Context) {
		var req struct {
			Payload string `json:"payload" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		acc, reason, err := validator.Scan(c.Request.Context(), req.Payload)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		if reason != "" {
			c.JSON(rejectStatus(reason), gin.H{"accepted": false, "reason": reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"accepted":   true,
			"session_id": acc.Session.ID,
			"rotation":   acc.Payload.Rotation,
			"subject":    acc.Session.Class.Subject,
			"batch":      acc.Session.Class.Batch,
			"expires_at": acc.Session.ExpiresAt,
		})
	})

	student.POST("/attendance", func(c *gin.Context) {
		var req struct {
			Payload  string `json:"payload" binding:"required"`
			PhotoURL string `json:"photo_url"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		acc, reason, err := validator.Authorize(c.Request.Context(), req.Payload)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		if reason != "" {
			c.JSON(rejectStatus(reason), gin.H{"accepted": false, "reason": reason})
			return
		}
		claims := auth.FromContext(c)
		result, err := recorder.Record(c.Request.Context(), acc.Session, claims.Subject, acc.Payload.Rotation, req.PhotoURL)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record write failed"})
			return
		}
		status := http.StatusCreated
		switch result.Outcome {
		case attendance.OutcomeAlreadyRecorded:
			status = http.StatusOK
		case attendance.OutcomePartialWrite:
			status = http.StatusAccepted
		}
		c.JSON(status, result)
	})

	// Uploads a verification photo (base64 data URL or multipart file) and
	// returns the opaque reference submitted with /v1/attendance.
	student.POST("/uploads", func(c *gin.Context) {
		if cdnClient == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "photo storage not configured"})
			return
		}

		var result *cloudinary.UploadResult
		var err error
		if strings.Contains(c.ContentType(), "multipart/form-data") {
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			result, err = cdnClient.UploadBytes(data, header.Filename, c.Request.FormValue("session_id"))
		} else {
			var body struct {
				Data      string `json:"data" binding:"required"`
				SessionID string `json:"session_id"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
				return
			}
			result, err = cdnClient.UploadBase64(body.Data, body.SessionID)
		}

		if err != nil {
			logger.Error().Err(err).Msg("cloudinary upload failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "photo upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":       result.SecureURL,
			"public_id": result.PublicID,
			"bytes":     result.Bytes,
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Expire local sessions first so students aren't left scanning a payload
	// nothing will rotate or honor.
	manager.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced shutdown")
	}
	logger.Info().Msg("server exited")
	return nil
}

// loadOwnedSession fetches the path session and enforces creator ownership,
// writing the error response itself when the load fails.
func loadOwnedSession(c *gin.Context, manager *session.Manager) (*session.Session, bool) {
	s, err := manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		}
		return nil, false
	}
	if s.FacultyID != auth.FromContext(c).Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "not session owner"})
		return nil, false
	}
	return s, true
}

// rejectStatus maps a validation reject to an HTTP status: client-input
// problems are 400s, temporal/state problems are 409s.
func rejectStatus(reason session.RejectReason) int {
	switch reason {
	case session.MalformedPayload, session.TamperedPayload:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
