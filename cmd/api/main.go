package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"busattend/internal/attendance"
	"busattend/internal/auth"
	"busattend/internal/blobstore"
	"busattend/internal/calendar"
	"busattend/internal/config"
	"busattend/internal/gateway"
	"busattend/internal/httpmiddleware"
	"busattend/internal/notify"
	"busattend/internal/roster"
	"busattend/internal/store"
	"busattend/internal/verify"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisDB)

	var q notify.Queue
	if cfg.QueueBackend == "memory" {
		q = notify.NewInMemory(64)
	} else {
		q = notify.NewRedisQueue(redisClient.Client, "busattend:notifications")
	}

	rosterRepo := roster.NewRepository(db.Client, redisClient.Client, 10*time.Minute)
	attRepo := attendance.NewRepository(db.Client)
	calRepo := calendar.NewRepository(db.Client)

	engine := verify.NewEngine(cfg.ConfidenceThreshold)
	coordinator := verify.NewCoordinator(engine, rosterRepo, cfg.RetryCounterSize, cfg.FetchTimeout)
	pipeline := attendance.NewService(attRepo, calRepo, cfg.JitterWindow)

	cutoffHour, cutoffMinute, err := config.ParseClock(cfg.MiddayCutoff)
	if err != nil {
		log.Printf("bad MIDDAY_CUTOFF: %v, using 12:00", err)
		cutoffHour, cutoffMinute = 12, 0
	}
	gw := gateway.New(rosterRepo, coordinator, pipeline, q, attRepo, cutoffHour, cutoffMinute)

	// Blob store client (nil when not configured)
	var blobClient *blobstore.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		blobClient = blobstore.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("blob store configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("blob store not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	// Unauthenticated routes are limited per client IP; the scan routes get
	// their own limiter behind DeviceAuth so each device has its own bucket
	// even when a fleet shares one NAT address.
	ipLimiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	deviceLimiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", ipLimiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := rosterRepo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.DeviceID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = rosterRepo.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/devices/refresh", ipLimiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		pair, err := auth.Refresh(c.Request.Context(), rosterRepo, req.RefreshToken,
			cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrBadCredential.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"expires_at":    pair.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer), deviceLimiter.GinMiddleware())

	authGroup.POST("/scans", func(c *gin.Context) {
		var req struct {
			TagID     string    `json:"tag_id" binding:"required"`
			Signature []float64 `json:"signature"`
			PhotoRef  *string   `json:"photo_ref"`
			Latitude  *float64  `json:"latitude"`
			Longitude *float64  `json:"longitude"`
			Timestamp string    `json:"timestamp" binding:"required"`
			Trip      string    `json:"trip" binding:"omitempty,oneof=AM PM"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ts, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be RFC 3339"})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.DeviceClaims)

		ack, err := gw.Process(c.Request.Context(), gateway.ScanRequest{
			DeviceID:  claims.DeviceID,
			TagID:     req.TagID,
			Signature: req.Signature,
			PhotoRef:  req.PhotoRef,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			Timestamp: ts,
			Trip:      attendance.Trip(req.Trip),
		})
		if err != nil {
			writeScanError(c, err)
			return
		}
		c.JSON(http.StatusOK, ack)
	})

	// Upload endpoint — stores a scan photo under its student/date/trip key
	// and returns the opaque reference to send with /v1/scans.
	authGroup.POST("/upload", func(c *gin.Context) {
		if blobClient == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "photo storage not configured"})
			return
		}

		contentType := c.ContentType()
		var result *blobstore.UploadResult
		var err error

		switch {
		case strings.Contains(contentType, "multipart/form-data"):
			studentID := c.PostForm("student_id")
			trip := c.PostForm("trip")
			if studentID == "" || trip == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "student_id and trip fields required"})
				return
			}
			file, _, ferr := c.Request.FormFile("file")
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
			ref := blobstore.ScanRef(studentID, time.Now().UTC(), trip)
			result, err = blobClient.UploadBytes(data, ref)

		default:
			var body struct {
				StudentID string `json:"student_id" binding:"required"`
				Trip      string `json:"trip" binding:"required,oneof=AM PM"`
				Data      string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide student_id, trip and base64 data"})
				return
			}
			ref := blobstore.ScanRef(body.StudentID, time.Now().UTC(), body.Trip)
			result, err = blobClient.UploadScanPhoto(body.Data, ref)
		}

		if err != nil {
			log.Printf("scan photo upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "photo upload failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"photo_ref": result.PublicID,
			"url":       result.SecureURL,
			"bytes":     result.Bytes,
		})
	})

	authGroup.GET("/records", func(c *gin.Context) {
		day, err := time.Parse("2006-01-02", c.Query("day"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
		trip := attendance.Trip(c.Query("trip"))
		limit, offset := 100, 0
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
		records, err := attRepo.List(c.Request.Context(), day, trip, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// writeScanError maps the pipeline error taxonomy onto HTTP responses. The
// device always gets a definitive answer or an explicitly retryable failure.
func writeScanError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, roster.ErrTagUnknown):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tag"})
	case errors.Is(err, attendance.ErrAlreadyComplete):
		c.JSON(http.StatusConflict, gin.H{"error": "trip already complete"})
	case errors.Is(err, attendance.ErrFinalizeConflict):
		// Another scan won the finalize race; its record stands.
		c.JSON(http.StatusConflict, gin.H{"error": "scan finalized concurrently"})
	case errors.Is(err, attendance.ErrStoreUnavailable):
		// Nothing was committed; the device should resubmit.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
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
