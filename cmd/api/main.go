package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"biotime/internal/attendance"
	"biotime/internal/auth"
	"biotime/internal/config"
	"biotime/internal/deviceclient"
	"biotime/internal/httpmiddleware"
	"biotime/internal/metrics"
	"biotime/internal/orchestrator"
	"biotime/internal/queue"
	"biotime/internal/recordstore"
	"biotime/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if db == nil {
		return err
	}
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "biotime:events")
	}

	device := deviceclient.New(cfg.DeviceServiceURL, cfg.DeviceMock, cfg.CaptureTimeout)
	records := recordstore.New(cfg.RecordStoreURL, cfg.RecordStoreToken)
	m := metrics.New()
	coord := orchestrator.New(device, records, q, m)

	repo := attendance.NewRepository(db.Client)
	att := attendance.NewService(repo, cfg.DedupWindow)

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	// Registration is unauthenticated so it is limited per IP; the main
	// surface is limited per kiosk, after auth has populated the claims.
	registerLimiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	kioskLimiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		devHealth := coord.DeviceHealth(c.Request.Context())
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		// The device failing soft does not take the service down; kiosks
		// poll this field to show the reader state.
		c.JSON(status, gin.H{
			"status":          "ok",
			"redis":           redisHealthy,
			"db":              dbHealthy,
			"device":          devHealth.Connected,
			"device_mock":     devHealth.MockMode,
			"device_enrolled": devHealth.EnrolledCount,
		})
	})

	r.POST("/v1/devices/register", registerLimiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := att.RegisterKiosk(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.DeviceID, auth.RoleKiosk, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.KioskAuth(cfg.JWTSigningKey, cfg.JWTIssuer), kioskLimiter.GinMiddleware())

	authGroup.POST("/enroll/start", func(c *gin.Context) {
		var req struct {
			EmployeeID string `json:"employee_id" binding:"required"`
			FingerNo   int    `json:"finger_no"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		status, err := coord.StartEnrollment(req.EmployeeID, req.FingerNo)
		if err != nil {
			if errors.Is(err, orchestrator.ErrSubjectBusy) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, status)
	})

	authGroup.POST("/enroll/:id/capture", func(c *gin.Context) {
		status, err := coord.EnrollCapture(c.Request.Context(), c.Param("id"))
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	authGroup.POST("/enroll/:id/retry", func(c *gin.Context) {
		status, err := coord.EnrollRetry(c.Request.Context(), c.Param("id"))
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	authGroup.POST("/enroll/:id/cancel", func(c *gin.Context) {
		if err := coord.EnrollCancel(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	})

	authGroup.GET("/enroll/:id", func(c *gin.Context) {
		status, err := coord.EnrollStatus(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	clockHandler := func(action recordstore.Action) gin.HandlerFunc {
		return func(c *gin.Context) {
			var req struct {
				EmployeeID string `json:"employee_id" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			kioskID := kioskFrom(c)

			// Duplicate presses inside the window return the recorded
			// event instead of re-running the capture protocol.
			if dup, err := att.DuplicateOf(c.Request.Context(), req.EmployeeID, kioskID, string(action)); err == nil && dup != nil {
				c.JSON(http.StatusOK, gin.H{"duplicate": true, "event_id": dup.ID, "when": dup.When})
				return
			}

			res, err := coord.RunAction(c.Request.Context(), req.EmployeeID, kioskID, action)
			writeActionResult(c, res, err)
		}
	}

	authGroup.POST("/attendance/clock-in", clockHandler(recordstore.ActionClockIn))
	authGroup.POST("/attendance/clock-out", clockHandler(recordstore.ActionClockOut))

	authGroup.POST("/leaves/authorize", func(c *gin.Context) {
		var req struct {
			EmployeeID string `json:"employee_id" binding:"required"`
			LeaveType  string `json:"leave_type" binding:"required"`
			StartDate  string `json:"start_date" binding:"required"`
			EndDate    string `json:"end_date" binding:"required"`
			Reason     string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := coord.AuthorizeLeave(c.Request.Context(), kioskFrom(c), recordstore.LeaveRequest{
			EmployeeID: req.EmployeeID,
			LeaveType:  req.LeaveType,
			StartDate:  req.StartDate,
			EndDate:    req.EndDate,
			Reason:     req.Reason,
		})
		writeActionResult(c, res, err)
	})

	// Badge-less lookup: one capture, 1:N search over the device cache.
	// The kiosk pre-fills the employee from the result; the clock action
	// itself still runs the full verify cycle.
	authGroup.POST("/attendance/identify", func(c *gin.Context) {
		res, err := coord.IdentifySubject(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"failure": orchestrator.FailureOf(err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"identified":  res.Identified,
			"employee_id": res.UserID,
			"score":       res.Score,
		})
	})

	authGroup.POST("/devices/logout", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := repo.RevokeRefreshToken(c.Request.Context(), req.RefreshToken); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	})

	authGroup.GET("/employees/:id", func(c *gin.Context) {
		emp, err := repo.GetEmployee(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if emp == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown employee"})
			return
		}
		c.JSON(http.StatusOK, emp)
	})

	authGroup.GET("/events", func(c *gin.Context) {
		kioskID := c.Query("device_id")
		employeeID := c.Query("employee_id")
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
		events, err := repo.ListEvents(c.Request.Context(), kioskID, employeeID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.CaptureTimeout, // capture-bound requests hold the connection
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// kioskFrom reads the authenticated kiosk ID from the request claims.
func kioskFrom(c *gin.Context) string {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims.KioskID
}

// writeActionResult maps a verify-and-act outcome to a response. Protocol
// failures keep the taxonomy payload so the kiosk can show the reason and
// the one recovery action.
func writeActionResult(c *gin.Context, res orchestrator.ActionResult, err error) {
	if err != nil {
		if errors.Is(err, orchestrator.ErrSubjectBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
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
