// Package httpapi exposes the member, attendance and payment operations
// over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gymtrack/internal/auth"
	"gymtrack/internal/config"
	"gymtrack/internal/httpmiddleware"
	"gymtrack/internal/media"
	"gymtrack/internal/member"
)

// PhotoUploader stores member photos.
type PhotoUploader interface {
	UploadDataURL(ctx context.Context, publicID, data string) (media.Photo, error)
	UploadBytes(ctx context.Context, publicID, filename string, data []byte) (media.Photo, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options carries the settings the handlers need.
type Options struct {
	JWTIssuer         string
	JWTSigningKey     string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	AdminUser         string
	AdminPasswordHash string
	RateLimitPerMin   int
	CORSOrigins       []string
	Pix               config.Pix
}

// OptionsFrom picks the HTTP settings out of the app config.
func OptionsFrom(cfg config.App) Options {
	return Options{
		JWTIssuer:         cfg.JWTIssuer,
		JWTSigningKey:     cfg.JWTSigningKey,
		AccessTTL:         cfg.AccessTTL,
		RefreshTTL:        cfg.RefreshTTL,
		AdminUser:         cfg.AdminUser,
		AdminPasswordHash: cfg.AdminPasswordHash,
		RateLimitPerMin:   cfg.RateLimitPerMin,
		CORSOrigins:       cfg.CORSOrigins,
		Pix:               cfg.Rules.Pix,
	}
}

// Server holds the handler dependencies.
type Server struct {
	opts    Options
	members *member.Service
	photos  PhotoUploader
	health  map[string]HealthCheck
	log     zerolog.Logger
}

// New creates a server. photos may be nil when uploads are not configured.
func New(opts Options, members *member.Service, photos PhotoUploader, health map[string]HealthCheck, log zerolog.Logger) *Server {
	return &Server{
		opts:    opts,
		members: members,
		photos:  photos,
		health:  health,
		log:     log,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(httpmiddleware.RequestLogger(s.log, "/healthz", "/metrics"))
	r.Use(httpmiddleware.Recovery())
	r.Use(cors.New(s.corsConfig()))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	limiter := httpmiddleware.NewSimpleTokenBucket(s.opts.RateLimitPerMin, s.opts.RateLimitPerMin).GinMiddleware()
	v1 := r.Group("/v1")
	v1.POST("/auth/token", limiter, s.issueToken)

	bearer := auth.Bearer(s.opts.JWTSigningKey, s.opts.JWTIssuer)

	me := v1.Group("/me", bearer, limiter, auth.RequireRole(auth.RoleMember))
	me.GET("", s.getMe)
	me.POST("/checkins", s.checkIn)
	me.GET("/history", s.history)
	me.GET("/stats", s.stats)
	me.POST("/payments/report", s.reportPayment)
	me.GET("/pix", s.pix)
	me.POST("/photo", s.uploadPhoto)
	me.POST("/dependents", s.addDependent)
	me.PUT("/dependents/:dep", s.updateDependent)
	me.DELETE("/dependents/:dep", s.removeDependent)
	me.POST("/dependents/:dep/checkins", s.checkIn)
	me.GET("/dependents/:dep/history", s.history)
	me.GET("/dependents/:dep/stats", s.stats)
	me.POST("/dependents/:dep/payments/report", s.reportPayment)
	me.GET("/dependents/:dep/pix", s.pix)

	admin := v1.Group("/admin", bearer, limiter, auth.RequireRole(auth.RoleAdmin))
	admin.GET("/members", s.listMembers)
	admin.POST("/members", s.createMember)
	admin.GET("/members/:id", s.getMember)
	admin.DELETE("/members/:id", s.deleteMember)
	admin.POST("/members/:id/checkins", s.adminCheckIn)
	admin.POST("/members/:id/checkins/:date/confirm", s.confirmCheckIn)
	admin.GET("/members/:id/stats", s.adminStats)
	admin.POST("/members/:id/payments/confirm", s.confirmPayment)
	admin.POST("/members/:id/payments/reverse", s.reversePayment)
	admin.GET("/payments/overview", s.paymentOverview)
	admin.POST("/payments/expire", s.expireOverdue)
	admin.POST("/reset", s.monthlyReset)

	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        24 * time.Hour,
	}
	if len(s.opts.CORSOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.opts.CORSOrigins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			s.log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			checks[name] = false
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = true
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}
