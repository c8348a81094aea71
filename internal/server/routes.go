package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/battlegrounds/internal/auth"
	"github.com/danmuck/battlegrounds/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var errAdminKick = errors.New("server: closed by admin")

func (s *Service) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminMiddleware(log.Logger.With().Str("component", "admin").Logger()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes(r)
	return r
}

func (s *Service) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"sessions":  s.reg.Len(),
			"endpoints": s.Endpoints(),
			"version":   "0.0.1",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": s.reg.Snapshots(),
		})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		id, ok := parseSessionID(c)
		if !ok {
			return
		}
		sess, found := s.reg.Lookup(id)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, sess.Snapshot())
	})

	r.DELETE("/sessions/:id", func(c *gin.Context) {
		id, ok := parseSessionID(c)
		if !ok {
			return
		}
		if !s.Kick(id, errAdminKick) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
	})

	r.POST("/login", func(c *gin.Context) {
		if s.deps.Login == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "login disabled"})
			return
		}
		var req auth.Credentials
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid login payload"})
			return
		}
		ticket, ch, err := s.deps.Login.Login(req)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, auth.ErrUnauthorized):
				status = http.StatusUnauthorized
			case errors.Is(err, auth.ErrUnknownCharacter):
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ticket":    ticket,
			"account":   ch.AccountID,
			"character": ch.Name,
			"udp":       s.cfg.ListenUDP,
			"websocket": s.cfg.ListenWS,
		})
	})
}

func parseSessionID(c *gin.Context) (uint32, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return uint32(v), true
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
