// Package status implements the authenticated control surface: a small
// REST API for operational visibility into the classifier (health, forced
// catalog refresh, ad-hoc classify) alongside the chat transport.
package status

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/Acacia-Ma/Rule-Bot/internal/classifier"
	"github.com/Acacia-Ma/Rule-Bot/internal/config"
)

// Refresher is the capability the control surface needs from the Data
// Catalog Manager: trigger an out-of-band refresh. It never blocks the
// HTTP handler on the refresh itself.
type Refresher interface {
	Refresh()
}

// ClassifierService is the capability the control surface needs from the
// Domain Classifier.
type ClassifierService interface {
	Classify(ctx context.Context, text string) *classifier.Verdict
}

// Server is the gin-based control surface.
type Server struct {
	cfg        *config.Config
	r          *gin.Engine
	httpServer *http.Server
	classifier ClassifierService
	refresher  Refresher
}

// NewServer wires routes exactly the way the teacher's REST server does:
// a public health check, and a bearer-token-authenticated group for
// everything that can trigger work.
func NewServer(cfg *config.Config, cls ClassifierService, refresher Refresher) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.LoggerWithFormatter(func(p gin.LogFormatterParams) string {
		return fmt.Sprintf("control %s %s %d %s from %s\n", p.Method, p.Path, p.StatusCode, p.Latency, p.ClientIP)
	}))
	r.Use(gin.Recovery())

	s := &Server{cfg: cfg, r: r, classifier: cls, refresher: refresher}

	r.GET("/health", s.health)

	api := r.Group("/")
	api.Use(s.auth)
	{
		api.POST("/refresh", s.refresh)
		api.POST("/classify", s.classify)
	}
	return s
}

// auth mirrors the teacher's bcrypt-hashed bearer token middleware: a
// missing hash in config means authentication is not configured and every
// request is allowed through, matching the teacher's fallback when
// APITokenHash is empty.
func (s *Server) auth(c *gin.Context) {
	if s.cfg.Control.APITokenHash == "" {
		c.Next()
		return
	}
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.Control.APITokenHash), []byte(token)); err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// refresh triggers a catalog refresh asynchronously: the manager's own
// non-reentrant guard makes this safe to call repeatedly, and the caller
// doesn't need to wait on a potentially slow download to get a response.
func (s *Server) refresh(c *gin.Context) {
	go s.refresher.Refresh()
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh triggered"})
}

type classifyRequest struct {
	Text string `json:"text" binding:"required"`
}

// classify runs the core pipeline against posted text for operational
// debugging. It never appends to the rule store: a DecisionAdd verdict is
// reported but not acted on, matching the control surface's read-only
// contract.
func (s *Server) classify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	verdict := s.classifier.Classify(c.Request.Context(), req.Text)
	c.JSON(http.StatusOK, verdict)
}

// Start begins serving on cfg.Control.Listen.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.cfg.Control.Listen, Handler: s.r}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
