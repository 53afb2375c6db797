package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixelka/mailrelay/internal/database"
)

// Server is the status HTTP endpoint
type Server struct {
	provider *Provider
	db       *database.DB
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer creates the status server listening on addr
func NewServer(addr string, provider *Provider, db *database.DB, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		db:       db,
		logger:   logger.With("component", "admin_http"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/accounts", s.handleAccounts)
	api.GET("/threads/:customer", s.handleThreads)

	return r
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("status server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	snap := s.provider.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"snapshot_at":   snap.GeneratedAt,
		"relay_queue":   snap.RelayQueue,
		"open_failures": snap.OpenFailures,
	})
}

func (s *Server) handleAccounts(c *gin.Context) {
	snap := s.provider.Snapshot()
	accounts := snap.Accounts
	if accounts == nil {
		accounts = []AccountStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) handleThreads(c *gin.Context) {
	customerID, err := strconv.ParseInt(c.Param("customer"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer id"})
		return
	}
	if _, ok := s.provider.Snapshot().Customers[customerID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "customer not found"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	threads, err := s.db.GetThreadsByCustomer(c.Request.Context(), customerID, limit)
	if err != nil {
		s.logger.Error("failed to list threads", "error", err, "customer_id", customerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	type threadView struct {
		ID             int64     `json:"id"`
		Subject        string    `json:"subject"`
		CreatedAt      time.Time `json:"created_at"`
		LastActivityAt time.Time `json:"last_activity_at"`
	}
	out := make([]threadView, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadView{
			ID:             t.ID,
			Subject:        t.NormalizedSubject,
			CreatedAt:      t.CreatedAt,
			LastActivityAt: t.LastActivityAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"customer_id": customerID, "threads": out})
}
