// Package httpapi serves the operational endpoints: health, readiness and
// Prometheus metrics. The end-user API lives elsewhere.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ilyasni/telegram-assistant/internal/supervisor"
)

// Server is the gin-backed operational endpoint set.
type Server struct {
	addr string
	sup  *supervisor.Supervisor
	pool *pgxpool.Pool
	rdb  redis.UniversalClient
	srv  *http.Server
}

// New builds the server.
func New(addr string, sup *supervisor.Supervisor, pool *pgxpool.Pool, rdb redis.UniversalClient) *Server {
	return &Server{addr: addr, sup: sup, pool: pool, rdb: rdb}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		rep := s.sup.Health()
		code := http.StatusOK
		if rep.Status == supervisor.Unhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, rep)
	})

	r.GET("/readyz", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		checks := gin.H{}
		ready := true
		if err := s.pool.Ping(checkCtx); err != nil {
			checks["postgres"] = err.Error()
			ready = false
		} else {
			checks["postgres"] = "ok"
		}
		if err := s.rdb.Ping(checkCtx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, checks)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{Addr: s.addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	log.Info().Str("addr", s.addr).Msg("http_listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
