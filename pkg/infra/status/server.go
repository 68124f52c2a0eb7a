// pkg/infra/status/server.go
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r-umemoto/overnight-bot/pkg/scheduler"
)

// Probe はサーバーが参照する稼働状態です
type Probe interface {
	Connected() bool
}

// CheckpointLister はチェックポイントの状態一覧を返します
type CheckpointLister interface {
	Checkpoints() []scheduler.Status
}

// Server はヘルスチェック・チェックポイント一覧・メトリクスを返す HTTP サーバーです
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, probe Probe, sched CheckpointLister, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newRouter(probe, sched, gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func newRouter(probe Probe, sched CheckpointLister, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		connected := probe != nil && probe.Connected()
		code := http.StatusOK
		if !connected {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"connected": connected})
	})

	r.GET("/checkpoints", func(c *gin.Context) {
		if sched == nil {
			c.JSON(http.StatusOK, []scheduler.Status{})
			return
		}
		c.JSON(http.StatusOK, sched.Checkpoints())
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Run は ctx が終わるまでサーバーを動かします
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("📡 ステータスサーバー起動", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
