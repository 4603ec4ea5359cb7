package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pauljones0/tg-site-mirror/internal/config"
	"github.com/pauljones0/tg-site-mirror/internal/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an HTTP trigger for scheduled runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return serve(ctx, cfg, runOnce)
	},
}

type runFunc func(ctx context.Context, c *config.Config) (*models.RunReport, error)

type Server struct {
	cfg      *config.Config
	run      runFunc
	group    singleflight.Group
	inflight sync.WaitGroup
}

func newServer(c *config.Config, run runFunc) *Server {
	return &Server{cfg: c, run: run}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.RunHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	return mux
}

// RunHandler starts a run in the background and answers at once. Triggers
// that arrive while a run is in progress join it instead of starting another.
func (s *Server) RunHandler(w http.ResponseWriter, r *http.Request) {
	s.inflight.Add(1)
	ch := s.group.DoChan("run", func() (interface{}, error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Panic in pipeline run", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		return s.run(ctx, s.cfg)
	})
	go func() {
		defer s.inflight.Done()
		res := <-ch
		if res.Err != nil {
			slog.Error("Error running pipeline", "error", res.Err, "shared", res.Shared)
			return
		}
		if report, ok := res.Val.(*models.RunReport); ok && report != nil {
			if err := report.Err(); err != nil {
				slog.Warn("Run finished with skipped posts", "run_id", report.RunID, "error", err)
			}
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// Wait blocks until every triggered run has finished.
func (s *Server) Wait() {
	s.inflight.Wait()
}

func serve(ctx context.Context, c *config.Config, run runFunc) error {
	srv := newServer(c, run)
	httpServer := &http.Server{
		Addr:         ":" + c.Server.Port,
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Listening on port", "port", c.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		srv.Wait()
		return nil
	})

	err := g.Wait()
	slog.Info("Server stopped.")
	return err
}
