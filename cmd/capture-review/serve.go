package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/capture-review/internal/api"
	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/config"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/session"
)

var denyPreviewsFlag bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the review HTTP API",
	Long: `Serve starts the HTTP API. Camera applications POST capture messages to
/v1/captures; the review screen drives each session through
/v1/sessions/{id}. Callers that only need the handoff can POST to
/v1/handoffs and wait for the forwarded request.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", "", "Listen address (default :8080)")
	f.Bool("camera-placeholder", false, "Show the camera page before the captured items")
	f.Bool("locked", false, "Start with the device locked")
	f.BoolVar(&denyPreviewsFlag, "deny-previews", false, "Treat processing previews as unreadable")
	f.Duration("handoff-timeout", 0, "Bound on synchronous handoffs (0 waits for the client)")
	cobra.CheckErr(loader.BindFlags(serveCmd, map[string]string{
		config.KeyHandoffTimeout:    "handoff-timeout",
		config.KeyHTTPAddr:          "addr",
		config.KeyCameraPlaceholder: "camera-placeholder",
		config.KeyDeviceLocked:      "locked",
	}))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, "capture-review", true, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()

	device := session.NewDeviceLock(a.cfg.DeviceLocked)
	sessions := session.NewManager(session.Deps{
		Orchestrator:      a.orchestrator,
		Launcher:          handoff.NewLauncher(a.forwarder),
		Source:            a.store.Backend,
		Unlocker:          device,
		CameraPlaceholder: a.cfg.CameraPlaceholder,
	})
	defer sessions.Close()

	var previews capture.PreviewPolicy
	if denyPreviewsFlag {
		previews = capture.DenyPreviews{}
	}
	opts := api.Options{
		Secret:         a.cfg.HTTPSecret,
		Device:         device,
		Previews:       previews,
		UnlockWait:     a.cfg.UnlockWait,
		HandoffTimeout: a.cfg.HandoffTimeout,
		Metrics:        true,
	}
	opts.Handoffs = api.NewHandoffs(a.orchestrator, opts)
	srv := &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      api.NewServer(sessions, opts),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: max(a.cfg.UnlockWait, a.cfg.HandoffTimeout) + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runFeed(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Starting review server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
