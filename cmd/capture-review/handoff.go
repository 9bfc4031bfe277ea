package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/logging"
)

var handoffTimeoutFlag time.Duration

var handoffCmd = &cobra.Command{
	Use:   "handoff [message.json]",
	Short: "Hand off one capture message and wait for the outcome",
	Long: `Handoff reads one capture message (from the file argument, or stdin when
absent or "-"), waits until its primary capture is readable, and forwards
the rewritten request. It exits non-zero when the handoff fails or times
out.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHandoff,
}

func init() {
	handoffCmd.Flags().DurationVar(&handoffTimeoutFlag, "timeout", 2*time.Minute, "Give up waiting for readiness after this long (0 = wait forever)")
}

func readMessage(args []string) (*capture.Message, error) {
	var r io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("open message: %w", err)
		}
		defer f.Close()
		r = f
	}
	return capture.ReadMessage(r)
}

func runHandoff(cmd *cobra.Command, args []string) error {
	msg, err := readMessage(args)
	if err != nil {
		return err
	}
	if logging.DebugEnabled() {
		msg.LogFields()
	}
	req := capture.Decode(msg, nil)
	if req.Action != capture.ActionReview {
		return fmt.Errorf("action %q is not a review request", req.RawAction)
	}

	ctx := cmd.Context()
	if handoffTimeoutFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handoffTimeoutFlag)
		defer cancel()
	}

	a, err := bootstrap(ctx, "capture-review", true, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.close()

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	go func() {
		if err := a.runFeed(feedCtx); err != nil {
			log.Error().Err(err).Msg("Media store feed stopped")
		}
	}()

	start := time.Now()
	out, err := a.orchestrator.Handle(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return fmt.Errorf("gave up after %s waiting for %s: %w", time.Since(start).Round(time.Millisecond), req.PrimaryRef, err)
		}
		return err
	}
	log.Info().
		Str("target", string(out.Package)).
		Str("data", out.Data.String()).
		Int("clipSize", len(out.Clip.Refs())).
		Dur("elapsed", time.Since(start)).
		Msg("Handoff forwarded")
	return nil
}
