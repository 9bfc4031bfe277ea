package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/capture-review/internal/store"
)

var (
	mimeFlag    string
	pendingFlag bool
)

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Inspect and edit the media store",
	Long: `Media manipulates the configured media store directly, standing in for
the camera application while testing: add a pending capture, mark it ready,
and watch a waiting handoff go through.`,
}

var mediaAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Insert or replace a media entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runMediaAdd,
}

var mediaImportCmd = &cobra.Command{
	Use:   "import <id> <file>",
	Short: "Copy a file into the fs store as a capture",
	Args:  cobra.ExactArgs(2),
	RunE:  runMediaImport,
}

var mediaReadyCmd = &cobra.Command{
	Use:   "ready <id>",
	Short: "Clear the pending flag",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPending(cmd, args[0], false) },
}

var mediaPendingCmd = &cobra.Command{
	Use:   "pending <id>",
	Short: "Set the pending flag",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPending(cmd, args[0], true) },
}

var mediaRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a media entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runMediaRm,
}

var mediaLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List media, newest first",
	Args:  cobra.NoArgs,
	RunE:  runMediaLs,
}

func init() {
	mediaAddCmd.Flags().StringVar(&mimeFlag, "mime", "image/jpeg", "MIME type")
	mediaAddCmd.Flags().BoolVar(&pendingFlag, "pending", false, "Insert as pending")
	mediaImportCmd.Flags().BoolVar(&pendingFlag, "pending", false, "Leave the capture pending after copying")
	mediaCmd.AddCommand(mediaAddCmd, mediaImportCmd, mediaReadyCmd, mediaPendingCmd, mediaRmCmd, mediaLsCmd)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid media ID %q: must be a positive integer", arg)
	}
	return id, nil
}

func runMediaAdd(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := bootstrap(cmd.Context(), "capture-review", false, nil)
	if err != nil {
		return err
	}
	defer a.close()

	m := store.Media{ID: id, MimeType: mimeFlag, Pending: pendingFlag, AddedAt: time.Now().UnixMilli()}
	if err := a.store.Writer.Put(cmd.Context(), m); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %d (%s, pending=%v)\n", id, mimeFlag, pendingFlag)
	return nil
}

func runMediaImport(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	mimeType := store.MIMEType(filepath.Ext(args[1]))
	if mimeType == "" {
		return fmt.Errorf("unsupported file type %q", filepath.Ext(args[1]))
	}

	a, err := bootstrap(cmd.Context(), "capture-review", false, nil)
	if err != nil {
		return err
	}
	defer a.close()
	fs, ok := a.store.Writer.(*store.FSStore)
	if !ok {
		return fmt.Errorf("import needs the %s store backend, have %s", store.BackendFS, a.cfg.Store.Backend)
	}

	f, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[1], err)
	}
	defer f.Close()
	if err := fs.Write(cmd.Context(), id, mimeType, f); err != nil {
		return err
	}
	if pendingFlag {
		if err := fs.SetPending(cmd.Context(), id, true); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %s as %d (%s)\n", args[1], id, mimeType)
	return nil
}

func setPending(cmd *cobra.Command, arg string, pending bool) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	a, err := bootstrap(cmd.Context(), "capture-review", false, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Writer.SetPending(cmd.Context(), id, pending); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("media %d does not exist", id)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d pending=%v\n", id, pending)
	return nil
}

func runMediaRm(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := bootstrap(cmd.Context(), "capture-review", false, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Writer.Delete(cmd.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("media %d does not exist", id)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", id)
	return nil
}

func runMediaLs(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(cmd.Context(), "capture-review", false, nil)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.store.Backend.List(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMIME\tPENDING\tADDED\tREF")
	for _, m := range list {
		added := "-"
		if m.AddedAt > 0 {
			added = time.UnixMilli(m.AddedAt).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%v\t%s\t%s\n", m.ID, m.MimeType, m.Pending, added, m.Ref)
	}
	return tw.Flush()
}
