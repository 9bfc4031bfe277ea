package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fpang/capture-review/internal/config"
	"github.com/fpang/capture-review/internal/logging"
)

// CLI flags
var (
	configFlag string
	loader     = config.NewLoader()
)

// rootCmd is the main Cobra command for the capture-review CLI.
var rootCmd = &cobra.Command{
	Use:   "capture-review",
	Short: "Hand freshly captured media to the gallery once it is readable",
	Long: `Capture Review accepts review requests from a camera application, waits
until the captured media is no longer pending in the media store, and then
forwards a rewritten request to the gallery application.

Configuration is read from an optional YAML file, CAPTURE_REVIEW_*
environment variables, and flags, in increasing order of precedence.

Examples:
  capture-review serve --addr :8080
  capture-review handoff message.json
  capture-review media add 42 --mime image/jpeg --pending
  capture-review media ready 42`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init()
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFlag, "config", "c", "", "YAML config file")
	pf.String("variant", "", "Build variant selecting the gallery target (debug|release)")
	pf.String("store", "", "Media store backend (sqlite|fs|dynamodb|s3)")
	pf.String("sqlite-path", "", "SQLite media index path")
	pf.String("fs-dir", "", "Media directory for the fs backend")
	pf.String("table", "", "DynamoDB media table")
	pf.String("bucket", "", "S3 media bucket")
	pf.String("forward", "", "Forward backend (log|eventbridge)")
	pf.String("bus", "", "EventBridge bus name")

	cobra.CheckErr(loader.BindFlags(rootCmd, map[string]string{
		config.KeyVariant:        "variant",
		config.KeyStoreBackend:   "store",
		config.KeySQLitePath:     "sqlite-path",
		config.KeyFSDir:          "fs-dir",
		config.KeyDynamoTable:    "table",
		config.KeyS3Bucket:       "bucket",
		config.KeyForwardBackend: "forward",
		config.KeyEventBus:       "bus",
	}))

	rootCmd.AddCommand(serveCmd, handoffCmd, mediaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
