package main

import (
	"fmt"
	"log/slog"
	"os"

	"attribution-backend/cmd"

	"github.com/spf13/cobra"
)

var (
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Joint analysis of ad performance workbooks, cover images and videos",
	Long: `Start an analysis task from a performance workbook, a cover image and an ad video,
then ask follow-up questions about the report.

  analyze run --workbook july.xlsx --image cover.png --video ad.mp4
  analyze submit --server http://localhost:8001/api/v1 --workbook july.xlsx --image cover.png --video ad.mp4`,
	SilenceUsage: true,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		cmd.LoadEnv(envFile)
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to load env from")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("✗")+" "+err.Error())
		os.Exit(1)
	}
}
