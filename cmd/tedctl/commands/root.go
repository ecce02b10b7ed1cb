package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tedctl",
	Short: "Train and serve transformer-based next-intent prediction",
	Long: `tedctl trains a transformer dual-encoder dialogue policy that predicts
the next user intent from recorded dialogue trackers, and serves
predictions from the persisted model.

A model directory holds every artifact of a training run: configuration,
weights, label table, data schema and the calibrated per-intent confidence
thresholds used to flag out-of-distribution predictions.

Examples:
  # Train from a domain and recorded trackers
  tedctl train -d domain.yaml -t trackers.yaml -m ./model

  # Predict the next intent for live trackers
  tedctl predict -d domain.yaml -t current.yaml -m ./model

  # Ship the model to object storage
  tedctl push -m ./model s3://models/intent/v3.tar.gz`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffb454"))
)

// printKV prints one aligned summary line.
func printKV(label string, format string, args ...any) {
	fmt.Printf("%s %s\n", labelStyle.Render(label+":"), fmt.Sprintf(format, args...))
}
