package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dialogkit/ted/pkg/artifact"
	"github.com/dialogkit/ted/pkg/ted"
)

var inspectFlags struct {
	model string
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the artifacts of a persisted model",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectFlags.model, "model", "m", "", "model directory (required)")
	inspectCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	store, err := artifact.Open(inspectFlags.model)
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.Names(ctx)
	if err != nil {
		return err
	}
	trained := false
	printKV("Model", "%s", inspectFlags.model)
	for _, name := range names {
		blob, err := store.Get(ctx, name)
		if err != nil {
			return err
		}
		if name == ted.ArtifactWeights {
			trained = true
		}
		fmt.Println(dimStyle.Render(fmt.Sprintf("    %-16s %d bytes", name, len(blob))))
	}
	if trained {
		printKV("Status", "trained")
	} else {
		fmt.Println(warnStyle.Render("Status: untrained (no weight artifact)"))
	}

	cfgBlob, err := store.Get(ctx, ted.ArtifactConfig)
	if err != nil {
		return err
	}
	fmt.Println(labelStyle.Render("Config:"))
	fmt.Print(string(cfgBlob))
	return nil
}
