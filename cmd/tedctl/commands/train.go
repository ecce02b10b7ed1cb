package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/dialogkit/ted/pkg/dialogue"
	"github.com/dialogkit/ted/pkg/ted"
)

var trainFlags struct {
	domain   string
	trackers string
	model    string
	config   string
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train an intent prediction model from recorded trackers",
	RunE:  runTrain,
}

func init() {
	trainCmd.Flags().StringVarP(&trainFlags.domain, "domain", "d", "", "domain YAML file (required)")
	trainCmd.Flags().StringVarP(&trainFlags.trackers, "trackers", "t", "", "trackers YAML file (required)")
	trainCmd.Flags().StringVarP(&trainFlags.model, "model", "m", "", "model directory to write (required)")
	trainCmd.Flags().StringVarP(&trainFlags.config, "config", "c", "", "hyperparameter YAML file (optional)")
	trainCmd.MarkFlagRequired("domain")
	trainCmd.MarkFlagRequired("trackers")
	trainCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(trainCmd)
}

// loadConfig layers a YAML file over the defaults.
func loadConfig(path string) (ted.Config, error) {
	cfg := ted.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func runTrain(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	domain, err := dialogue.LoadDomain(trainFlags.domain)
	if err != nil {
		return err
	}
	trackers, err := dialogue.LoadTrackers(trainFlags.trackers)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(trainFlags.config)
	if err != nil {
		return err
	}

	policy, err := ted.NewPolicy(cfg, domain)
	if err != nil {
		return err
	}
	if err := policy.Train(trackers); err != nil {
		return err
	}
	if err := policy.PersistDir(ctx, trainFlags.model); err != nil {
		return err
	}

	augmented, regular := dialogue.SplitAugmented(trackers)
	printKV("State", "%s", policy.State())
	printKV("Intents", "%d", domain.NumIntents())
	printKV("Trackers", "%d training, %d calibration", len(regular), len(augmented))
	printKV("Thresholds", "%d labels calibrated", len(policy.Thresholds()))
	printKV("Model", "%s", trainFlags.model)
	if policy.State() == ted.StateTrainingSkipped {
		fmt.Println(warnStyle.Render("No usable training data: the persisted model cannot predict."))
	}
	return nil
}
