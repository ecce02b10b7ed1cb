package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dialogkit/ted/pkg/dialogue"
	"github.com/dialogkit/ted/pkg/ted"
)

var predictFlags struct {
	domain   string
	trackers string
	model    string
	top      int
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict the next user intent for trackers",
	RunE:  runPredict,
}

func init() {
	predictCmd.Flags().StringVarP(&predictFlags.domain, "domain", "d", "", "domain YAML file (required)")
	predictCmd.Flags().StringVarP(&predictFlags.trackers, "trackers", "t", "", "trackers YAML file (required)")
	predictCmd.Flags().StringVarP(&predictFlags.model, "model", "m", "", "model directory (required)")
	predictCmd.Flags().IntVar(&predictFlags.top, "top", 3, "number of ranked intents to show")
	predictCmd.MarkFlagRequired("domain")
	predictCmd.MarkFlagRequired("trackers")
	predictCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(predictCmd)
}

func runPredict(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	domain, err := dialogue.LoadDomain(predictFlags.domain)
	if err != nil {
		return err
	}
	trackers, err := dialogue.LoadTrackers(predictFlags.trackers)
	if err != nil {
		return err
	}
	policy, err := ted.LoadDir(ctx, predictFlags.model, domain)
	if err != nil {
		return err
	}

	preds, err := policy.Predict(trackers)
	if err != nil {
		return err
	}
	for i, p := range preds {
		marker := ""
		if !p.InDistribution {
			marker = " " + warnStyle.Render("(out of distribution)")
		}
		fmt.Printf("%s %s %.3f%s\n",
			labelStyle.Render(trackers[i].ID+":"), p.TopIntent, p.Confidences[p.TopLabel], marker)
		for _, r := range rankIntents(domain, p.Confidences, predictFlags.top) {
			fmt.Println(dimStyle.Render(fmt.Sprintf("    %-24s %.3f", r.intent, r.confidence)))
		}
	}
	return nil
}

type ranked struct {
	intent     string
	confidence float64
}

func rankIntents(domain *dialogue.Domain, confidences []float64, top int) []ranked {
	out := make([]ranked, len(confidences))
	for i, c := range confidences {
		out[i] = ranked{intent: domain.Intents[i], confidence: c}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].confidence > out[b].confidence })
	if top < len(out) {
		out = out[:top]
	}
	return out
}
