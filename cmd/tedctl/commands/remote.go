package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/dialogkit/ted/pkg/storage"
)

var pushFlags struct {
	model string
}

var pushCmd = &cobra.Command{
	Use:   "push <dest>",
	Short: "Pack a model directory and upload it as a bundle",
	Long: `Pack the model directory into a gzipped tar bundle and write it to the
destination, either an s3:// URL or a local path.

S3 credentials and region come from the standard environment variables
(AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_REGION, and optionally
AWS_ENDPOINT_URL for S3-compatible stores).`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

var pullFlags struct {
	model string
}

var pullCmd = &cobra.Command{
	Use:   "pull <src>",
	Short: "Download a model bundle and unpack it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPull,
}

func init() {
	pushCmd.Flags().StringVarP(&pushFlags.model, "model", "m", "", "model directory to pack (required)")
	pushCmd.MarkFlagRequired("model")
	pullCmd.Flags().StringVarP(&pullFlags.model, "model", "m", "", "directory to unpack into (required)")
	pullCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(pushCmd, pullCmd)
}

// resolveStore maps a destination to a BundleStore and the path within it.
// s3://bucket/key goes to the object store; anything else is a local path.
func resolveStore(dest string) (storage.BundleStore, string, error) {
	if after, ok := strings.CutPrefix(dest, "s3://"); ok {
		bucket, key, found := strings.Cut(after, "/")
		if !found || bucket == "" || key == "" {
			return nil, "", fmt.Errorf("malformed s3 url %q, want s3://bucket/key", dest)
		}
		client := s3.New(s3.Options{
			Region:       envOr("AWS_REGION", "us-east-1"),
			BaseEndpoint: optionalEnv("AWS_ENDPOINT_URL"),
			UsePathStyle: os.Getenv("AWS_ENDPOINT_URL") != "",
			Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
					SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
					SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
				}, nil
			}),
		})
		return storage.NewS3(client, bucket, ""), key, nil
	}
	local, err := storage.NewLocal(filepath.Dir(dest))
	if err != nil {
		return nil, "", err
	}
	return local, filepath.Base(dest), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func optionalEnv(key string) *string {
	if v := os.Getenv(key); v != "" {
		return &v
	}
	return nil
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, path, err := resolveStore(args[0])
	if err != nil {
		return err
	}
	if err := storage.PushBundle(ctx, store, path, pushFlags.model); err != nil {
		return err
	}
	printKV("Pushed", "%s -> %s", pushFlags.model, args[0])
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, path, err := resolveStore(args[0])
	if err != nil {
		return err
	}
	if err := storage.PullBundle(ctx, store, path, pullFlags.model); err != nil {
		return err
	}
	printKV("Pulled", "%s -> %s", args[0], pullFlags.model)
	return nil
}
