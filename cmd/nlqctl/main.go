package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/duckmesh/nlq/internal/cli/nlqctl"
	"github.com/duckmesh/nlq/internal/config"
	"github.com/duckmesh/nlq/internal/storage"
	s3store "github.com/duckmesh/nlq/internal/storage/s3"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("NLQ_CLI_TIMEOUT")), 90*time.Second)
	options := nlqctl.Options{
		BaseURL:     envOr("NLQ_API_URL", "http://localhost:8080"),
		APIKey:      strings.TrimSpace(os.Getenv("NLQ_API_KEY")),
		Timeout:     timeout,
		ObjectStore: openObjectStore,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}

	code := nlqctl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

// openObjectStore reads the same NLQ_OBJECTSTORE_* settings as the service.
func openObjectStore(ctx context.Context) (storage.ObjectStore, error) {
	cfg, err := config.LoadFromEnv("nlqctl")
	if err != nil {
		return nil, err
	}
	return s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: true,
	})
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid NLQ_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
