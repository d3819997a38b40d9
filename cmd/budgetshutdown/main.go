package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"

	"deep-research-agent/handler"
	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/integrations/ecs"
	"deep-research-agent/internal/integrations/sns"
	"deep-research-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cluster := envOr("ECS_CLUSTER", "deep-research-cluster")
	service := envOr("ECS_SERVICE", "deep-research-service")
	topicARN := strings.TrimSpace(os.Getenv("SNS_TOPIC_ARN"))

	slog.SetDefault(ctxlog.New(os.Getenv("LOG_LEVEL"), envOr("LOG_FORMAT", "json"), os.Stdout))

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ecsClient, err := ecs.New(awsecs.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create ECS client", "err", err)
		os.Exit(1)
	}

	var notifier usecase.Notifier
	if topicARN != "" {
		publisher, err := sns.New(awssns.NewFromConfig(cfg), topicARN)
		if err != nil {
			slog.Error("failed to create SNS publisher", "err", err)
			os.Exit(1)
		}
		notifier = publisher
	} else {
		slog.Warn("SNS_TOPIC_ARN is not set, notifications are disabled")
	}

	// ---- Handler ----
	shutdownService, err := usecase.NewShutdownService(ecsClient, notifier, cluster, service)
	if err != nil {
		slog.Error("failed to create shutdown service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewShutdown(shutdownService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
