package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"deep-research-agent/handler"
	appconfig "deep-research-agent/internal/config"
	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/integrations/anthropic"
	"deep-research-agent/internal/integrations/openai"
	"deep-research-agent/internal/integrations/paramstore"
	"deep-research-agent/internal/integrations/tavily"
	"deep-research-agent/internal/integrations/webpage"
	"deep-research-agent/internal/repository"
	"deep-research-agent/internal/research"
	"deep-research-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	runTable := mustEnv("RUN_TABLE")
	paramPrefix := strings.TrimRight(mustEnv("PARAM_PREFIX"), "/")
	maxQuestionLen := envInt("MAX_QUESTION_LENGTH", 2000)
	maxClarifyTurns := envInt("MAX_CLARIFY_TURNS", 3)
	provider := strings.ToLower(envOr("LLM_PROVIDER", "openai"))
	baseURL := os.Getenv("LLM_BASE_URL")
	rawOrder, orderSet := os.LookupEnv("LLM_PROVIDER_ORDER")
	providerOrder := appconfig.ParseProviderOrder(rawOrder, orderSet)

	slog.SetDefault(ctxlog.New(os.Getenv("LOG_LEVEL"), envOr("LOG_FORMAT", "json"), os.Stdout))

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	runStore, err := repository.New(awsdynamodb.NewFromConfig(cfg), runTable)
	if err != nil {
		slog.Error("failed to create run store", "err", err)
		os.Exit(1)
	}

	llmToken, err := paramstore.NewTokenSource(ssmClient, paramPrefix+"/llm-token")
	if err != nil {
		slog.Error("failed to create LLM token source", "err", err)
		os.Exit(1)
	}
	tavilyToken, err := paramstore.NewTokenSource(ssmClient, paramPrefix+"/tavily-token")
	if err != nil {
		slog.Error("failed to create Tavily token source", "err", err)
		os.Exit(1)
	}

	var model research.ChatModel
	switch provider {
	case "anthropic":
		var opts []option.RequestOption
		if baseURL != "" {
			opts = append(opts, option.WithBaseURL(baseURL))
		}
		model, err = anthropic.NewClient(llmToken, opts...)
	case "openai":
		opts := []openai.Option{openai.WithAppTitle("deep-research-agent"), openai.WithProviderRouting(providerOrder, false)}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		model, err = openai.NewClient(llmToken, opts...)
	default:
		slog.Error("unknown LLM provider", "provider", provider)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("failed to create LLM client", "provider", provider, "err", err)
		os.Exit(1)
	}

	searchClient, err := tavily.NewClient(tavilyToken)
	if err != nil {
		slog.Error("failed to create Tavily client", "err", err)
		os.Exit(1)
	}
	fetcher := webpage.New()

	newRunner := func(models research.Models) (usecase.Runner, error) {
		rc := research.DefaultConfig()
		rc.Models = models
		return research.New(model, searchClient, rc, research.WithFetcher(fetcher))
	}

	// ---- Handler ----
	researchService, err := usecase.NewResearchService(ssmClient, newRunner, runStore, paramPrefix, maxQuestionLen, maxClarifyTurns,
		usecase.WithDefaultModel(research.DefaultModelFor(provider)))
	if err != nil {
		slog.Error("failed to create research service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(researchService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
