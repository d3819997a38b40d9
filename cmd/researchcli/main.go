package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"

	"deep-research-agent/internal/config"
	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/integrations/anthropic"
	"deep-research-agent/internal/integrations/openai"
	"deep-research-agent/internal/integrations/paramstore"
	"deep-research-agent/internal/integrations/tavily"
	"deep-research-agent/internal/integrations/webpage"
	sqlitestore "deep-research-agent/internal/repository/sqlite"
	"deep-research-agent/internal/research"
	"deep-research-agent/internal/usecase"
)

const localPrefix = "/local"

func main() {
	configPath := flag.String("config", "", "path to research.toml (default: ./research.toml when present)")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	researchID := flag.String("id", "", "continue a run that asked a clarifying question")
	noClarify := flag.Bool("no-clarify", false, "skip the clarification step")
	list := flag.Bool("list", false, "list stored runs and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	slog.SetDefault(ctxlog.New(firstNonEmpty(os.Getenv("LOG_LEVEL"), cfg.LogLevel), "text", os.Stderr))
	if len(cfg.Undecoded) > 0 {
		slog.Warn("unknown config keys", "keys", cfg.Undecoded)
	}

	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.DBPath))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	if *list {
		if err := printRuns(ctx, store); err != nil {
			log.Fatalf("list runs: %v", err)
		}
		return
	}

	question := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: researchcli [-config research.toml] [-no-clarify] [-id research-id] \"question\"")
		os.Exit(2)
	}

	rc := cfg.ResearchConfig()
	if *noClarify {
		rc.AllowClarification = false
	}

	model, err := newModel(cfg)
	if err != nil {
		log.Fatalf("create model client: %v", err)
	}
	searchClient, err := tavily.NewClient(paramstore.StaticToken(os.Getenv("TAVILY_API_KEY")))
	if err != nil {
		log.Fatalf("create tavily client: %v", err)
	}
	fetcher := webpage.New()

	newRunner := func(models research.Models) (usecase.Runner, error) {
		runCfg := rc
		runCfg.Models = models
		return research.New(model, searchClient, runCfg, research.WithFetcher(fetcher))
	}

	// The service reads its model overrides through the parameter interface;
	// locally they come from the TOML file.
	modelsJSON, err := json.Marshal(rc.Models)
	if err != nil {
		log.Fatalf("encode models: %v", err)
	}
	params := paramstore.MapGetter{localPrefix + "/config/models": string(modelsJSON)}

	svc, err := usecase.NewResearchService(params, newRunner, store, localPrefix, 0, 0)
	if err != nil {
		log.Fatalf("create research service: %v", err)
	}

	out, err := svc.Research(ctx, usecase.ResearchInput{
		Messages:   []domain.ChatMessage{domain.UserMessage(question)},
		ResearchID: *researchID,
	})
	if err != nil {
		log.Fatalf("research: %v", err)
	}

	if out.Status == domain.RunNeedsClarification {
		fmt.Println(out.Question)
		fmt.Fprintf(os.Stderr, "\nanswer with: researchcli -id %s \"your answer\"\n", out.ResearchID)
		return
	}
	fmt.Println(out.FinalReport)
	fmt.Fprintf(os.Stderr, "\nresearch %s: %d model calls, %d input tokens, %d output tokens, $%s\n",
		out.ResearchID, out.Usage.Calls, out.Usage.InputTokens, out.Usage.OutputTokens, out.Usage.Cost.StringFixed(4))
}

func newModel(cfg config.Config) (research.ChatModel, error) {
	switch cfg.Provider {
	case "anthropic":
		var opts []anthropicopt.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.NewClient(paramstore.StaticToken(os.Getenv("ANTHROPIC_API_KEY")), opts...)
	default:
		token := firstNonEmpty(os.Getenv("OPENROUTER_API_KEY"), os.Getenv("OPENAI_API_KEY"))
		opts := []openai.Option{
			openai.WithAppTitle("deep-research-agent"),
			openai.WithProviderRouting(cfg.Routing.Order, cfg.Routing.AllowFallbacks),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.NewClient(paramstore.StaticToken(token), opts...)
	}
}

func printRuns(ctx context.Context, store *sqlitestore.Store) error {
	runs, err := store.ListRuns(ctx, 50)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return nil
	}
	for _, r := range runs {
		brief := shorten(strings.ReplaceAll(r.ResearchBrief, "\n", " "), 80)
		fmt.Printf("%s  %-19s  %s  $%s  %s\n", r.ResearchID, r.Status, r.LastActivity, r.CostUSD, brief)
	}
	return nil
}

// shorten keeps the first n runes of s.
func shorten(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
