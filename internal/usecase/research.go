package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/integrations/paramstore"
	"deep-research-agent/internal/research"
	"deep-research-agent/internal/usage"
)

const (
	defaultMaxQuestion     = 2000
	defaultMaxClarifyTurns = 3
	modelsParam            = "/config/models"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Runner executes one research workflow run. *research.Agent satisfies it.
type Runner interface {
	Invoke(ctx context.Context, in research.Input) (*research.State, error)
}

// RunnerFactory builds the Runner once the model configuration is known.
type RunnerFactory func(models research.Models) (Runner, error)

type StateReadWriter interface {
	GetRun(ctx context.Context, researchID string) (domain.RunMeta, bool, error)
	GetHistory(ctx context.Context, researchID string, limit int) ([]domain.ChatMessage, error)
	SaveRun(ctx context.Context, rec domain.RunRecord) error
}

type ResearchService struct {
	params          ParamGetter
	newRunner       RunnerFactory
	state           StateReadWriter
	paramPrefix     string
	maxQuestionLen  int
	maxClarifyTurns int
	defaultModel    string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	runner      Runner
}

type ResearchInput struct {
	Messages   []domain.ChatMessage
	ResearchID string
}

type ResearchOutput struct {
	ResearchID    string
	Status        domain.RunStatus
	Question      string
	ResearchBrief string
	FinalReport   string
	Usage         usage.Summary
}

// ResearchOption customizes a ResearchService.
type ResearchOption func(*ResearchService)

// WithDefaultModel sets the model used for roles the models parameter does
// not name. It should match the configured provider.
func WithDefaultModel(model string) ResearchOption {
	return func(s *ResearchService) {
		if model = strings.TrimSpace(model); model != "" {
			s.defaultModel = model
		}
	}
}

func NewResearchService(p ParamGetter, newRunner RunnerFactory, s StateReadWriter, paramPrefix string, maxQuestionLen, maxClarifyTurns int, opts ...ResearchOption) (*ResearchService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if newRunner == nil {
		return nil, errors.New("usecase: runner factory must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxQuestionLen <= 0 {
		maxQuestionLen = defaultMaxQuestion
	}
	if maxClarifyTurns <= 0 {
		maxClarifyTurns = defaultMaxClarifyTurns
	}
	svc := &ResearchService{
		params:          p,
		newRunner:       newRunner,
		state:           s,
		paramPrefix:     paramPrefix,
		maxQuestionLen:  maxQuestionLen,
		maxClarifyTurns: maxClarifyTurns,
		defaultModel:    research.DefaultModel,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Research runs one turn of a research conversation. A new conversation
// sends every message; a follow-up to a clarifying question sends the
// research id and the user's answer, and the stored conversation is
// replayed in front of it.
func (s *ResearchService) Research(ctx context.Context, in ResearchInput) (ResearchOutput, error) {
	incoming, err := s.validate(in.Messages)
	if err != nil {
		return ResearchOutput{}, err
	}
	if err := s.ensureConfig(ctx); err != nil {
		return ResearchOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	researchID := strings.TrimSpace(in.ResearchID)
	var prior domain.RunMeta
	conversation := incoming
	if researchID != "" {
		meta, found, err := s.state.GetRun(ctx, researchID)
		if err != nil {
			return ResearchOutput{}, newError(ErrorInternal, "dynamodb_read_error", err)
		}
		if !found {
			return ResearchOutput{}, newError(ErrorNotFound, "research_not_found", nil)
		}
		if meta.Status == domain.RunComplete {
			return ResearchOutput{}, newError(ErrorInvalidInput, "research_already_complete", nil)
		}
		if meta.Turns >= s.maxClarifyTurns {
			return ResearchOutput{}, newError(ErrorInvalidInput, "clarify_turn_limit", nil)
		}
		history, err := s.state.GetHistory(ctx, researchID, 0)
		if err != nil {
			return ResearchOutput{}, newError(ErrorInternal, "dynamodb_history_error", err)
		}
		prior = meta
		incoming = incoming[len(incoming)-1:]
		conversation = append(history, incoming...)
	} else {
		researchID = newUUID()
	}

	ctx = ctxlog.With(ctx, "research_id", researchID)
	st, err := s.runner.Invoke(ctx, research.Input{Messages: conversation})
	if err != nil {
		return ResearchOutput{}, mapRunError(err)
	}

	out := ResearchOutput{
		ResearchID:    researchID,
		ResearchBrief: st.ResearchBrief,
		FinalReport:   st.FinalReport,
		Usage:         st.Usage,
		Status:        domain.RunComplete,
	}
	if st.NeedsClarification {
		out.Status = domain.RunNeedsClarification
		out.Question = st.ClarifyingQuestion
	}

	newMessages := append([]domain.ChatMessage(nil), incoming...)
	if len(st.Messages) > len(conversation) {
		newMessages = append(newMessages, st.Messages[len(conversation):]...)
	}
	cost := st.Usage.Cost
	if prior.CostUSD != "" {
		if prev, err := decimal.NewFromString(prior.CostUSD); err == nil {
			cost = cost.Add(prev)
		}
	}
	rec := domain.RunRecord{
		ResearchID:    researchID,
		Status:        out.Status,
		Messages:      newMessages,
		ResearchBrief: st.ResearchBrief,
		FinalReport:   st.FinalReport,
		Turns:         prior.Turns + 1,
		InputTokens:   prior.InputTokens + st.Usage.InputTokens,
		OutputTokens:  prior.OutputTokens + st.Usage.OutputTokens,
		CostUSD:       cost.StringFixed(6),
	}
	if err := s.state.SaveRun(ctx, rec); err != nil {
		return ResearchOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}
	return out, nil
}

// validate keeps the non-blank user and assistant messages and checks the
// last one is a user question within the length limit.
func (s *ResearchService) validate(msgs []domain.ChatMessage) ([]domain.ChatMessage, error) {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant:
		default:
			return nil, newError(ErrorInvalidInput, "invalid_role", fmt.Errorf("role %q", m.Role))
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		out = append(out, domain.ChatMessage{Role: m.Role, Content: content})
	}
	if len(out) == 0 || out[len(out)-1].Role != domain.RoleUser {
		return nil, newError(ErrorInvalidInput, "empty_question", nil)
	}
	if len(out[len(out)-1].Content) > s.maxQuestionLen {
		return nil, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	return out, nil
}

func mapRunError(err error) error {
	if errors.Is(err, research.ErrNoUserMessage) {
		return newError(ErrorInvalidInput, "empty_question", err)
	}
	if status, ok := upstreamStatusCode(err); ok {
		if status == http.StatusTooManyRequests {
			return newError(ErrorRateLimited, "upstream_rate_limited", err)
		}
		return newError(ErrorUpstream, "upstream_error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorUpstream, "research_timeout", err)
	}
	return newError(ErrorUpstream, "research_failed", err)
}

func (s *ResearchService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	models, err := s.loadModels(ctx)
	if err != nil {
		return err
	}
	runner, err := s.newRunner(models)
	if err != nil {
		return fmt.Errorf("usecase: build research runner: %w", err)
	}

	s.runner = runner
	s.cacheLoaded = true
	return nil
}

// loadModels reads the optional per-role model overrides. A missing
// parameter leaves every role on the service's default model.
func (s *ResearchService) loadModels(ctx context.Context) (research.Models, error) {
	raw, err := s.params.GetParameter(ctx, s.paramPrefix+modelsParam)
	if errors.Is(err, paramstore.ErrNotFound) {
		return research.DefaultModels(s.defaultModel), nil
	}
	if err != nil {
		return research.Models{}, fmt.Errorf("usecase: load models: %w", err)
	}

	var cfg struct {
		Default string `json:"default"`
		research.Models
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return research.Models{}, fmt.Errorf("usecase: decode models: %w", err)
	}
	fallback := strings.TrimSpace(cfg.Default)
	if fallback == "" {
		fallback = s.defaultModel
	}
	fill := func(v string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return fallback
	}
	return research.Models{
		Research:      fill(cfg.Research),
		Summarization: fill(cfg.Summarization),
		Compression:   fill(cfg.Compression),
		Supervisor:    fill(cfg.Supervisor),
		Writer:        fill(cfg.Writer),
	}, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
