// Package handler adapts Lambda events to the research and shutdown use cases.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/usage"
	"deep-research-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ResearchUseCase interface {
	Research(ctx context.Context, in usecase.ResearchInput) (usecase.ResearchOutput, error)
}

type Handler struct {
	uc ResearchUseCase
}

type researchMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type researchRequest struct {
	Messages   []researchMessage `json:"messages"`
	Query      string            `json:"query"`
	ResearchID string            `json:"researchId"`
}

type usageResponse struct {
	Calls        int    `json:"calls"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	CostUSD      string `json:"costUsd"`
}

type researchResponse struct {
	ResearchID    string        `json:"researchId"`
	Status        string        `json:"status"`
	Question      string        `json:"question,omitempty"`
	ResearchBrief string        `json:"researchBrief,omitempty"`
	FinalReport   string        `json:"finalReport,omitempty"`
	Usage         usageResponse `json:"usage"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(uc ResearchUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: research use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

// Handle serves POST /research through the API Gateway proxy integration.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logArgs := []any{"correlation_id", correlationID}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logArgs = append(logArgs, "request_id", lc.AwsRequestID)
	}
	ctx = ctxlog.With(ctx, logArgs...)
	logger := ctxlog.FromContext(ctx)

	var body researchRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		logger.Warn("invalid request body", "error", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
	}

	out, err := h.uc.Research(ctx, usecase.ResearchInput{
		Messages:   body.chatMessages(),
		ResearchID: body.ResearchID,
	})
	if err != nil {
		status, payload := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("research request failed", "error", err)
		} else {
			logger.Warn("research request rejected", "error", err)
		}
		return jsonResponse(status, correlationID, payload), nil
	}

	logger.Info("research request finished", "research_id", out.ResearchID, "status", out.Status)
	return jsonResponse(http.StatusOK, correlationID, researchResponse{
		ResearchID:    out.ResearchID,
		Status:        string(out.Status),
		Question:      out.Question,
		ResearchBrief: out.ResearchBrief,
		FinalReport:   out.FinalReport,
		Usage:         toUsageResponse(out.Usage),
	}), nil
}

// chatMessages accepts either a message list or a bare query.
func (r researchRequest) chatMessages() []domain.ChatMessage {
	if len(r.Messages) == 0 && strings.TrimSpace(r.Query) != "" {
		return []domain.ChatMessage{domain.UserMessage(r.Query)}
	}
	msgs := make([]domain.ChatMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, domain.ChatMessage{Role: strings.ToLower(strings.TrimSpace(m.Role)), Content: m.Content})
	}
	return msgs
}

func toUsageResponse(s usage.Summary) usageResponse {
	return usageResponse{
		Calls:        s.Calls,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		CostUSD:      s.Cost.StringFixed(6),
	}
}

func mapError(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	payload := errorResponse{Error: string(ue.Code), Reason: ue.Reason}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, payload
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, payload
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, payload
	case usecase.ErrorNotFound:
		return http.StatusNotFound, payload
	default:
		return http.StatusInternalServerError, payload
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}
