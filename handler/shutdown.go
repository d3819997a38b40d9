package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/usecase"
)

type ShutdownUseCase interface {
	Shutdown(ctx context.Context, reason string) (usecase.ShutdownOutput, error)
	Cluster() string
	Service() string
}

// ShutdownResponse is the Lambda result; Body is itself a JSON document.
type ShutdownResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

type shutdownBody struct {
	Message       string `json:"message"`
	Cluster       string `json:"cluster"`
	Service       string `json:"service"`
	PreviousCount int32  `json:"previous_count"`
	NewCount      int32  `json:"new_count"`
}

type Shutdown struct {
	uc ShutdownUseCase
}

func NewShutdown(uc ShutdownUseCase) (*Shutdown, error) {
	if uc == nil {
		return nil, errors.New("handler: shutdown use case must not be nil")
	}
	return &Shutdown{uc: uc}, nil
}

// Handle consumes a budget alert delivered through SNS.
func (h *Shutdown) Handle(ctx context.Context, event events.SNSEvent) (ShutdownResponse, error) {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		ctx = ctxlog.With(ctx, "request_id", lc.AwsRequestID)
	}
	logger := ctxlog.FromContext(ctx)

	reason := usecase.DefaultShutdownReason
	if len(event.Records) > 0 {
		if msg := strings.TrimSpace(event.Records[0].SNS.Message); msg != "" {
			reason = msg
		}
	}
	logger.Info("budget alert received", "records", len(event.Records), "reason", reason)

	out, err := h.uc.Shutdown(ctx, reason)
	if err != nil {
		var ue *usecase.Error
		if errors.As(err, &ue) {
			switch ue.Reason {
			case "service_not_found":
				return shutdownResponse(http.StatusNotFound, fmt.Sprintf("Service %s not found in cluster %s", h.uc.Service(), h.uc.Cluster())), nil
			case "cluster_not_found":
				return shutdownResponse(http.StatusNotFound, fmt.Sprintf("Cluster %s not found", h.uc.Cluster())), nil
			}
			if ue.Err != nil {
				err = ue.Err
			}
		}
		return shutdownResponse(http.StatusInternalServerError, "Error scaling down service: "+err.Error()), nil
	}

	if out.AlreadyStopped {
		return shutdownResponse(http.StatusOK, "Service already scaled to 0"), nil
	}
	return shutdownResponse(http.StatusOK, shutdownBody{
		Message:       "Service scaled down successfully",
		Cluster:       out.Cluster,
		Service:       out.Service,
		PreviousCount: out.PreviousCount,
		NewCount:      out.NewCount,
	}), nil
}

func shutdownResponse(status int, payload any) ShutdownResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return ShutdownResponse{StatusCode: http.StatusInternalServerError, Body: `"failed to encode response"`}
	}
	return ShutdownResponse{StatusCode: status, Body: string(body)}
}
