// Package lambdaapi serves the thread API from AWS Lambda behind an API
// Gateway REST proxy integration.
package lambdaapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jacentio/directmsg/internal/logging"
	"github.com/jacentio/directmsg/internal/metrics"
	"github.com/jacentio/directmsg/transport"
)

const messagesPrefix = "/v1/messages/"

// Handler dispatches API Gateway proxy events to the thread service.
type Handler struct {
	svc     transport.Service
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHandler creates a new Lambda handler. logger and m may be nil.
func NewHandler(svc transport.Service, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:     svc,
		logger:  logger,
		metrics: m,
	}
}

// Handle is the Lambda entry point. Service failures are reported in the
// response, so the returned error is always nil and the invocation is
// never retried.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()

	id := header(req, "X-Request-ID")
	if id == "" {
		id = req.RequestContext.RequestID
	}
	ctx = logging.WithRequestID(ctx, id)

	route, code, env := h.dispatch(ctx, req)
	h.metrics.ObserveRequest(route, code)

	log := logging.FromContext(ctx, h.logger)
	fields := []zap.Field{
		zap.String("method", req.HTTPMethod),
		zap.String("route", route),
		zap.Int("status", code),
		zap.Duration("latency", time.Since(start)),
	}
	if code >= http.StatusInternalServerError {
		log.Error("lambda_request", fields...)
	} else {
		log.Debug("lambda_request", fields...)
	}

	return respond(ctx, code, env), nil
}

func (h *Handler) dispatch(ctx context.Context, req events.APIGatewayProxyRequest) (string, int, transport.Envelope) {
	path := strings.TrimSuffix(req.Path, "/")
	method := req.HTTPMethod

	var route string
	switch {
	case path == "/v1/sendDirectMessage":
		route = path
		if method == http.MethodPost {
			body, err := decodeBody(req)
			if err != nil {
				code, env := transport.Failure(err)
				return route, code, env
			}
			code, env := transport.Send(ctx, h.svc, header(req, "Content-Type"), body)
			return route, code, env
		}
	case path == "/v1/replyDirectMessage":
		route = path
		if method == http.MethodPost {
			body, err := decodeBody(req)
			if err != nil {
				code, env := transport.Failure(err)
				return route, code, env
			}
			code, env := transport.Reply(ctx, h.svc, header(req, "Content-Type"), body)
			return route, code, env
		}
	case path == "/v1/listDMFor":
		route = path
		if method == http.MethodGet {
			code, env := transport.ListInbox(ctx, h.svc, req.QueryStringParameters["username"])
			return route, code, env
		}
	case path == "/v1/listReplies":
		route = path
		if method == http.MethodGet {
			code, env := transport.ListReplies(ctx, h.svc, req.QueryStringParameters["MessageId"])
			return route, code, env
		}
	case strings.HasPrefix(path, messagesPrefix):
		route = "/v1/messages/:id"
		if method == http.MethodGet {
			rawID := req.PathParameters["id"]
			if rawID == "" {
				rawID = strings.TrimPrefix(path, messagesPrefix)
			}
			code, env := transport.GetMessage(ctx, h.svc, rawID)
			return route, code, env
		}
	default:
		return "unmatched", http.StatusNotFound, plain(http.StatusNotFound, "route not found")
	}
	return route, http.StatusMethodNotAllowed, plain(http.StatusMethodNotAllowed, "method not allowed")
}

func decodeBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, transport.ErrBadRequest
	}
	return body, nil
}

// header looks name up case-insensitively in both header maps.
func header(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	for k, v := range req.MultiValueHeaders {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func plain(code int, message string) transport.Envelope {
	return transport.Envelope{StatusCode: code, Message: message, ContentType: "application/json"}
}

func respond(ctx context.Context, code int, env transport.Envelope) events.APIGatewayProxyResponse {
	body, err := json.Marshal(env)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"StatusCode":500,"Message":"Internal Server Error","ContentType":"application/json"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: code,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"X-Request-ID": logging.RequestID(ctx),
		},
		Body: string(body),
	}
}
