// Package transport holds the wire format shared by the HTTP and Lambda
// front ends: request DTOs, the response envelope and the mapping from
// service errors to status codes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/jacentio/directmsg/store"
	"github.com/jacentio/directmsg/thread"
)

// ErrBadRequest marks a request that could not be decoded.
var ErrBadRequest = errors.New("bad request")

// Service is the thread API the transports call.
type Service interface {
	SendMessage(ctx context.Context, in thread.SendInput) (thread.SendResult, error)
	ReplyToMessage(ctx context.Context, in thread.ReplyInput) (*store.Message, error)
	ListInboxFor(ctx context.Context, username string) ([]string, error)
	ListRepliesFor(ctx context.Context, rawID string) ([]string, error)
	GetMessage(ctx context.Context, rawID string) (*store.Message, error)
}

var _ Service = (*thread.Service)(nil)

// Envelope is the body of every response.
type Envelope struct {
	StatusCode  int    `json:"StatusCode"`
	Message     string `json:"Message"`
	ContentType string `json:"ContentType"`
	Kind        string `json:"Kind,omitempty"`
	Data        any    `json:"data,omitempty"`
}

const contentTypeJSON = "application/json"

// Number is an integer that also accepts a quoted decimal string.
type Number int64

// UnmarshalJSON accepts 12 and "12".
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not an integer", ErrBadRequest, b)
	}
	*n = Number(v)
	return nil
}

// SendRequest is the body of POST /v1/sendDirectMessage.
type SendRequest struct {
	To           string            `json:"to_username"`
	From         string            `json:"from_username"`
	Message      string            `json:"message"`
	QuickReplies map[string]string `json:"quickReplies"`
	InReplyTo    *Number           `json:"inReplyTo"`
}

// Input converts the request to service input.
func (r SendRequest) Input() (thread.SendInput, error) {
	in := thread.SendInput{
		Sender:    r.From,
		Recipient: r.To,
		Text:      r.Message,
	}
	if len(r.QuickReplies) > 0 {
		in.QuickReplies = make(map[int]string, len(r.QuickReplies))
		for k, v := range r.QuickReplies {
			idx, err := strconv.Atoi(k)
			if err != nil || strconv.Itoa(idx) != k {
				return thread.SendInput{}, fmt.Errorf("%w: quick reply key %q is not a canonical integer", ErrBadRequest, k)
			}
			in.QuickReplies[idx] = v
		}
	}
	if r.InReplyTo != nil {
		id := int64(*r.InReplyTo)
		in.InReplyTo = &id
	}
	return in, nil
}

// SendResponse is the data of a successful send.
type SendResponse struct {
	MessageID int64     `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplyRequest is the body of POST /v1/replyDirectMessage.
type ReplyRequest struct {
	MessageID    *Number `json:"messageId"`
	Reply        *string `json:"reply"`
	QuickReplyID *Number `json:"quickReplyId"`
}

// Input converts the request to service input.
func (r ReplyRequest) Input() thread.ReplyInput {
	in := thread.ReplyInput{ReplyText: r.Reply}
	if r.MessageID != nil {
		id := int64(*r.MessageID)
		in.MessageID = &id
	}
	if r.QuickReplyID != nil {
		idx := int(*r.QuickReplyID)
		in.QuickReplyIndex = &idx
	}
	return in
}

// MessageView is the wire form of a whole thread.
type MessageView struct {
	ID           int64             `json:"messageId"`
	From         string            `json:"from_username"`
	To           string            `json:"to_username"`
	Timestamp    time.Time         `json:"timestamp"`
	Message      string            `json:"message"`
	QuickReplies map[string]string `json:"quickReplies,omitempty"`
	InReplyTo    *int64            `json:"inReplyTo,omitempty"`
	Replies      []string          `json:"replies"`
}

// ViewOf renders a stored message.
func ViewOf(m *store.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		From:      m.Sender,
		To:        m.Recipient,
		Timestamp: m.CreatedAt,
		Message:   m.Text,
		InReplyTo: m.InReplyTo,
		Replies:   m.Replies,
	}
	if len(m.QuickReplies) > 0 {
		v.QuickReplies = make(map[string]string, len(m.QuickReplies))
		for k, text := range m.QuickReplies {
			v.QuickReplies[strconv.Itoa(k)] = text
		}
	}
	if v.Replies == nil {
		v.Replies = []string{}
	}
	return v
}

// StatusFor maps an error to an HTTP status code.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrBadRequest) {
		return http.StatusBadRequest
	}
	switch thread.KindOf(err) {
	case thread.KindMissingField, thread.KindInvalidID:
		return http.StatusBadRequest
	case thread.KindUnknownUser, thread.KindUnknownMessage, thread.KindUnknownQuickReply, thread.KindEmptyResult:
		return http.StatusNotFound
	case thread.KindDuplicateID, thread.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// OK builds a success envelope.
func OK(message string, data any) (int, Envelope) {
	return http.StatusOK, Envelope{
		StatusCode:  http.StatusOK,
		Message:     message,
		ContentType: contentTypeJSON,
		Data:        data,
	}
}

// Failure builds the envelope for err. Internal details of store
// failures are not exposed.
func Failure(err error) (int, Envelope) {
	code := StatusFor(err)
	env := Envelope{
		StatusCode:  code,
		ContentType: contentTypeJSON,
		Kind:        string(thread.KindOf(err)),
	}

	var te *thread.Error
	switch {
	case code >= http.StatusInternalServerError:
		env.Message = http.StatusText(code)
	case errors.As(err, &te):
		env.Message = te.Message
	default:
		env.Message = err.Error()
	}
	return code, env
}

// IsJSON reports whether a Content-Type header names JSON.
func IsJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == contentTypeJSON
}

func decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", ErrBadRequest)
	}
	if err := json.Unmarshal(body, v); err != nil {
		if errors.Is(err, ErrBadRequest) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

var errNotJSON = fmt.Errorf("%w: content type should be json", ErrBadRequest)

// Send handles a send request body.
func Send(ctx context.Context, svc Service, contentType string, body []byte) (int, Envelope) {
	if !IsJSON(contentType) {
		return Failure(errNotJSON)
	}
	var req SendRequest
	if err := decode(body, &req); err != nil {
		return Failure(err)
	}
	in, err := req.Input()
	if err != nil {
		return Failure(err)
	}
	res, err := svc.SendMessage(ctx, in)
	if err != nil {
		return Failure(err)
	}
	return OK("Message sent successfully", SendResponse{MessageID: res.ID, Timestamp: res.Timestamp})
}

// Reply handles a reply request body.
func Reply(ctx context.Context, svc Service, contentType string, body []byte) (int, Envelope) {
	if !IsJSON(contentType) {
		return Failure(errNotJSON)
	}
	var req ReplyRequest
	if err := decode(body, &req); err != nil {
		return Failure(err)
	}
	msg, err := svc.ReplyToMessage(ctx, req.Input())
	if err != nil {
		return Failure(err)
	}
	return OK("Reply sent successfully", msg.Replies)
}

// ListInbox handles a listDMFor query.
func ListInbox(ctx context.Context, svc Service, username string) (int, Envelope) {
	texts, err := svc.ListInboxFor(ctx, username)
	if err != nil {
		return Failure(err)
	}
	return OK("Direct messages found", texts)
}

// ListReplies handles a listReplies query.
func ListReplies(ctx context.Context, svc Service, rawID string) (int, Envelope) {
	replies, err := svc.ListRepliesFor(ctx, rawID)
	if err != nil {
		return Failure(err)
	}
	return OK("Replies found", replies)
}

// GetMessage handles a message lookup.
func GetMessage(ctx context.Context, svc Service, rawID string) (int, Envelope) {
	msg, err := svc.GetMessage(ctx, rawID)
	if err != nil {
		return Failure(err)
	}
	return OK("Message found", ViewOf(msg))
}
