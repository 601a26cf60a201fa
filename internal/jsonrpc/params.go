package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	validator "github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type PublishParams struct {
	Topic   string `json:"topic"            validate:"required"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"              validate:"gt=0"`
	Tag     int64  `json:"tag,omitempty"    validate:"gte=0"`
	Prompt  bool   `json:"prompt,omitempty"`
}

type BatchPublishParams struct {
	Messages []PublishParams `json:"messages" validate:"required,min=1,dive"`
}

type SubscribeParams struct {
	Topic string `json:"topic" validate:"required"`
}

type BatchSubscribeParams struct {
	Topics []string `json:"topics" validate:"required,min=1,dive,required"`
}

type UnsubscribeParams struct {
	ID    string `json:"id"              validate:"required"`
	Topic string `json:"topic,omitempty"`
}

type BatchUnsubscribeParams struct {
	Subscriptions []UnsubscribeParams `json:"subscriptions" validate:"required,min=1,dive"`
}

type FetchMessagesParams struct {
	Topic string `json:"topic" validate:"required"`
}

type BatchFetchMessagesParams struct {
	Topics []string `json:"topics" validate:"required,min=1,dive,required"`
}

// FetchMessagesResult answers fetchMessages.
type FetchMessagesResult struct {
	Messages []string `json:"messages"`
	HasMore  bool     `json:"hasMore"`
}

// BatchFetchMessagesResult answers batchFetchMessages, one slice per distinct topic.
type BatchFetchMessagesResult struct {
	Messages [][]string `json:"messages"`
	HasMore  bool       `json:"hasMore"`
}

// SubscriptionData is the pushed message body.
type SubscriptionData struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	PublishedAt int64  `json:"publishedAt"`
	Tag         int64  `json:"tag"`
}

// SubscriptionParams are the params of a {dialect}_subscription push.
type SubscriptionParams struct {
	ID   string           `json:"id"`
	Data SubscriptionData `json:"data"`
}

// DecodeParams unmarshals raw into dst and validates it. Failures come back as
// InvalidParams errors.
func DecodeParams(raw json.RawMessage, dst interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return relayErrors.InvalidParams(fmt.Errorf("params are required"))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return relayErrors.InvalidParams(err)
	}
	if err := validate.Struct(dst); err != nil {
		return relayErrors.InvalidParams(err)
	}
	return nil
}

// ErrorFrom converts a handler error into a JSON-RPC error object.
func ErrorFrom(err error) *Error {
	appErr, ok := relayErrors.As(err)
	if !ok {
		return &Error{Code: CodeServerError, Message: err.Error()}
	}

	switch appErr.Code {
	case relayErrors.CodeMethodNotFound:
		return &Error{Code: CodeMethodNotFound, Message: appErr.Message}
	case relayErrors.CodeInvalidRequest:
		return &Error{Code: CodeInvalidRequest, Message: appErr.Message}
	case relayErrors.CodeInvalidParams:
		e := &Error{Code: CodeInvalidParams, Message: appErr.Message}
		if appErr.Cause != nil {
			e.Data = appErr.Cause.Error()
		}
		return e
	default:
		msg := appErr.Message
		if appErr.Cause != nil {
			msg = appErr.Cause.Error()
		}
		return &Error{Code: CodeServerError, Message: msg}
	}
}
