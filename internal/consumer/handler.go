package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/service/dispatch"
	"github.com/jwalitptl/iris/pkg/dedupe"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/metrics"
	"github.com/jwalitptl/iris/pkg/mq"
)

const (
	resultOK        = "ok"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultFailed    = "failed"
)

// createFields are the createDispatch keys that map onto struct fields.
// Any other top-level string is content and lands in the payload.
var createFields = map[string]struct{}{
	"type": {}, "dispatchId": {}, "correlationId": {}, "serviceName": {},
	"notificationType": {}, "contentKey": {}, "recipientClientId": {},
	"senderClientId": {}, "triggersAt": {}, "disambiguators": {}, "payload": {},
}

// Handler routes inbound queue messages to the conductor.
type Handler struct {
	service  dispatch.Service
	validate *validator.Validate
	window   *dedupe.Window
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewHandler(service dispatch.Service, window *dedupe.Window, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
		window:   window,
		logger:   log.WithFields(map[string]interface{}{"component": "consumer"}),
		metrics:  m,
	}
}

// Handle satisfies mq.Handler.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.observe("unknown", resultRejected)
		return mq.Reject(fmt.Errorf("invalid message: %w", err))
	}
	if err := h.validate.Struct(env); err != nil {
		h.observe("unknown", resultRejected)
		return mq.Reject(fmt.Errorf("invalid envelope: %w", err))
	}

	msgType := string(env.Type)
	key, err := h.route(ctx, env, body)
	switch {
	case err == nil:
		h.observe(msgType, resultOK)
		return nil
	case errors.Is(err, errDuplicate):
		h.observe(msgType, resultDuplicate)
		h.logger.ZL.Debug().Str("type", msgType).Str("correlation_id", env.CorrelationID).Msg("Duplicate message dropped")
		return nil
	case mq.IsRejected(err):
		h.observe(msgType, resultRejected)
		return err
	default:
		if key != "" && h.window != nil {
			h.window.Release(key)
		}
		h.observe(msgType, resultFailed)
		return err
	}
}

var errDuplicate = errors.New("duplicate message")

func (h *Handler) route(ctx context.Context, env model.Envelope, body []byte) (string, error) {
	switch env.Type {
	case model.MessageTypeCreateDispatch:
		msg, err := decodeCreate(body)
		if err != nil {
			return "", mq.Reject(err)
		}
		if err := h.validate.Struct(msg); err != nil {
			return "", mq.Reject(fmt.Errorf("invalid createDispatch: %w", err))
		}
		key := dedupe.Key(string(env.Type), msg.ResolveDispatchID(), msg.CorrelationID)
		if !h.acquire(key) {
			return key, errDuplicate
		}
		return key, h.createDispatch(ctx, msg)

	case model.MessageTypeUpdateSenderClientID:
		var msg model.UpdateSenderClientIDMessage
		if err := h.decode(body, &msg); err != nil {
			return "", err
		}
		key := dedupe.Key(string(env.Type), msg.RecipientClientID, msg.SenderClientID, msg.CorrelationID)
		if !h.acquire(key) {
			return key, errDuplicate
		}
		_, err := h.service.ReassignSender(ctx, msg.RecipientClientID, msg.SenderClientID)
		return key, err

	case model.MessageTypeDeleteDispatch:
		var msg model.DeleteDispatchMessage
		if err := h.decode(body, &msg); err != nil {
			return "", err
		}
		key := dedupe.Key(string(env.Type), msg.DispatchID, msg.CorrelationID)
		if !h.acquire(key) {
			return key, errDuplicate
		}
		return key, h.deleteDispatch(ctx, msg)

	case model.MessageTypeDeleteClientSettings:
		var msg model.DeleteClientSettingsMessage
		if err := h.decode(body, &msg); err != nil {
			return "", err
		}
		key := dedupe.Key(string(env.Type), msg.ClientID, msg.CorrelationID)
		if !h.acquire(key) {
			return key, errDuplicate
		}
		_, err := h.service.RemoveClient(ctx, msg.ClientID, msg.Hard)
		return key, err
	}

	return "", mq.Reject(fmt.Errorf("unknown message type %q", env.Type))
}

// createDispatch stores the dispatch and hands delivery to the conductor's
// pool, so a slow provider does not hold the channel.
func (h *Handler) createDispatch(ctx context.Context, msg *model.CreateDispatchMessage) error {
	_, err := h.service.Enqueue(ctx, msg)
	if errors.Is(err, model.ErrInvalidContent) {
		return mq.Reject(err)
	}
	return err
}

// deleteDispatch treats a cancel that lost the race as handled; the caller
// learns the final status from the status event.
func (h *Handler) deleteDispatch(ctx context.Context, msg model.DeleteDispatchMessage) error {
	_, err := h.service.CancelDispatch(ctx, msg.DispatchID)
	if errors.Is(err, model.ErrNotCancellable) || errors.Is(err, model.ErrNotFound) {
		h.logger.ZL.Warn().
			Err(err).
			Str("dispatch_id", msg.DispatchID).
			Str("correlation_id", msg.CorrelationID).
			Msg("Dispatch not canceled")
		return nil
	}
	return err
}

func (h *Handler) decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return mq.Reject(fmt.Errorf("invalid message: %w", err))
	}
	if err := h.validate.Struct(v); err != nil {
		return mq.Reject(fmt.Errorf("invalid message: %w", err))
	}
	return nil
}

func (h *Handler) acquire(key string) bool {
	return h.window == nil || h.window.AcquireOnce(key)
}

func (h *Handler) observe(msgType, result string) {
	if h.metrics != nil {
		h.metrics.InboundMessages.WithLabelValues(msgType, result).Inc()
	}
}

// decodeCreate reads a createDispatch message and folds top-level content
// fields into its payload. Values in the payload object win.
func decodeCreate(body []byte) (*model.CreateDispatchMessage, error) {
	var msg model.CreateDispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid createDispatch: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid createDispatch: %w", err)
	}
	extra := model.Payload{}
	for k, v := range raw {
		if _, known := createFields[k]; known {
			continue
		}
		if s, ok := stringValue(v); ok {
			extra[k] = s
		}
	}
	if len(extra) > 0 {
		msg.Payload = extra.Merge(msg.Payload)
	}
	return &msg, nil
}

func stringValue(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", false
		}
		return fmt.Sprint(b), true
	}
	return "", false
}
