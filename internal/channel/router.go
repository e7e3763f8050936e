package channel

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/metrics"
)

const productionEnv = "production"

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

type Config struct {
	Environment        string
	RatePerSecond      float64
	Burst              int
	BreakerMaxFailures int
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// Router picks a provider adapter for each dispatch. Outside production, and
// for destinations that can never be reached, the message is posted to the
// alerting channel instead and reported as a fallback success.
type Router struct {
	config   Config
	adapters map[model.Provider]*guardedAdapter
	alerts   Adapter
	renderer ContentRenderer
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewRouter(config Config, renderer ContentRenderer, alerts Adapter, log *logger.Logger, m *metrics.Metrics, adapters ...Adapter) *Router {
	if renderer == nil {
		renderer = PayloadRenderer{}
	}
	r := &Router{
		config:   config,
		adapters: make(map[model.Provider]*guardedAdapter, len(adapters)),
		alerts:   alerts,
		renderer: renderer,
		logger:   log.WithFields(map[string]interface{}{"component": "channel_router"}),
		metrics:  m,
	}
	for _, a := range adapters {
		r.adapters[a.Provider()] = guard(a, config)
	}
	return r
}

func (r *Router) Send(ctx context.Context, d *model.Dispatch) (*model.ProviderResult, error) {
	body, subject, err := r.renderer.Render(d)
	if err != nil {
		return nil, Permanent(err)
	}

	provider, msg, reason, err := r.route(d, body, subject)
	if err != nil {
		return nil, err
	}
	if reason == "" && !strings.EqualFold(r.config.Environment, productionEnv) {
		reason = fmt.Sprintf("%s environment", r.config.Environment)
	}
	if reason != "" {
		return r.fallback(ctx, d, provider, msg, reason), nil
	}

	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, Permanent(fmt.Errorf("no adapter configured for %s", provider))
	}

	id, err := adapter.Send(ctx, msg)
	if err != nil {
		r.metrics.ProviderSends.WithLabelValues(string(provider), "failure").Inc()
		return nil, fmt.Errorf("%s send failed: %w", provider, err)
	}
	r.metrics.ProviderSends.WithLabelValues(string(provider), "success").Inc()

	return &model.ProviderResult{Provider: provider, Content: body, ID: id}, nil
}

// route resolves the provider and destination. A non-empty reason means the
// destination is unreachable and the dispatch goes to the fallback channel.
func (r *Router) route(d *model.Dispatch, body, subject string) (model.Provider, Message, string, error) {
	p := d.Payload
	msg := Message{
		DispatchID: d.DispatchID,
		Recipient:  d.RecipientClientID,
		Sender:     d.Sender(),
		Subject:    subject,
		Body:       body,
		Platform:   p[model.PayloadPlatform],
	}

	nt := d.NotificationType
	if nt == model.NotificationTypePush && !pushCapable(p) {
		r.logger.ZL.Info().
			Str("dispatch_id", d.DispatchID).
			Msg("Recipient cannot receive push, sending SMS")
		nt = model.NotificationTypeSMS
	}

	switch nt {
	case model.NotificationTypePush:
		msg.To = p[model.PayloadPlayerID]
		return model.ProviderPush, msg, "", nil
	case model.NotificationTypeSMS:
		msg.To = strings.TrimSpace(p[model.PayloadPhone])
		if !e164.MatchString(msg.To) {
			return model.ProviderSMS, msg, fmt.Sprintf("invalid phone number %q", msg.To), nil
		}
		return model.ProviderSMS, msg, "", nil
	case model.NotificationTypeChat:
		msg.To = p[model.PayloadChatChannel]
		if msg.To == "" {
			return model.ProviderChat, msg, "missing chat channel", nil
		}
		return model.ProviderChat, msg, "", nil
	case model.NotificationTypeEmail:
		addr, err := mail.ParseAddress(p[model.PayloadEmail])
		if err != nil {
			return model.ProviderEmail, msg, fmt.Sprintf("invalid email address %q", p[model.PayloadEmail]), nil
		}
		msg.To = addr.Address
		return model.ProviderEmail, msg, "", nil
	}
	return "", msg, "", Permanent(fmt.Errorf("unsupported notification type %q", d.NotificationType))
}

func pushCapable(p model.Payload) bool {
	if p[model.PayloadPlayerID] == "" {
		return false
	}
	return !strings.EqualFold(p[model.PayloadPushEnabled], "false")
}

func (r *Router) fallback(ctx context.Context, d *model.Dispatch, intended model.Provider, msg Message, reason string) *model.ProviderResult {
	r.logger.ZL.Warn().
		Str("dispatch_id", d.DispatchID).
		Str("correlation_id", d.CorrelationID).
		Str("provider", string(intended)).
		Str("reason", reason).
		Msg("Sending to fallback channel")

	alert := msg
	alert.Body = fmt.Sprintf("[%s] %s to %s (%s): %s", r.config.Environment, intended, msg.Recipient, reason, msg.Body)

	id := ""
	if r.alerts != nil {
		var err error
		if id, err = r.alerts.Send(ctx, alert); err != nil {
			// The dispatch still counts as handled; operators lose only the alert.
			r.logger.ZL.Error().Err(err).Str("dispatch_id", d.DispatchID).Msg("Fallback alert failed")
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	r.metrics.ProviderSends.WithLabelValues(string(model.ProviderSlack), "fallback").Inc()
	return &model.ProviderResult{
		Provider: model.ProviderSlack,
		Content:  msg.Body,
		ID:       id,
		Fallback: true,
	}
}
