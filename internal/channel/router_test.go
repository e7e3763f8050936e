package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/pkg/circuitbreaker"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/metrics"
)

type fakeAdapter struct {
	provider model.Provider
	err      error

	mu   sync.Mutex
	sent []Message
}

func (f *fakeAdapter) Provider() model.Provider { return f.provider }

func (f *fakeAdapter) Send(_ context.Context, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return "", f.err
	}
	return string(f.provider) + "-id", nil
}

func (f *fakeAdapter) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

type routerFixture struct {
	router  *Router
	metrics *metrics.Metrics
	push    *fakeAdapter
	sms     *fakeAdapter
	chat    *fakeAdapter
	email   *fakeAdapter
	alerts  *fakeAdapter
}

func newRouterFixture(env string) *routerFixture {
	f := &routerFixture{
		metrics: metrics.NewTestMetrics(),
		push:    &fakeAdapter{provider: model.ProviderPush},
		sms:     &fakeAdapter{provider: model.ProviderSMS},
		chat:    &fakeAdapter{provider: model.ProviderChat},
		email:   &fakeAdapter{provider: model.ProviderEmail},
		alerts:  &fakeAdapter{provider: model.ProviderSlack},
	}
	f.router = NewRouter(Config{Environment: env, BreakerMaxFailures: 2, BreakerTimeout: time.Minute},
		nil, f.alerts, logger.Nop(), f.metrics, f.push, f.sms, f.chat, f.email)
	return f
}

func dispatch(nt model.NotificationType, payload model.Payload) *model.Dispatch {
	sender := "coach-1"
	return &model.Dispatch{
		DispatchID:        "d-1",
		CorrelationID:     "corr-1",
		RecipientClientID: "member-1",
		SenderClientID:    &sender,
		NotificationType:  nt,
		ContentKey:        model.ContentKeyAppointmentReminder,
		Payload:           payload,
	}
}

func TestRouter_SendsSMS(t *testing.T) {
	f := newRouterFixture("production")

	res, err := f.router.Send(context.Background(), dispatch(model.NotificationTypeSMS, model.Payload{
		model.PayloadPhone:   "+15555550100",
		model.PayloadContent: "See you at 3pm",
	}))

	require.NoError(t, err)
	assert.Equal(t, model.ProviderSMS, res.Provider)
	assert.Equal(t, "sms-id", res.ID)
	assert.Equal(t, "See you at 3pm", res.Content)
	assert.False(t, res.Fallback)

	sent := f.sms.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15555550100", sent[0].To)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ProviderSends.WithLabelValues("sms", "success")))
}

func TestRouter_InvalidPhoneFallsBack(t *testing.T) {
	f := newRouterFixture("production")

	res, err := f.router.Send(context.Background(), dispatch(model.NotificationTypeSMS, model.Payload{
		model.PayloadPhone: "555-0100",
	}))

	require.NoError(t, err)
	assert.Equal(t, model.ProviderSlack, res.Provider)
	assert.True(t, res.Fallback)
	assert.Equal(t, "slack-id", res.ID)
	assert.Empty(t, f.sms.messages())

	alerts := f.alerts.messages()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Body, "invalid phone number")
}

func TestRouter_NonProductionFallsBack(t *testing.T) {
	f := newRouterFixture("staging")

	res, err := f.router.Send(context.Background(), dispatch(model.NotificationTypeSMS, model.Payload{
		model.PayloadPhone: "+15555550100",
	}))

	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, model.ProviderSlack, res.Provider)
	assert.Equal(t, defaultBodies[model.ContentKeyAppointmentReminder], res.Content)
	assert.Empty(t, f.sms.messages())
}

func TestRouter_PushWithoutCapabilityUsesSMS(t *testing.T) {
	tests := []struct {
		name    string
		payload model.Payload
	}{
		{"no player id", model.Payload{model.PayloadPhone: "+15555550100"}},
		{"push disabled", model.Payload{
			model.PayloadPhone:       "+15555550100",
			model.PayloadPlayerID:    "player-1",
			model.PayloadPushEnabled: "false",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture("production")

			res, err := f.router.Send(context.Background(), dispatch(model.NotificationTypePush, tt.payload))

			require.NoError(t, err)
			assert.Equal(t, model.ProviderSMS, res.Provider)
			assert.Empty(t, f.push.messages())
			assert.Len(t, f.sms.messages(), 1)
		})
	}
}

func TestRouter_SendsPush(t *testing.T) {
	f := newRouterFixture("production")

	res, err := f.router.Send(context.Background(), dispatch(model.NotificationTypePush, model.Payload{
		model.PayloadPlayerID:    "player-1",
		model.PayloadPushEnabled: "true",
	}))

	require.NoError(t, err)
	assert.Equal(t, model.ProviderPush, res.Provider)
	require.Len(t, f.push.messages(), 1)
	assert.Equal(t, "player-1", f.push.messages()[0].To)
}

func TestRouter_ChatAndEmail(t *testing.T) {
	f := newRouterFixture("production")
	ctx := context.Background()

	res, err := f.router.Send(ctx, dispatch(model.NotificationTypeChat, model.Payload{model.PayloadChatChannel: "channel-1"}))
	require.NoError(t, err)
	assert.Equal(t, model.ProviderChat, res.Provider)
	assert.Equal(t, "coach-1", f.chat.messages()[0].Sender)

	res, err = f.router.Send(ctx, dispatch(model.NotificationTypeChat, nil))
	require.NoError(t, err)
	assert.True(t, res.Fallback)

	res, err = f.router.Send(ctx, dispatch(model.NotificationTypeEmail, model.Payload{
		model.PayloadEmail:   "Member <member@example.com>",
		model.PayloadSubject: "Appointment",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.ProviderEmail, res.Provider)
	assert.Equal(t, "member@example.com", f.email.messages()[0].To)
	assert.Equal(t, "Appointment", f.email.messages()[0].Subject)

	res, err = f.router.Send(ctx, dispatch(model.NotificationTypeEmail, model.Payload{model.PayloadEmail: "not-an-email"}))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestRouter_ProviderErrors(t *testing.T) {
	f := newRouterFixture("production")
	ctx := context.Background()
	d := dispatch(model.NotificationTypeSMS, model.Payload{model.PayloadPhone: "+15555550100"})

	f.sms.err = errors.New("timeout")
	_, err := f.router.Send(ctx, d)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	f.sms.err = Permanent(errors.New("opted out"))
	_, err = f.router.Send(ctx, d)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.ProviderSends.WithLabelValues("sms", "failure")))
}

func TestRouter_BreakerOpensOnTransientFailures(t *testing.T) {
	f := newRouterFixture("production")
	ctx := context.Background()
	d := dispatch(model.NotificationTypeSMS, model.Payload{model.PayloadPhone: "+15555550100"})
	f.sms.err = errors.New("503")

	for i := 0; i < 2; i++ {
		_, err := f.router.Send(ctx, d)
		require.Error(t, err)
	}
	_, err := f.router.Send(ctx, d)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, IsPermanent(err))
	assert.Len(t, f.sms.messages(), 2)
}

func TestRouter_FailedAlertStillSucceeds(t *testing.T) {
	f := newRouterFixture("development")
	f.alerts.err = errors.New("webhook down")

	res, err := f.router.Send(context.Background(), dispatch(model.NotificationTypeSMS, model.Payload{
		model.PayloadPhone: "+15555550100",
	}))

	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.NotEmpty(t, res.ID)
}

func TestRouter_RejectsUnrenderable(t *testing.T) {
	f := newRouterFixture("production")
	d := dispatch(model.NotificationTypeSMS, model.Payload{model.PayloadPhone: "+15555550100"})
	d.ContentKey = model.ContentKeyCustom

	_, err := f.router.Send(context.Background(), d)
	assert.True(t, IsPermanent(err))
}

func TestRouter_UnknownNotificationType(t *testing.T) {
	f := newRouterFixture("production")

	_, err := f.router.Send(context.Background(), dispatch("fax", nil))
	assert.True(t, IsPermanent(err))
}
