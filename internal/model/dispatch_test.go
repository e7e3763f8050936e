package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDispatchID(t *testing.T) {
	a := GenerateDispatchID(ContentKeyAppointmentReminder, "member-1", "appt-7")
	b := GenerateDispatchID(ContentKeyAppointmentReminder, "appt-7", " member-1 ", "")

	assert.Equal(t, "appointmentReminder_appt-7_member-1", a)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, GenerateDispatchID(ContentKeyAppointmentCanceled, "member-1", "appt-7"))
	assert.Equal(t, "nudgeNoActivity", GenerateDispatchID(ContentKeyNudgeNoActivity))
}

func TestResolveDispatchID_PrefersCallerID(t *testing.T) {
	msg := CreateDispatchMessage{DispatchID: "given", ContentKey: ContentKeyCustom, RecipientClientID: "r"}
	assert.Equal(t, "given", msg.ResolveDispatchID())

	msg.DispatchID = "  "
	assert.Equal(t, "custom_r", msg.ResolveDispatchID())
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to DispatchStatus
		ok       bool
	}{
		{DispatchStatusReceived, DispatchStatusAcquired, true},
		{DispatchStatusReceived, DispatchStatusDone, true},
		{DispatchStatusReceived, DispatchStatusError, true},
		{DispatchStatusReceived, DispatchStatusCanceled, true},
		{DispatchStatusAcquired, DispatchStatusDone, true},
		{DispatchStatusAcquired, DispatchStatusError, true},
		{DispatchStatusAcquired, DispatchStatusCanceled, false},
		{DispatchStatusAcquired, DispatchStatusAcquired, false},
		{DispatchStatusDone, DispatchStatusError, false},
		{DispatchStatusError, DispatchStatusAcquired, false},
		{DispatchStatusCanceled, DispatchStatusDone, false},
		{DispatchStatusDone, DispatchStatusReceived, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}

	for _, s := range []DispatchStatus{DispatchStatusDone, DispatchStatusError, DispatchStatusCanceled} {
		assert.True(t, s.Terminal())
	}
	assert.Empty(t, AllowedFrom(DispatchStatusReceived))
}

func TestTransitionError(t *testing.T) {
	assert.ErrorIs(t, TransitionError("d", DispatchStatusAcquired, DispatchStatusCanceled), ErrNotCancellable)
	assert.ErrorIs(t, TransitionError("d", DispatchStatusDone, DispatchStatusAcquired), ErrInvalidTransition)
}

func TestParseDispatchStatus(t *testing.T) {
	s, err := ParseDispatchStatus("canceled")
	require.NoError(t, err)
	assert.Equal(t, DispatchStatusCanceled, s)

	_, err = ParseDispatchStatus("sent")
	assert.Error(t, err)
}

func TestPayload_MergeAndScan(t *testing.T) {
	merged := Payload{"phone": "+1", "content": "old"}.Merge(Payload{"content": "new", "email": ""})
	assert.Equal(t, Payload{"phone": "+1", "content": "new"}, merged)

	var p Payload
	require.NoError(t, p.Scan([]byte(`{"phone":"+15555550100"}`)))
	assert.Equal(t, "+15555550100", p[PayloadPhone])
	require.NoError(t, p.Scan(nil))
	assert.Nil(t, p)
	assert.Error(t, p.Scan(42))
}

func TestDispatch_Due(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	assert.True(t, (&Dispatch{}).Due(now))
	assert.True(t, (&Dispatch{TriggersAt: &now}).Due(now))
	assert.False(t, (&Dispatch{TriggersAt: &later}).Due(now))
}

func TestDispatch_CloneIsDeep(t *testing.T) {
	sender := "coach-1"
	d := &Dispatch{DispatchID: "d", SenderClientID: &sender, Payload: Payload{"k": "v"}}

	c := d.Clone()
	*c.SenderClientID = "coach-2"
	c.Payload["k"] = "changed"

	assert.Equal(t, "coach-1", d.Sender())
	assert.Equal(t, "v", d.Payload["k"])
}

func TestValidateContent(t *testing.T) {
	assert.NoError(t, ValidateContent(ContentKeyAppointmentReminder, NotificationTypeSMS))
	assert.ErrorIs(t, ValidateContent(ContentKeyNudgeUnregistered, NotificationTypePush), ErrInvalidContent)
	assert.ErrorIs(t, ValidateContent("lottery", NotificationTypeSMS), ErrInvalidContent)
}

func TestProjection(t *testing.T) {
	fields, err := ParseProjection("dispatchId, status,,")
	require.NoError(t, err)
	assert.Equal(t, []string{"dispatchId", "status"}, fields)

	_, err = ParseProjection("dispatchId,secret")
	assert.Error(t, err)

	all, err := ParseProjection("")
	require.NoError(t, err)
	assert.Nil(t, all)

	rows, err := Project([]*Dispatch{{DispatchID: "d-1", Status: DispatchStatusDone, RetryCount: 2}}, fields)
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{{"dispatchId": "d-1", "status": "done"}}, rows)
}

func TestCreateDispatchMessage_ToDispatch(t *testing.T) {
	raw := `{"type":"createDispatch","correlationId":"c","serviceName":"s","notificationType":"push",
		"contentKey":"journalFeedback","recipientClientId":"r","triggersAt":"2024-03-01T12:00:00+02:00"}`
	var msg CreateDispatchMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	d := msg.ToDispatch()

	assert.Equal(t, "journalFeedback_r", d.DispatchID)
	assert.Nil(t, d.SenderClientID)
	assert.Equal(t, DispatchStatusReceived, d.Status)
	require.NotNil(t, d.TriggersAt)
	assert.Equal(t, time.UTC, d.TriggersAt.Location())
	assert.Equal(t, 10, d.TriggersAt.Hour())
}
