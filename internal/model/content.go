package model

import "fmt"

type NotificationType string

const (
	NotificationTypePush  NotificationType = "push"
	NotificationTypeSMS   NotificationType = "sms"
	NotificationTypeChat  NotificationType = "chat"
	NotificationTypeEmail NotificationType = "email"
)

type ContentKey string

const (
	ContentKeyAppointmentScheduled    ContentKey = "appointmentScheduled"
	ContentKeyAppointmentReminder     ContentKey = "appointmentReminder"
	ContentKeyAppointmentLongReminder ContentKey = "appointmentLongReminder"
	ContentKeyAppointmentCanceled     ContentKey = "appointmentCanceled"
	ContentKeyNewChatMessage          ContentKey = "newChatMessageFromCoach"
	ContentKeyNudgeUnregistered       ContentKey = "nudgeUnregisteredMember"
	ContentKeyNudgeNoActivity         ContentKey = "nudgeNoActivity"
	ContentKeyJournalFeedback         ContentKey = "journalFeedback"
	ContentKeyCarePlanUpdated         ContentKey = "carePlanUpdated"
	ContentKeyQuestionnaireDue        ContentKey = "questionnaireDue"
	ContentKeyCustom                  ContentKey = "custom"
)

// supportedContent maps each content key to the notification types it can be
// delivered through.
var supportedContent = map[ContentKey][]NotificationType{
	ContentKeyAppointmentScheduled:    {NotificationTypePush, NotificationTypeSMS, NotificationTypeEmail},
	ContentKeyAppointmentReminder:     {NotificationTypePush, NotificationTypeSMS},
	ContentKeyAppointmentLongReminder: {NotificationTypePush, NotificationTypeSMS},
	ContentKeyAppointmentCanceled:     {NotificationTypePush, NotificationTypeSMS, NotificationTypeEmail},
	ContentKeyNewChatMessage:          {NotificationTypePush, NotificationTypeSMS, NotificationTypeChat},
	ContentKeyNudgeUnregistered:       {NotificationTypeSMS},
	ContentKeyNudgeNoActivity:         {NotificationTypePush, NotificationTypeSMS},
	ContentKeyJournalFeedback:         {NotificationTypePush, NotificationTypeChat},
	ContentKeyCarePlanUpdated:         {NotificationTypePush, NotificationTypeChat},
	ContentKeyQuestionnaireDue:        {NotificationTypePush, NotificationTypeSMS, NotificationTypeEmail},
	ContentKeyCustom:                  {NotificationTypePush, NotificationTypeSMS, NotificationTypeChat, NotificationTypeEmail},
}

// ValidateContent rejects content key / notification type pairs no renderer
// or provider can serve.
func ValidateContent(key ContentKey, nt NotificationType) error {
	types, ok := supportedContent[key]
	if !ok {
		return fmt.Errorf("%w: unknown content key %q", ErrInvalidContent, key)
	}
	for _, t := range types {
		if t == nt {
			return nil
		}
	}
	return fmt.Errorf("%w: %s via %s", ErrInvalidContent, key, nt)
}

// Provider identifies the channel that handled a dispatch.
type Provider string

const (
	ProviderPush  Provider = "push"
	ProviderSMS   Provider = "sms"
	ProviderChat  Provider = "chat"
	ProviderEmail Provider = "email"
	// ProviderSlack is the internal alerting channel. A result tagged with it
	// was logged for operators instead of reaching the recipient.
	ProviderSlack Provider = "slack"
)

type ProviderResult struct {
	Provider Provider `json:"provider"`
	Content  string   `json:"content"`
	ID       string   `json:"id"`
	Fallback bool     `json:"fallback"`
}
