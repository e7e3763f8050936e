package channel

import (
	"fmt"

	"github.com/jwalitptl/iris/internal/model"
)

// ContentRenderer produces the text sent for a dispatch.
type ContentRenderer interface {
	Render(d *model.Dispatch) (body string, subject string, err error)
}

var defaultBodies = map[model.ContentKey]string{
	model.ContentKeyAppointmentScheduled:    "Your appointment has been scheduled.",
	model.ContentKeyAppointmentReminder:     "Reminder: you have an appointment coming up soon.",
	model.ContentKeyAppointmentLongReminder: "Reminder: you have an appointment tomorrow.",
	model.ContentKeyAppointmentCanceled:     "Your appointment has been canceled.",
	model.ContentKeyNewChatMessage:          "You have a new message from your coach.",
	model.ContentKeyNudgeUnregistered:       "Your care team is waiting for you. Finish signing up to get started.",
	model.ContentKeyNudgeNoActivity:         "We miss you! Check in with your care team today.",
	model.ContentKeyJournalFeedback:         "Your coach left feedback on your journal.",
	model.ContentKeyCarePlanUpdated:         "Your care plan has been updated.",
	model.ContentKeyQuestionnaireDue:        "You have a questionnaire waiting for you.",
}

// PayloadRenderer uses the pre-rendered payload content and falls back to a
// fixed text per content key.
type PayloadRenderer struct{}

func (PayloadRenderer) Render(d *model.Dispatch) (string, string, error) {
	body := d.Payload[model.PayloadContent]
	if body == "" {
		body = defaultBodies[d.ContentKey]
	}
	if body == "" {
		return "", "", fmt.Errorf("no content for %s", d.ContentKey)
	}
	subject := d.Payload[model.PayloadSubject]
	if subject == "" {
		subject = "A message from your care team"
	}
	return body, subject, nil
}
