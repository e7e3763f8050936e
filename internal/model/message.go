package model

import (
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeCreateDispatch       MessageType = "createDispatch"
	MessageTypeUpdateSenderClientID MessageType = "updateSenderClientId"
	MessageTypeDeleteDispatch       MessageType = "deleteDispatch"
	MessageTypeDeleteClientSettings MessageType = "deleteClientSettings"
)

// Envelope is decoded first to route an inbound message by its type.
type Envelope struct {
	Type          MessageType `json:"type" validate:"required"`
	CorrelationID string      `json:"correlationId"`
	DispatchID    string      `json:"dispatchId"`
}

type CreateDispatchMessage struct {
	Type              MessageType      `json:"type" validate:"required,eq=createDispatch"`
	DispatchID        string           `json:"dispatchId,omitempty"`
	CorrelationID     string           `json:"correlationId" validate:"required"`
	ServiceName       string           `json:"serviceName" validate:"required"`
	NotificationType  NotificationType `json:"notificationType" validate:"required,oneof=push sms chat email"`
	ContentKey        ContentKey       `json:"contentKey" validate:"required"`
	RecipientClientID string           `json:"recipientClientId" validate:"required"`
	SenderClientID    string           `json:"senderClientId,omitempty"`
	TriggersAt        *time.Time       `json:"triggersAt,omitempty"`
	// Disambiguators distinguish logical notifications that share a content
	// key and recipient, e.g. an appointment id.
	Disambiguators []string `json:"disambiguators,omitempty"`
	Payload        Payload  `json:"payload,omitempty"`
}

// ResolveDispatchID returns the caller-supplied id or derives one.
func (m *CreateDispatchMessage) ResolveDispatchID() string {
	if id := strings.TrimSpace(m.DispatchID); id != "" {
		return id
	}
	tokens := append([]string{m.RecipientClientID}, m.Disambiguators...)
	return GenerateDispatchID(m.ContentKey, tokens...)
}

// ToDispatch builds the record merged into the store. Empty optional
// fields stay nil so the upsert leaves stored values untouched.
func (m *CreateDispatchMessage) ToDispatch() *Dispatch {
	d := &Dispatch{
		DispatchID:        m.ResolveDispatchID(),
		CorrelationID:     m.CorrelationID,
		ServiceName:       m.ServiceName,
		RecipientClientID: m.RecipientClientID,
		NotificationType:  m.NotificationType,
		ContentKey:        m.ContentKey,
		Status:            DispatchStatusReceived,
		Payload:           m.Payload,
	}
	if m.SenderClientID != "" {
		sender := m.SenderClientID
		d.SenderClientID = &sender
	}
	if m.TriggersAt != nil {
		t := m.TriggersAt.UTC()
		d.TriggersAt = &t
	}
	return d
}

type UpdateSenderClientIDMessage struct {
	Type              MessageType `json:"type" validate:"required,eq=updateSenderClientId"`
	CorrelationID     string      `json:"correlationId"`
	RecipientClientID string      `json:"recipientClientId" validate:"required"`
	SenderClientID    string      `json:"senderClientId" validate:"required"`
}

type DeleteDispatchMessage struct {
	Type          MessageType `json:"type" validate:"required,eq=deleteDispatch"`
	DispatchID    string      `json:"dispatchId" validate:"required"`
	CorrelationID string      `json:"correlationId" validate:"required"`
}

type DeleteClientSettingsMessage struct {
	Type          MessageType `json:"type" validate:"required,eq=deleteClientSettings"`
	ClientID      string      `json:"clientId" validate:"required"`
	CorrelationID string      `json:"correlationId"`
	Hard          bool        `json:"hard"`
}

// StatusEvent is published whenever a dispatch reaches a terminal status.
type StatusEvent struct {
	DispatchID    string         `json:"dispatchId"`
	CorrelationID string         `json:"correlationId"`
	Status        DispatchStatus `json:"status"`
	Provider      Provider       `json:"provider,omitempty"`
	Fallback      bool           `json:"fallback,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}
