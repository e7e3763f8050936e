package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("dispatch not found")
	ErrInvalidTransition = errors.New("invalid dispatch status transition")
	ErrNotCancellable    = errors.New("dispatch is not cancellable")
	ErrInvalidContent    = errors.New("unsupported content key and notification type combination")
)

type DispatchStatus string

const (
	DispatchStatusReceived DispatchStatus = "received"
	DispatchStatusAcquired DispatchStatus = "acquired"
	DispatchStatusDone     DispatchStatus = "done"
	DispatchStatusError    DispatchStatus = "error"
	DispatchStatusCanceled DispatchStatus = "canceled"
)

// transitions lists, per target status, the statuses a dispatch may be in
// when moving to it. Terminal statuses never appear as a source.
var transitions = map[DispatchStatus][]DispatchStatus{
	DispatchStatusAcquired: {DispatchStatusReceived},
	DispatchStatusDone:     {DispatchStatusReceived, DispatchStatusAcquired},
	DispatchStatusError:    {DispatchStatusReceived, DispatchStatusAcquired},
	DispatchStatusCanceled: {DispatchStatusReceived},
}

func ParseDispatchStatus(s string) (DispatchStatus, error) {
	status := DispatchStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown dispatch status %q", s)
	}
	return status, nil
}

func (s DispatchStatus) Valid() bool {
	switch s {
	case DispatchStatusReceived, DispatchStatusAcquired, DispatchStatusDone,
		DispatchStatusError, DispatchStatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchStatusDone || s == DispatchStatusError || s == DispatchStatusCanceled
}

// AllowedFrom returns the source statuses from which target can be reached.
func AllowedFrom(target DispatchStatus) []DispatchStatus {
	return transitions[target]
}

func (s DispatchStatus) CanTransitionTo(target DispatchStatus) bool {
	for _, from := range transitions[target] {
		if from == s {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
func TransitionError(dispatchID string, from, to DispatchStatus) error {
	if to == DispatchStatusCanceled {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, dispatchID, from)
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, dispatchID, from, to)
}

// Payload carries content-specific fields (rendered text, destination
// addresses, client capabilities). Keys are opaque to the conductor.
type Payload map[string]string

const (
	PayloadContent     = "content"
	PayloadPhone       = "phone"
	PayloadEmail       = "email"
	PayloadSubject     = "subject"
	PayloadPlayerID    = "pushPlayerId"
	PayloadPushEnabled = "isPushNotificationsEnabled"
	PayloadChatChannel = "chatChannelUrl"
	PayloadPlatform    = "platform"
)

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (p *Payload) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", src)
	}
	return json.Unmarshal(data, p)
}

// Merge returns a copy of p overlaid with the non-empty values of other.
func (p Payload) Merge(other Payload) Payload {
	if p == nil && other == nil {
		return nil
	}
	out := make(Payload, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

type Dispatch struct {
	DispatchID        string           `db:"dispatch_id" json:"dispatchId"`
	CorrelationID     string           `db:"correlation_id" json:"correlationId"`
	ServiceName       string           `db:"service_name" json:"serviceName,omitempty"`
	RecipientClientID string           `db:"recipient_client_id" json:"recipientClientId"`
	SenderClientID    *string          `db:"sender_client_id" json:"senderClientId,omitempty"`
	NotificationType  NotificationType `db:"notification_type" json:"notificationType"`
	ContentKey        ContentKey       `db:"content_key" json:"contentKey"`
	Status            DispatchStatus   `db:"status" json:"status"`
	RetryCount        int              `db:"retry_count" json:"retryCount"`
	TriggersAt        *time.Time       `db:"triggers_at" json:"triggersAt,omitempty"`
	FailureReason     *string          `db:"failure_reason" json:"failureReason,omitempty"`
	Payload           Payload          `db:"payload" json:"payload,omitempty"`
	Provider          *Provider        `db:"provider" json:"provider,omitempty"`
	ProviderID        *string          `db:"provider_id" json:"providerId,omitempty"`
	SentContent       *string          `db:"sent_content" json:"sentContent,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updatedAt"`
}

// Sender returns the sender client id or an empty string.
func (d *Dispatch) Sender() string {
	if d.SenderClientID == nil {
		return ""
	}
	return *d.SenderClientID
}

// Due reports whether the dispatch may be delivered at now.
func (d *Dispatch) Due(now time.Time) bool {
	return d.TriggersAt == nil || !d.TriggersAt.After(now)
}

// Clone returns a deep copy so stores can hand out records safely.
func (d *Dispatch) Clone() *Dispatch {
	if d == nil {
		return nil
	}
	c := *d
	c.SenderClientID = cloneString(d.SenderClientID)
	c.FailureReason = cloneString(d.FailureReason)
	c.ProviderID = cloneString(d.ProviderID)
	c.SentContent = cloneString(d.SentContent)
	if d.Provider != nil {
		p := *d.Provider
		c.Provider = &p
	}
	if d.TriggersAt != nil {
		t := *d.TriggersAt
		c.TriggersAt = &t
	}
	if d.Payload != nil {
		c.Payload = d.Payload.Merge(nil)
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// TransitionFields are written alongside a status change.
type TransitionFields struct {
	FailureReason *string
	Result        *ProviderResult
}

type DispatchFilter struct {
	SenderClientID string
	Status         *DispatchStatus
}

// GenerateDispatchID derives the idempotency key of a logical notification
// from its content key and disambiguating tokens. Token order does not matter.
func GenerateDispatchID(contentKey ContentKey, tokens ...string) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	sort.Strings(parts)
	return strings.Join(append([]string{string(contentKey)}, parts...), "_")
}
