package model

import (
	"errors"
	"time"
)

var ErrTriggerNotFound = errors.New("trigger not found")

// Trigger is a timer marker for a deferred dispatch. It carries no payload;
// the dispatch record stays the source of truth when it fires.
type Trigger struct {
	DispatchID string    `json:"dispatchId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
