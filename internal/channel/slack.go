package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/iris/internal/model"
)

// SlackAdapter posts operator alerts to an incoming webhook.
type SlackAdapter struct {
	webhookURL string
	client     httpDoer
}

func NewSlackAdapter(webhookURL string, timeout time.Duration) *SlackAdapter {
	return &SlackAdapter{webhookURL: webhookURL, client: newHTTPClient(timeout)}
}

func (a *SlackAdapter) Provider() model.Provider { return model.ProviderSlack }

func (a *SlackAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if a.webhookURL == "" {
		return "", Permanent(fmt.Errorf("slack webhook is not configured"))
	}
	id := uuid.NewString()
	text := fmt.Sprintf("%s\ndispatch: %s ref: %s", msg.Body, msg.DispatchID, id)
	if err := postJSON(ctx, a.client, "slack", a.webhookURL, nil, map[string]string{"text": text}, nil); err != nil {
		return "", err
	}
	return id, nil
}
