package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jwalitptl/iris/internal/model"
)

type PushConfig struct {
	BaseURL string
	AppID   string
	APIKey  string
	Timeout time.Duration
}

// PushAdapter sends push notifications through a OneSignal-style REST API
// addressed by player id.
type PushAdapter struct {
	config PushConfig
	client httpDoer
}

func NewPushAdapter(config PushConfig) *PushAdapter {
	return &PushAdapter{config: config, client: newHTTPClient(config.Timeout)}
}

func (a *PushAdapter) Provider() model.Provider { return model.ProviderPush }

type pushRequest struct {
	AppID            string            `json:"app_id"`
	IncludePlayerIDs []string          `json:"include_player_ids"`
	Headings         map[string]string `json:"headings,omitempty"`
	Contents         map[string]string `json:"contents"`
	Data             map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	ID     string   `json:"id"`
	Errors []string `json:"errors"`
}

func (a *PushAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", Permanent(fmt.Errorf("push player id is empty"))
	}

	var resp pushResponse
	err := postJSON(ctx, a.client, "push", strings.TrimRight(a.config.BaseURL, "/")+"/notifications",
		map[string]string{"Authorization": "Basic " + a.config.APIKey},
		pushRequest{
			AppID:            a.config.AppID,
			IncludePlayerIDs: []string{msg.To},
			Headings:         map[string]string{"en": msg.Subject},
			Contents:         map[string]string{"en": msg.Body},
			Data:             map[string]string{"dispatchId": msg.DispatchID},
		}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		// The API accepts the request but reports unsubscribed players.
		return "", Permanent(fmt.Errorf("push rejected: %s", strings.Join(resp.Errors, "; ")))
	}
	return resp.ID, nil
}
