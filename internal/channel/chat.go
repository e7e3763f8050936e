package channel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jwalitptl/iris/internal/model"
)

type ChatConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// ChatAdapter posts a message into the recipient's group channel on a
// Sendbird-style chat API.
type ChatAdapter struct {
	config ChatConfig
	client httpDoer
}

func NewChatAdapter(config ChatConfig) *ChatAdapter {
	return &ChatAdapter{config: config, client: newHTTPClient(config.Timeout)}
}

func (a *ChatAdapter) Provider() model.Provider { return model.ProviderChat }

type chatRequest struct {
	MessageType string `json:"message_type"`
	UserID      string `json:"user_id"`
	Message     string `json:"message"`
	CustomType  string `json:"custom_type,omitempty"`
}

type chatResponse struct {
	MessageID int64 `json:"message_id"`
}

func (a *ChatAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Sender == "" {
		return "", Permanent(fmt.Errorf("chat message needs a sender"))
	}

	endpoint := fmt.Sprintf("%s/v3/group_channels/%s/messages",
		strings.TrimRight(a.config.BaseURL, "/"), url.PathEscape(msg.To))

	var resp chatResponse
	err := postJSON(ctx, a.client, "chat", endpoint,
		map[string]string{"Api-Token": a.config.APIToken},
		chatRequest{
			MessageType: "MESG",
			UserID:      msg.Sender,
			Message:     msg.Body,
			CustomType:  "notification",
		}, &resp)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.MessageID, 10), nil
}
