package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/carlmjohnson/requests"
)

var errMissingWebhookURL = errors.New("webhook url is required")

// WebhookNotifier posts change events as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) (*WebhookNotifier, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errMissingWebhookURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{url: trimmed, client: client}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, event ChangeEvent) error {
	return requests.URL(n.url).
		Client(n.client).
		BodyJSON(event).
		Fetch(ctx)
}
