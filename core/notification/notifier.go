package notification

import (
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

// Client posts alerts (max-retry exceeded, relayer funding failures) to a
// webhook. Delivery is fire-and-forget: a failed notification is logged and
// never blocks the pipeline.
type Client struct {
	http       *resty.Client
	webhookURL string
	logger     logger.Logger
}

func NewClient(webhookURL string, lg logger.Logger) *Client {
	return &Client{
		http:       resty.New().SetTimeout(10 * time.Second),
		webhookURL: webhookURL,
		logger:     logger.EnsureLogger(lg),
	}
}

// Alert sends one event asynchronously. With no webhook configured it only
// logs.
func (c *Client) Alert(event string, fields map[string]interface{}) {
	c.logger.Info("alert", append([]interface{}{"event", event}, flatten(fields)...)...)

	if c.webhookURL == "" {
		return
	}

	go func() {
		payload := map[string]interface{}{
			"event":     event,
			"fields":    fields,
			"timestamp": time.Now().UnixMilli(),
		}

		resp, err := c.http.R().SetBody(payload).Post(c.webhookURL)
		if err != nil {
			c.logger.Warn("notification delivery failed", "event", event, "error", err)
			return
		}
		if resp.IsError() {
			c.logger.Warn("notification rejected", "event", event, "status", resp.StatusCode())
		}
	}()
}

func flatten(fields map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
