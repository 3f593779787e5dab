package alert

import (
	"context"
	"fmt"
	"sort"
	"time"

	pkghttp "algotrader/pkg/http"
)

// SlackChannel posts attachments to an incoming webhook
type SlackChannel struct {
	client *pkghttp.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	opts := pkghttp.DefaultOptions()
	opts.MaxRetries = 2
	return &SlackChannel{client: pkghttp.NewClientWithOptions(webhookURL, 5*time.Second, nil, opts)}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert Payload) error {
	color := "#36a64f"
	switch alert.Level {
	case Warning:
		color = "#ffcc00"
	case Error:
		color = "#ff0000"
	case Critical:
		color = "#8b0000"
	}

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": alert.Fields[k],
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "algotrader",
			},
		},
	}
	if _, err := s.client.Post(ctx, "", payload); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
