// Package notify posts one-line run summaries to an ntfy style endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/bonus_agent/internal/workflow"
)

const sendTimeout = 10 * time.Second

// Notifier delivers summaries to one endpoint.
type Notifier struct {
	client   *http.Client
	endpoint string
}

// New returns nil when endpoint is empty, which disables notifications.
func New(endpoint string, client *http.Client) *Notifier {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return &Notifier{client: client, endpoint: endpoint}
}

// Notify sends message. A nil Notifier is a no-op.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	if n == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return Send(ctx, n.client, n.endpoint, message)
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("ntfy notification failed: missing endpoint")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Summary renders the outcome of a run, or its failure, as one line.
func Summary(res workflow.Result, err error) string {
	if err != nil {
		var coded *cdpcontrol.CodedError
		if errors.As(err, &coded) {
			return fmt.Sprintf("daily bonus failed (%s): %s", coded.Code, coded.Message)
		}
		return "daily bonus failed: " + err.Error()
	}
	switch res.Outcome {
	case workflow.OutcomeClaimed:
		return "daily bonus claimed"
	case workflow.OutcomeCooldown:
		if res.NextAvailable != nil {
			return "daily bonus already claimed; next claim after " + res.NextAvailable.Format(workflow.TimestampLayout)
		}
		return "daily bonus already claimed; next claim time unreadable: " + res.CooldownText
	case workflow.OutcomeManualLoginRequired:
		return "daily bonus needs a manual login in the Chrome window before the next run"
	default:
		return "daily bonus run finished: " + string(res.Outcome)
	}
}
