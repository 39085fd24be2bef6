package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/qqbot-ha/internal/delivery"
	"github.com/nugget/qqbot-ha/internal/httpkit"
)

// Deliverer performs a single bounded-retry POST. Satisfied by
// *delivery.Client.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload []byte, headers map[string]string, policy delivery.RetryPolicy) (*delivery.Response, error)
}

// Client sends group messages to the gateway's HTTP API.
type Client struct {
	baseURL     string
	accessToken string
	policy      delivery.RetryPolicy
	deliverer   Deliverer
	logger      *slog.Logger
}

// NewClient creates a gateway client for baseURL (for example
// "http://192.168.43.203:3000"). accessToken may be empty.
func NewClient(baseURL, accessToken string, policy delivery.RetryPolicy, d Deliverer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		policy:      policy,
		deliverer:   d,
		logger:      logger,
	}
}

// ErrEmptyMessage is returned by [Client.Send] for a text with no body
// or an image with no URL. The gateway would render an empty segment.
var ErrEmptyMessage = errors.New("onebot: empty message")

// Send posts msg to send_group_msg. Transport failures are returned
// (matching delivery.ErrRetryExhausted or delivery.ErrNonRetryable).
// A response that arrives but reports failure, by HTTP status or by
// a non-zero retcode, is logged and not returned.
func (c *Client) Send(ctx context.Context, msg Outbound) error {
	seg := msg.segment()
	if seg.Data.Text == "" && seg.Data.File == "" {
		return fmt.Errorf("%w: %s to group %d", ErrEmptyMessage, kindOf(msg), msg.Group())
	}

	body, err := json.Marshal(sendGroupMsg{
		GroupID: msg.Group(),
		Message: []Segment{seg},
	})
	if err != nil {
		return fmt.Errorf("encode send_group_msg: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if c.accessToken != "" {
		headers["Authorization"] = "Bearer " + c.accessToken
	}

	c.logger.Debug("sending group message",
		"group_id", msg.Group(),
		"kind", kindOf(msg),
	)

	resp, err := c.deliverer.Deliver(ctx, c.baseURL+"/send_group_msg", body, headers, c.policy)
	if err != nil {
		return fmt.Errorf("send to group %d: %w", msg.Group(), err)
	}

	c.checkResponse(msg, resp)
	return nil
}

func (c *Client) checkResponse(msg Outbound, resp *delivery.Response) {
	if !resp.OK() {
		c.logger.Warn("gateway rejected message",
			"group_id", msg.Group(),
			"status", resp.StatusCode,
			"body", httpkit.Truncate(string(resp.Body), 200),
		)
		return
	}

	var ar actionResponse
	if err := json.Unmarshal(resp.Body, &ar); err != nil {
		// Some gateways answer with an empty body.
		c.logger.Debug("gateway response not decodable", "group_id", msg.Group(), "error", err)
		return
	}
	if ar.RetCode != 0 {
		c.logger.Warn("gateway reported failure",
			"group_id", msg.Group(),
			"retcode", ar.RetCode,
			"status", ar.Status,
			"message", ar.Message,
			"wording", ar.Wording,
		)
		return
	}
	c.logger.Info("group message sent", "group_id", msg.Group(), "kind", kindOf(msg))
}

func kindOf(msg Outbound) string {
	switch msg.(type) {
	case Text:
		return "text"
	case Image:
		return "image"
	default:
		return "unknown"
	}
}
