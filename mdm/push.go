package mdm

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mdmdirector/mdmrelay/utils"
	"github.com/pkg/errors"
	"gopkg.in/ajg/form.v1"
)

// PushNotification is everything needed to wake one device.
type PushNotification struct {
	Token     []byte
	PushMagic string
	Topic     string
}

// PushTransport delivers a wake-up to a single device.
type PushTransport interface {
	Send(ctx context.Context, n PushNotification) error
}

// PushError describes a failed push. Retryable errors may succeed if sent again.
type PushError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *PushError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push failed: %v", e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

type gatewayPayload struct {
	DeviceToken string `form:"device_token"`
	PushMagic   string `form:"push_magic"`
	Topic       string `form:"topic"`
}

// GatewayTransport posts push requests to an HTTP push gateway, which holds
// the APNs connection.
type GatewayTransport struct {
	url      string
	username string
	apiKey   string
	client   *http.Client
}

// NewGatewayTransport builds a transport that makes exactly one HTTP attempt
// per Send. Retries are the caller's business.
func NewGatewayTransport(gatewayURL, apiKey string, timeout time.Duration) *GatewayTransport {
	return &GatewayTransport{
		url:      strings.TrimRight(gatewayURL, "/") + "/push",
		username: "mdmrelay",
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (t *GatewayTransport) Send(ctx context.Context, n PushNotification) error {
	values, err := form.EncodeToValues(gatewayPayload{
		DeviceToken: hex.EncodeToString(n.Token),
		PushMagic:   n.PushMagic,
		Topic:       n.Topic,
	})
	if err != nil {
		return &PushError{Err: errors.Wrap(err, "encode push payload")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(values.Encode()))
	if err != nil {
		return &PushError{Err: errors.Wrap(err, "build push request")}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.username, t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return &PushError{Retryable: utils.RetryableError(err), Err: errors.Wrap(err, "post push request")}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &PushError{
		StatusCode: resp.StatusCode,
		Retryable:  utils.RetryableStatus(resp.StatusCode),
		Err:        errors.New(strings.TrimSpace(string(detail))),
	}
}
