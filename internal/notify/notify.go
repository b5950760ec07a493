// Package notify delivers alert notifications over the configured channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"k8s.io/utils/clock"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/observability"
	"github.com/kubeadapt/gpu-broker/internal/transport"
)

const component = "notify"

// Alert actions.
const (
	ActionLog     = "log"
	ActionWebhook = "webhook"
	ActionEmail   = "email"
)

// Payload is the JSON document posted to webhook recipients.
type Payload struct {
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher routes notifications to a channel by action name.
type Dispatcher struct {
	httpClient *http.Client
	logger     *slog.Logger
	clock      clock.PassiveClock
	metrics    *observability.Metrics
}

// Options configures a Dispatcher. Zero fields take defaults.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      clock.PassiveClock
	Metrics    *observability.Metrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
	}
	if d.httpClient == nil {
		d.httpClient = transport.NewHTTPClient(transport.ClientOptions{Timeout: 10 * time.Second})
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.clock == nil {
		d.clock = clock.RealClock{}
	}
	return d
}

// Notify delivers one message. email and unknown actions are written to
// the log channel.
func (d *Dispatcher) Notify(ctx context.Context, action, recipient, subject, message string) error {
	switch strings.ToLower(action) {
	case ActionWebhook:
		err := d.webhook(ctx, recipient, subject, message)
		d.count(ActionWebhook, err)
		return err
	case ActionLog, ActionEmail:
	default:
		d.logger.Warn("notify: unknown action, using log channel", "action", action)
	}
	d.logger.Info("notify: alert",
		"recipient", recipient,
		"subject", subject,
		"message", message,
	)
	d.count(ActionLog, nil)
	return nil
}

func (d *Dispatcher) count(channel string, err error) {
	if d.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	d.metrics.NotificationsTotal.WithLabelValues(channel, result).Inc()
}

// webhook posts the payload as zstd-compressed JSON, encoding straight into
// the request body through a pipe.
func (d *Dispatcher) webhook(ctx context.Context, recipient, subject, message string) error {
	u, err := url.Parse(recipient)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return brokererrors.New(brokererrors.ErrInvalidArgument, component, "webhook recipient %q is not an http(s) URL", recipient)
	}

	payload := Payload{
		Subject:   subject,
		Message:   message,
		Recipient: recipient,
		Timestamp: d.clock.Now().UTC(),
	}

	pr, pw := io.Pipe()
	cw := NewCountingWriter(pw)

	zw, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = pw.Close()
		return fmt.Errorf("notify: create zstd encoder: %w", err)
	}

	go func() {
		encodeErr := json.NewEncoder(zw).Encode(payload)
		// Close zstd first to flush, then close the pipe.
		closeErr := zw.Close()
		switch {
		case encodeErr != nil:
			pw.CloseWithError(fmt.Errorf("notify: JSON encode failed: %w", encodeErr))
		case closeErr != nil:
			pw.CloseWithError(fmt.Errorf("notify: zstd close failed: %w", closeErr))
		default:
			_ = pw.Close()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), pr)
	if err != nil {
		_ = pr.Close()
		return fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "zstd")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return brokererrors.Wrap(brokererrors.ErrCommandFailed, component, err, "webhook POST failed")
	}
	if d.metrics != nil {
		d.metrics.NotificationSizeBytes.Observe(float64(cw.Count()))
	}
	if err := transport.CheckResponse(resp, component); err != nil {
		return err
	}
	transport.DrainAndClose(resp.Body)

	d.logger.Debug("notify: webhook delivered", "recipient", u.Redacted(), "bytes", cw.Count())
	return nil
}
