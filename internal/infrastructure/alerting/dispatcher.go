package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/resilience"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert conditions emitted by the orchestrator.
const (
	ConditionCostRate         = "cost_rate"
	ConditionCostCeiling      = "cost_ceiling"
	ConditionBackendFailover  = "backend_failover"
	ConditionBackendRecovered = "backend_recovered"
)

// Alert is the webhook payload.
type Alert struct {
	Severity  Severity  `json:"severity"`
	Condition string    `json:"condition"`
	Message   string    `json:"message"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher logs, counts, and delivers alerts. Delivery to the webhook
// is best-effort with retries; an unset URL means log-and-count only.
// A circuit breaker skips delivery entirely while the webhook endpoint
// is down so alert storms cannot pile up retry goroutines.
type Dispatcher struct {
	url      string
	timeout  time.Duration
	client   *retryablehttp.Client
	breaker  *resilience.Breaker
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher creates an alert dispatcher.
func NewDispatcher(cfg config.AlertConfig, logger *logging.Logger, metrics *monitoring.Metrics) *Dispatcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil // Disable logging

	log := logger.Named("alerting")

	breaker := resilience.NewBreaker("alert-webhook", 3, 30*time.Second)
	breaker.OnStateChange(func(name string, from, to resilience.State) {
		log.Warn("webhook breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})

	return &Dispatcher{
		url:      cfg.WebhookURL,
		timeout:  cfg.Timeout,
		client:   client,
		breaker:  breaker,
		logger:   log,
		metrics:  metrics,
		cooldown: 5 * time.Minute,
		lastSent: make(map[string]time.Time),
	}
}

// Dispatch emits one alert. Repeat alerts for the same condition and
// severity inside the cooldown window are suppressed.
func (d *Dispatcher) Dispatch(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.Service == "" {
		alert.Service = "sandboxd"
	}

	if !d.shouldSend(alert) {
		return
	}

	fields := []zap.Field{
		zap.String("condition", alert.Condition),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold),
	}
	switch alert.Severity {
	case SeverityCritical:
		d.logger.Error(alert.Message, fields...)
	case SeverityWarning:
		d.logger.Warn(alert.Message, fields...)
	default:
		d.logger.Info(alert.Message, fields...)
	}

	d.metrics.RecordAlert(string(alert.Severity), alert.Condition)

	if d.url == "" {
		return
	}

	// Webhook delivery must not stall the caller's loop.
	go d.post(alert)
}

func (d *Dispatcher) shouldSend(alert Alert) bool {
	key := alert.Condition + ":" + string(alert.Severity)

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastSent[key]; ok && time.Since(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = time.Now()
	return true
}

func (d *Dispatcher) post(alert Alert) {
	body, err := sonic.Marshal(alert)
	if err != nil {
		d.logger.Error("failed to encode alert", zap.Error(err))
		return
	}

	err = d.breaker.Execute(func() error {
		return d.deliver(body)
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		d.logger.Debug("webhook circuit open, alert dropped",
			zap.String("condition", alert.Condition))
	case err != nil:
		d.logger.Error("failed to deliver alert webhook",
			zap.Error(err),
			zap.String("condition", alert.Condition),
		)
	default:
		d.logger.Debug("alert delivered", zap.String("condition", alert.Condition))
	}
}

func (d *Dispatcher) deliver(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", d.url, body)
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected with status %d", resp.StatusCode)
	}
	return nil
}
