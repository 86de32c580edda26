package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/models"
)

const defaultKind = "feishu"

// Dispatcher delivers messages to notification targets. Each target carries
// its own timeout and attempt budget; one target's failure never affects
// another's delivery.
type Dispatcher struct {
	senders    map[string]Sender
	retryDelay time.Duration
	perSecond  float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a Dispatcher with the built-in senders registered.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	client := &http.Client{}
	d := &Dispatcher{
		senders:    map[string]Sender{},
		retryDelay: time.Duration(max(cfg.RetryDelayMs, 0)) * time.Millisecond,
		perSecond:  cfg.RatePerSecond,
		limiters:   map[string]*rate.Limiter{},
	}
	d.Register(NewFeishu(client))
	d.Register(NewSlack(client))
	d.Register(NewWebhook(client))
	return d
}

// Register adds or replaces the sender for its Kind.
func (d *Dispatcher) Register(s Sender) {
	d.senders[s.Kind()] = s
}

func (d *Dispatcher) limiter(endpoint string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[endpoint]
	if !ok {
		limit, burst := rate.Inf, 1
		if d.perSecond > 0 {
			limit = rate.Limit(d.perSecond)
			burst = max(int(d.perSecond), 1)
		}
		l = rate.NewLimiter(limit, burst)
		d.limiters[endpoint] = l
	}
	return l
}

// Dispatch delivers msg to one target. It makes at most target.RetryCount
// attempts, each bounded by target.Timeout, waiting the configured delay
// between them. A disabled target is skipped without any network call.
func (d *Dispatcher) Dispatch(ctx context.Context, target models.NotificationTarget, msg Message) DeliveryOutcome {
	out := DeliveryOutcome{TargetID: target.ID}
	if !target.Enabled {
		out.Status = StatusSkipped
		return out
	}
	kind := target.Kind
	if kind == "" {
		kind = defaultKind
	}
	sender, ok := d.senders[kind]
	if !ok {
		out.Status = StatusFailed
		out.Error = fmt.Sprintf("no sender for kind %q", kind)
		return out
	}

	attempts := max(target.RetryCount, 1)
	timeout := target.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := d.limiter(target.Endpoint)

	start := time.Now()
	op := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		out.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := sender.Send(attemptCtx, target, msg)
		if err != nil {
			slog.Debug("notify: attempt failed", "target", target.ID, "attempt", out.Attempts, "error", err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	out.Duration = time.Since(start)
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		slog.Warn("notify: delivery failed",
			"target", target.ID,
			"kind", kind,
			"attempts", out.Attempts,
			"error", err,
		)
		return out
	}
	out.Status = StatusDelivered
	return out
}

// Notify renders the message for a finished job and dispatches it to every
// target concurrently. Outcomes are returned in target order. Errors are
// logged, never returned.
func (d *Dispatcher) Notify(ctx context.Context, msg Message, targets []models.NotificationTarget) []DeliveryOutcome {
	outcomes := make([]DeliveryOutcome, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = d.Dispatch(ctx, t, msg)
			return nil
		})
	}
	_ = g.Wait()

	delivered, failed := 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case StatusDelivered:
			delivered++
		case StatusFailed:
			failed++
		}
	}
	if len(targets) > 0 {
		slog.Info("notify: dispatched",
			"request_id", msg.RequestID,
			"kind", msg.Kind,
			"delivered", delivered,
			"failed", failed,
			"skipped", len(targets)-delivered-failed,
		)
	}
	return outcomes
}

// Failures returns the outcomes that did not deliver, joined as one error.
func Failures(outcomes []DeliveryOutcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("%s: %s: %w", o.TargetID, o.Error, ErrDeliveryFailure))
		}
	}
	return errors.Join(errs...)
}
