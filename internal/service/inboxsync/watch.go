package inboxsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/storage"
)

// ErrNotifyUnsupported is returned by Watch for storages without change
// notifications. Polling alone keeps them in sync.
var ErrNotifyUnsupported = errors.New("storage does not support change notifications")

// WatchStatus is a point in time copy of a WatchState.
type WatchStatus struct {
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
	Active         bool      `json:"active"`
	Renewals       int       `json:"renewals"`
}

// WatchState tracks the current change subscription. It is owned by the
// caller and shared with status reporting.
type WatchState struct {
	mu     sync.Mutex
	status WatchStatus
	sub    *storage.Subscription
}

func NewWatchState() *WatchState {
	return &WatchState{}
}

func (w *WatchState) Status() WatchStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Renew replaces the current subscription with a fresh one.
func (w *WatchState) Renew(ctx context.Context, n storage.Notifier, folder string, ttl time.Duration) (*storage.Subscription, error) {
	sub, err := n.Subscribe(ctx, folder, ttl)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		w.sub.Close()
		w.sub = nil
	}
	if err != nil {
		w.status.Active = false
		return nil, err
	}
	w.sub = sub
	w.status.SubscriptionID = sub.ID
	w.status.ExpiresAt = sub.ExpiresAt
	w.status.Active = true
	w.status.Renewals++
	return sub, nil
}

// Stop closes the subscription.
func (w *WatchState) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		w.sub.Close()
		w.sub = nil
	}
	w.status.Active = false
}

// WatchConfig controls subscription renewal and event debouncing.
type WatchConfig struct {
	TTL         time.Duration
	RenewBefore time.Duration
	Debounce    time.Duration
	// wait before resubscribing after a failed Subscribe
	RetryAfter time.Duration
}

// Watch keeps a change subscription on the inbox alive and calls trigger
// once per burst of events. It returns when ctx is done.
func (c *Coordinator) Watch(ctx context.Context, state *WatchState, wc WatchConfig, trigger func()) error {
	n, ok := c.remote.(storage.Notifier)
	if !ok {
		return ErrNotifyUnsupported
	}
	if wc.RetryAfter <= 0 {
		wc.RetryAfter = 30 * time.Second
	}
	defer state.Stop()

	for {
		sub, err := state.Renew(ctx, n, c.folders.Inbox, wc.TTL)
		if err != nil {
			c.logger.Warn("Subscribe failed, polling only until retry",
				logger.Duration("retryAfter", wc.RetryAfter),
				logger.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wc.RetryAfter):
				continue
			}
		}
		c.logger.Info("Watching inbox",
			logger.String("subscription", sub.ID),
			logger.Time("expiresAt", sub.ExpiresAt),
		)
		done, dropped := c.consume(ctx, sub, wc, trigger)
		if done {
			return nil
		}
		if dropped {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wc.RetryAfter):
			}
		}
	}
}

// consume reads one subscription until it needs renewing. done is true when
// ctx ended; dropped is true when the stream closed before renewal time.
func (c *Coordinator) consume(ctx context.Context, sub *storage.Subscription, wc WatchConfig, trigger func()) (done, dropped bool) {
	renewIn := time.Until(sub.ExpiresAt) - wc.RenewBefore
	if renewIn < time.Second {
		renewIn = time.Second
	}
	renew := time.NewTimer(renewIn)
	defer renew.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return true, false
		case <-renew.C:
			return false, false
		case ev, ok := <-sub.Events:
			if !ok {
				if debounce != nil {
					trigger()
				}
				return false, time.Now().Before(sub.ExpiresAt)
			}
			c.logger.Debug("Inbox change", logger.String("name", ev.Name), logger.String("op", ev.Op))
			if debounce == nil {
				debounce = time.After(wc.Debounce)
			}
		case <-debounce:
			debounce = nil
			trigger()
		}
	}
}
