package notifier

import (
	"sync"
	"time"
)

// AlertType classifies an outbound alert for throttling.
type AlertType string

const (
	AlertStop          AlertType = "stop"
	AlertNearBreaker   AlertType = "near_breaker"
	AlertStaleFeed     AlertType = "stale_feed"
	AlertFlattenFailed AlertType = "flatten_failed"
	AlertOrderRejected AlertType = "order_rejected"
)

type throttleKey struct {
	botID string
	typ   AlertType
}

// Throttle suppresses repeats of the same (bot, alert type) inside a cooldown.
type Throttle struct {
	mu       sync.Mutex
	cooldown time.Duration
	lastSent map[throttleKey]time.Time
}

func NewThrottle(cooldown time.Duration) *Throttle {
	return &Throttle{
		cooldown: cooldown,
		lastSent: make(map[throttleKey]time.Time),
	}
}

// Allow reports whether an alert may be sent now and, if so, records it.
func (t *Throttle) Allow(botID string, typ AlertType, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := throttleKey{botID: botID, typ: typ}
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.cooldown {
		return false
	}
	t.lastSent[key] = now
	return true
}

// Forget drops every entry of a bot, e.g. after it was evicted.
func (t *Throttle) Forget(botID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.lastSent {
		if key.botID == botID {
			delete(t.lastSent, key)
		}
	}
}
