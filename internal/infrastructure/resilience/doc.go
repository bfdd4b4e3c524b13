/*
Package resilience provides a circuit breaker for outbound side
channels.

# Overview

Alert webhooks and similar best-effort deliveries run through a
Breaker so a dead or flapping peer cannot consume the retry budget of
every emission. The breaker trips after a run of consecutive
failures, rejects immediately while open, and admits a single probe
after the cooldown.

# States

	Closed --[threshold failures]-> Open --[cooldown]-> HalfOpen
	HalfOpen --[probe succeeds]-> Closed
	HalfOpen --[probe fails]----> Open

# Usage

	breaker := resilience.NewBreaker("webhook", 3, 30*time.Second)
	err := breaker.Execute(func() error {
		return deliver()
	})
	if errors.Is(err, resilience.ErrOpen) {
		// peer is considered down, delivery skipped
	}
*/
package resilience
