// Package alerting emits operational alerts for cost and backend
// health conditions.
//
// Alerts are always logged and counted; if a webhook URL is
// configured they are also POSTed as JSON with retries, behind a
// circuit breaker that drops deliveries while the endpoint is down.
// A per condition cooldown suppresses repeats. DynamicThresholds
// derives warning boundaries from historical spend samples so a busy
// deployment does not page on its own baseline.
package alerting
