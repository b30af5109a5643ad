// Package connection provides caller-side reconnect policy for cloud
// backends: exponential backoff with jitter, and a poll-driven retry
// gate.
//
// The connectivity core never retries on its own; the embedding
// application owns all retry policy. This package follows the same
// cooperative model as the backends — no goroutines, no timers. The
// application's poll loop asks the Retrier whether a reconnect attempt
// is due, performs the attempt itself, and reports the outcome back.
//
// # Reconnect Strategy
//
// After a connection loss the base delay grows exponentially:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Continue at 60s until successful
//  5. Reset to 1s on successful connect
//
// # Jitter
//
// To prevent thundering herd when a fleet of devices reconnects:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
