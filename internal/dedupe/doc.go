// Package dedupe remembers recently seen keys for a bounded time so repeated
// deliveries (such as an agent re-sending a command result after a reconnect)
// are processed once.
package dedupe
