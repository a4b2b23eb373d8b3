// Package ratelimit is a process-local, fixed-window request throttle.
//
// A Throttle keeps one counter per key (usually identity:tier, see Key) and
// admits up to the tier's MaxRequests within each window. Counters expire
// lazily and are swept inline once the store grows past a threshold, there is
// no background goroutine or timer.
//
// What this does NOT do:
//   - share counters between instances, every replica has its own budget
//   - smooth bursts across window boundaries, a client can get up to
//     2x MaxRequests through in a short period straddling a reset
//
// The fixed window is deliberate. It is O(1) per request and easy to reason
// about; put a CDN or WAF in front for anything stricter.
package ratelimit
