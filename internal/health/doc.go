// Package health holds the liveness and readiness probes served by the ops
// listener and the public gateway.
//
// Probes compose with [All] (AND) and [Any] (OR); [Fixed] is a constant and
// [CheckFunc] adapts a plain function. [Named] prefixes a probe's failure
// reason so a composite readiness answer says which dependency failed.
//
// [ShutdownGate] fails readiness as soon as shutdown begins so load balancers
// stop routing before in-flight requests drain.
package health
