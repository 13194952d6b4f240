// Package health implements the liveness and readiness probes served on the
// admin listener.
//
// A [Probe] answers "is this dependency usable right now". Probes compose
// with [All] (every probe must pass) and [Any] (one passing probe is
// enough); [Fixed] and [CheckFunc] cover the static and ad-hoc cases.
//
// [ShutdownGate] ties readiness to the drain sequence: closing the gate
// fails the readiness probe immediately so load balancers pull the instance
// out of rotation before in-flight proxied requests are cut off.
package health
