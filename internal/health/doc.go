// Package health serves the liveness endpoints an uptime checker polls,
// plus optional net/http/pprof handlers.
package health
