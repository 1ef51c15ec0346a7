// Package loadbalancer implements peer.Policy on top of a selection
// strategy, health status and per-backend circuit breakers.
package loadbalancer
