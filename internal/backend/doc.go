// Package backend describes the upstream servers a worker proxies to: their
// resolved socket address, weight, health, in-flight attempts and response
// time average. Health is written by checker goroutines and read by the
// reactor, so every mutable field is guarded.
package backend
