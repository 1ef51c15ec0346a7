// Package config loads the proxy configuration from a YAML file and
// environment variables. It covers the listeners and the worker process
// model, logging, the upstream group with its balancing, retry, buffering
// and cache settings, and the client side limits and timeouts.
package config
