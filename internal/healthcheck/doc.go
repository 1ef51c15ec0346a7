// Package healthcheck implements periodic health checking for backend servers.
// It monitors backend availability and updates their health status based on
// HTTP health endpoint responses. The peer policy skips unhealthy backends.
package healthcheck
