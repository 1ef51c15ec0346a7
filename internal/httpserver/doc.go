// Package httpserver runs the admin HTTP endpoint of a worker.
package httpserver
