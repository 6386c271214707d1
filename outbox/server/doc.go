// Package server runs the outbox HTTP API and background pollers, and shuts them
// down in order on SIGINT/SIGTERM.
package server
