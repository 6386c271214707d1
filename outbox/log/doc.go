// Package log defines the logging contract used by every outbox component.
//
// Components only depend on Logger; the zap package provides the production
// backend and NopLogger is the silent default.
package log
