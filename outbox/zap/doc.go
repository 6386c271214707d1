// Package zap adapts go.uber.org/zap to the outbox log.Logger contract.
package zap
