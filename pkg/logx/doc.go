// Package logx is the service's structured logging layer on top of zerolog.
//
// Loggers are plain values. Components derive theirs with With(Component(..))
// and keep it; a Service swaps the underlying sinks and level on config
// reload without the components noticing.
package logx
