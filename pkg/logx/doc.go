// Package logx is a thin structured-logging layer over zerolog.
//
// Services receive a logx.Logger value, never a concrete zerolog logger, so
// sinks and levels can be swapped at runtime through Service.Apply without
// re-plumbing loggers. The zero value is a safe no-op logger.
package logx
