// Package pkg provides shared utilities for the usbms transport stack.
//
// This package contains common functionality used across the transport
// core and the pipe abstraction, including:
//
//   - Component-tagged structured logging built on log/slog
//   - The USB transfer error vocabulary shared by pipes and state machines
//
// # Logging
//
// All logging goes through the component-tagged helpers (LogDebug, LogInfo,
// LogWarn, LogError) so output can be filtered per subsystem. The default
// logger writes text to stderr at Warn level; callers can raise the level,
// switch to JSON output, or install their own slog.Logger.
//
// # Errors
//
// Transfer outcomes are reported as sentinel errors matched with errors.Is.
// Pipe implementations translate their platform status codes to these
// sentinels, either directly or through the TransferStatus bridge, so the
// state machines never see platform-specific error values.
package pkg
