// Package logx configures remindbot's structured logging.
//
// Logger is a small value-type wrapper over zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON, one event per line
//   - an optional admin-chat sink forwards warnings through a Sender
package logx
