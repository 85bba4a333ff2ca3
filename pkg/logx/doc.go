// Package logx configures shockclock's structured logging.
//
// logx.Logger is a thin wrapper over zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON lines
//   - an optional Telegram operator sink forwards WARN/ERROR lines (min-level + rate limit)
package logx
