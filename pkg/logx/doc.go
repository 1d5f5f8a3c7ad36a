// Package logx is the structured logger used across rassilka.
//
// It wraps zerolog behind a small value type (Logger) so components can
// carry a logger without caring whether it is live, fixed or a no-op:
//   - console output is human readable with a short caller
//   - file output is JSON, rotated by lumberjack
//   - an optional Telegram sink forwards warnings to an operator chat,
//     rate limited and with secrets redacted
package logx
