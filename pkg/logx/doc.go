// Package logx is the structured logging layer used across stayintouch.
//
// It wraps zerolog with a small value-type Logger:
//   - console output with short timestamps and file:line callers
//   - an optional JSON file sink
//   - an optional ops chat sink (min-level filter + rate limit) so failures
//     show up in the operators' Telegram group
package logx
