// Package logx configures modbot's structured logging.
//
// A small value-type wrapper (logx.Logger) sits on top of zerolog so that:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON lines
//   - warnings can optionally be mirrored to a log chat (min-level + rate limited)
package logx
