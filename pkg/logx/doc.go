// Package logx configures earnbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller), or JSON for containers
//   - file output JSON-structured
//   - an optional operator-chat alert sink (min-level + rate limiting)
package logx
