// Package logx configures callbell's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional operator alert sink (min-level + rate limiting) that
//     forwards records to a pluggable Sender (e.g. a Telegram chat)
package logx
