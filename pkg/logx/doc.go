// Package logx configures kiwi's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and size-rotated
//   - Components decoupled from the active sinks (Service.Apply swaps them live)
package logx
