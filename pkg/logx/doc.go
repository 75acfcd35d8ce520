// Package logx configures tickbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// The Service owns sink configuration and may swap it at runtime on config
// reload; loggers handed out earlier stay live. The zero Logger is a no-op.
package logx
