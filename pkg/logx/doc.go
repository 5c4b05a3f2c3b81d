// Package logx is the bot's structured logging layer, a thin wrapper over
// zerolog.
//
// Services hold a logx.Logger value and scope it with With(...Field); the
// Service owns the sinks and swaps them atomically on config reload.
// Three sinks exist: a human-readable console writer, a JSON append file,
// and an optional chat sink that forwards WARN+ records to the operators'
// group, rate limited so a failure storm cannot flood the chat.
package logx
