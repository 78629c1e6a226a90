// Package logx is castbot's logging layer: a zerolog root that can be
// reconfigured at runtime, with console, JSON file and bot-chat sinks.
// Loggers handed out before a reconfiguration pick up the new sinks.
package logx
