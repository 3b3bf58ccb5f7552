// Package logx is a thin zerolog wrapper shared by every mcprunner component.
//
// Loggers are values; With() adds fields. A Service owns the sinks (console
// and a lumberjack-rotated JSON file) and swaps them on config reload.
package logx
