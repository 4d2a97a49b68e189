/*
Package log provides structured logging for the engine built on zerolog.

All components obtain child loggers through the With* helpers so every
line carries its origin:

	logger := log.WithComponent("cache")
	logger.Warn().Str("pool", pool.Name).Msg("pool restrained")

Init must be called once at process start; the default level is info.
Console output is human-readable, JSON output is for log shippers.
*/
package log
