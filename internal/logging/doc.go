// Package logging sets up structured slog logging for the engine.
//
// Every process log is written as JSON to <cacheDirectory>/logs/server.log,
// with an optional console mirror on stderr: plain slog text when stderr is
// a terminal, JSON otherwise. MCP
// stdio mode disables the console mirror entirely: the JSON-RPC stream
// owns stdout/stderr, so any stray write there would corrupt the protocol.
package logging
