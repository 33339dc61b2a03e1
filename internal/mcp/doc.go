// Package mcp serves forge sessions as Model Context Protocol tools.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) on the
// stdio transport so an agent host can create sessions, start or resume
// them, answer approval requests and search session memory. Every text
// result passes through the secrets scrubber before it leaves the process.
package mcp
