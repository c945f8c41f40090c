// Package mcp defines the wire-level types exchanged between the server and
// its clients: the initialize handshake, the tool surface, elicitation
// prompts and answers, and streaming progress notifications.
//
// Elicitation prompts and stream chunks travel as notifications correlated by
// an application-level id embedded in params, never by the transport-level
// JSON-RPC id.
package mcp
