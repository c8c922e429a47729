// ABOUTME: Package rpc implements the newline-delimited JSON-RPC 2.0 wire protocol.
// ABOUTME: Provides message envelopes, product error codes, and the line framer.
package rpc
