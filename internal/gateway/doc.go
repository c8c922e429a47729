// ABOUTME: Package gateway wires the listeners, registry, directory and agent runner.
// ABOUTME: Owns the accept loop, per-connection serving, and graceful shutdown.
package gateway
