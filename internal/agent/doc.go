// ABOUTME: Package agent drives the LLM-directed control loop over a device.
// ABOUTME: Emits run lifecycle events consumed by the presentation layer.
package agent
