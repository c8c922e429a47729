// ABOUTME: Package device manages connected devices and routes RPC traffic to them.
// ABOUTME: Provides the per-device Connection and the process-wide Registry.
package device
