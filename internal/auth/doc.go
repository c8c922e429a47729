// ABOUTME: Package auth validates the first message of a device connection.
// ABOUTME: Handles bind-code registration, token reconnection, and token issuance.
package auth
