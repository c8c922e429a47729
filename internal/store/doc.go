// ABOUTME: Package store provides the device directory: bind codes and device rows.
// ABOUTME: Defines the Directory interface and its SQLite-backed default implementation.
package store
