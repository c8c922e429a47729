// ABOUTME: Package tools discovers a device's tools and converts their schemas.
// ABOUTME: Produces the function-calling descriptors the model gateway expects.
package tools
