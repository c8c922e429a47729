// ABOUTME: Package llm talks to the chat-completion gateway collaborator.
// ABOUTME: Defines the message types, the Client interface, and the HTTP implementation.
package llm
