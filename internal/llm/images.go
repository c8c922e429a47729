// ABOUTME: Image-marker handling for tool results that carry encoded screenshots.
// ABOUTME: Stored history keeps the marker form; expansion happens only at send time.

package llm

import "strings"

// imageMarker prefixes a tool-result history entry whose payload is a
// base64-encoded image rather than text.
const imageMarker = "[IMAGE_RESULT]"

// MarkImage wraps an encoded image payload in the internal marker form.
func MarkImage(base64Data string) string {
	return imageMarker + base64Data
}

// IsImageResult reports whether a stored tool-result string is an image marker.
func IsImageResult(content string) bool {
	return strings.HasPrefix(content, imageMarker)
}

// ExpandImageMessages rewrites marker-form tool results for the gateway.
// Tool-role messages cannot carry image parts in the chat-completions shape,
// so each marked entry becomes a short tool message keeping the call id
// answered, followed by a user message with a text part naming the producing
// tool call plus the inline image part. The input slice is not modified;
// history keeps the marker form.
func ExpandImageMessages(history []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, msg := range history {
		text, ok := msg.Content.(string)
		if !ok || !IsImageResult(text) {
			out = append(out, msg)
			continue
		}

		payload := strings.TrimPrefix(text, imageMarker)
		out = append(out,
			ChatMessage{
				Role:       "tool",
				ToolCallID: msg.ToolCallID,
				Content:    "Image captured; attached as the next message.",
			},
			ChatMessage{
				Role: "user",
				Content: []ContentPart{
					{Type: "text", Text: "Image result from tool call " + msg.ToolCallID},
					{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64," + payload}},
				},
			},
		)
	}
	return out
}
