// ABOUTME: Tests for image-marker storage and send-time multimodal expansion.
// ABOUTME: Verifies history keeps marker form and expansion never mutates input.

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkAndDetectImage(t *testing.T) {
	marked := MarkImage("aGVsbG8=")
	assert.True(t, IsImageResult(marked))
	assert.False(t, IsImageResult("plain text result"))
	assert.False(t, IsImageResult(""))
}

func TestExpandImageMessages(t *testing.T) {
	history := []ChatMessage{
		{Role: "system", Content: "You control a device."},
		{Role: "user", Content: "take a screenshot"},
		{Role: "tool", ToolCallID: "call_1", Content: MarkImage("aGVsbG8=")},
		{Role: "tool", ToolCallID: "call_2", Content: "clicked the button"},
	}

	expanded := ExpandImageMessages(history)
	require.Len(t, expanded, 5)

	// The tool-call slot stays answered with plain text under the tool role.
	ack := expanded[2]
	assert.Equal(t, "tool", ack.Role)
	assert.Equal(t, "call_1", ack.ToolCallID)
	text, ok := ack.Content.(string)
	require.True(t, ok)
	assert.False(t, IsImageResult(text))

	// The image itself travels as user content; tool-role messages cannot
	// carry image parts.
	image := expanded[3]
	assert.Equal(t, "user", image.Role)
	assert.Empty(t, image.ToolCallID)
	parts, ok := image.Content.([]ContentPart)
	require.True(t, ok, "marker entry should expand to content parts")
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "Image result from tool call call_1", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", parts[1].ImageURL.URL)

	// Non-image entries pass through untouched.
	assert.Equal(t, "tool", expanded[4].Role)
	assert.Equal(t, "clicked the button", expanded[4].Content)

	// The stored history keeps its marker form.
	assert.Equal(t, MarkImage("aGVsbG8="), history[2].Content)
}

func TestExpandImageMessagesNoImages(t *testing.T) {
	history := []ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}

	expanded := ExpandImageMessages(history)
	assert.Equal(t, history, expanded)
}
