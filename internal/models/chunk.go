package models

// TextChunk is a user-supplied block of text staged for summarization. A chunk produced by splitting a
// larger one keeps the full source in OriginalContent.
type TextChunk struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Content         string        `json:"content"`
	Parts           []TextChunk   `json:"parts,omitempty"`
	OriginalContent string        `json:"originalContent,omitempty"`
	DetectedType    string        `json:"detectedType,omitempty"`
	Metadata        ChunkMetadata `json:"metadata"`
}

// ChunkMetadata holds values computed from a chunk's content.
type ChunkMetadata struct {
	Summary    string `json:"summary,omitempty"`
	TokenCount int    `json:"tokenCount,omitempty"`
}

// Source returns the text the chunk was derived from.
func (c TextChunk) Source() string {
	if c.OriginalContent != "" {
		return c.OriginalContent
	}
	return c.Content
}
