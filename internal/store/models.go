package store

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Conversation struct {
	ID        string    `json:"id"` // Using UUID for external ID
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message rows are append-only; Sequence orders them within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Sequence       int64     `json:"sequence"`
	CreatedAt      time.Time `json:"created_at"`
}

type Document struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversation_id"`
	SourceKind       string     `json:"source_kind"` // "pdf" or "image"
	OriginalFilename string     `json:"original_filename"`
	FileRef          string     `json:"-"`
	SizeBytes        int64      `json:"size_bytes"`
	ExtractedText    string     `json:"-"`
	ProcessedAt      *time.Time `json:"processed_at"`
	UploadedAt       time.Time  `json:"uploaded_at"`
}

// Chunk is one embedded slice of a document, owned by a conversation's index.
type Chunk struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	DocumentID     string    `json:"document_id"`
	ChunkIndex     int       `json:"chunk_index"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
}
