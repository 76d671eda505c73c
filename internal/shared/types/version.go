package types

import "time"

// ChangeType classifies how a version came to exist.
type ChangeType string

const (
	ChangeExecution   ChangeType = "execution"
	ChangeUserEdit    ChangeType = "user_edit"
	ChangeAIGenerated ChangeType = "ai_generated"
)

// Version is an immutable snapshot of a block's content. Versions for a
// block form an ordered, append-only sequence; Seq is assigned by the store
// and orders reloads after restart.
type Version struct {
	ID          string     `json:"version_id"`
	BlockID     string     `json:"block_id"`
	Seq         uint64     `json:"seq"`
	HTML        string     `json:"html"`
	CSS         string     `json:"css"`
	JavaScript  string     `json:"javascript"`
	ChangeType  ChangeType `json:"change_type"`
	Author      string     `json:"author"`
	ContentHash string     `json:"content_hash,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Code returns the content fields as a Code payload.
func (v *Version) Content() Code {
	return Code{HTML: v.HTML, CSS: v.CSS, JavaScript: v.JavaScript}
}
