// Package knowledge implements a markdown-file-backed CRUD store the
// gateway dispatches to. Each entry is one file under
// <root>/<status>/<TYPE>_<N>.md carrying YAML frontmatter plus a markdown
// body, bucketed by status and numbered per type.
package knowledge

import "time"

// EntryType classifies a knowledge entry.
type EntryType string

const (
	TypeQuestion  EntryType = "question"
	TypeAnswer    EntryType = "answer"
	TypeNote      EntryType = "note"
	TypeIssue     EntryType = "issue"
	TypeMilestone EntryType = "milestone"
)

// Status buckets entries into one of the root directory's four subfolders.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusArchived   Status = "archived"
)

// fileTypeTag maps an EntryType onto the uppercase tag used in file
// names.
var fileTypeTag = map[EntryType]string{
	TypeQuestion:  "QUESTION",
	TypeAnswer:    "ANSWER",
	TypeNote:      "NOTE",
	TypeIssue:     "ISSUE",
	TypeMilestone: "MILESTONE",
}

// Frontmatter is the YAML header of a knowledge entry file, typed fields
// common to every entry plus a free-form map for type-specific fields
// (e.g. an answer's "answers" back-reference, a milestone's "dueDate").
type Frontmatter struct {
	ID        string                 `yaml:"id"`
	Type      EntryType              `yaml:"type"`
	Status    Status                 `yaml:"status"`
	Title     string                 `yaml:"title"`
	Tags      []string               `yaml:"tags,omitempty"`
	CreatedAt time.Time              `yaml:"createdAt"`
	UpdatedAt time.Time              `yaml:"updatedAt"`
	Extra     map[string]interface{} `yaml:"extra,omitempty"`
}

// Entry is one knowledge record: its frontmatter plus the markdown body
// that follows it, and the file path it is persisted under.
type Entry struct {
	Frontmatter
	Body string
	Path string
}

// CreateRequest is the validated input to Create.
type CreateRequest struct {
	Type  EntryType
	Title string
	Body  string
	Tags  []string
	Extra map[string]interface{}
}

// UpdateRequest describes a partial update; nil fields are left untouched.
type UpdateRequest struct {
	Title  *string
	Body   *string
	Status *Status
	Tags   []string
	Extra  map[string]interface{}
}

// Filter narrows List to a subset of entries.
type Filter struct {
	Type   EntryType
	Status Status
	Tag    string
}
