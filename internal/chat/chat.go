// Package chat holds the domain types shared by the message, mover and archive services.
package chat

import "time"

// ChannelKind distinguishes category-bound channels from direct-message channels.
type ChannelKind string

const (
	KindCategory ChannelKind = "category"
	KindDirect   ChannelKind = "direct"
)

// ChannelStatus is the lifecycle status of a channel.
type ChannelStatus string

const (
	StatusOpen     ChannelStatus = "open"
	StatusClosed   ChannelStatus = "closed"
	StatusReadOnly ChannelStatus = "read_only"
	StatusArchived ChannelStatus = "archived"
)

// Channel is a container for messages.
type Channel struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	Kind              ChannelKind   `json:"kind"`
	Status            ChannelStatus `json:"status"`
	CategoryID        *int64        `json:"category_id,omitempty"`
	AllowUploads      bool          `json:"allow_uploads"`
	LastMessageID     *int64        `json:"last_message_id,omitempty"`
	LastMessageSentAt *time.Time    `json:"last_message_sent_at,omitempty"`
	UserCount         int           `json:"user_count"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// IsDirect reports whether the channel is a direct-message channel.
func (c *Channel) IsDirect() bool {
	return c.Kind == KindDirect
}

// Message is a single chat message.
type Message struct {
	ID           int64      `json:"id"`
	ChannelID    int64      `json:"channel_id"`
	UserID       int64      `json:"user_id"`
	ThreadID     *int64     `json:"thread_id,omitempty"`
	InReplyToID  *int64     `json:"in_reply_to_id,omitempty"`
	Message      string     `json:"message"`
	Cooked       string     `json:"cooked"`
	LastEditorID int64      `json:"last_editor_id"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeletedByID  *int64     `json:"deleted_by_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// ThreadStatus is the lifecycle status of a thread.
type ThreadStatus string

const (
	ThreadOpen     ThreadStatus = "open"
	ThreadReadOnly ThreadStatus = "read_only"
	ThreadClosed   ThreadStatus = "closed"
	ThreadArchived ThreadStatus = "archived"
)

// Thread is a sub-conversation anchored to one original message.
type Thread struct {
	ID                    int64        `json:"id"`
	ChannelID             int64        `json:"channel_id"`
	OriginalMessageID     int64        `json:"original_message_id"`
	OriginalMessageUserID int64        `json:"original_message_user_id"`
	Title                 string       `json:"title"`
	Status                ThreadStatus `json:"status"`
	RepliesCount          int          `json:"replies_count"`
	LastMessageID         *int64       `json:"last_message_id,omitempty"`
	DeletedAt             *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// NotificationLevel controls desktop notifications for a membership.
type NotificationLevel string

const (
	NotifyAlways  NotificationLevel = "always"
	NotifyMention NotificationLevel = "mention"
	NotifyNever   NotificationLevel = "never"
)

// Membership is a user's relationship to a channel.
type Membership struct {
	ID                int64             `json:"id"`
	UserID            int64             `json:"user_id"`
	ChannelID         int64             `json:"channel_id"`
	Following         bool              `json:"following"`
	LastReadMessageID *int64            `json:"last_read_message_id,omitempty"`
	DesktopLevel      NotificationLevel `json:"desktop_level"`
	Muted             bool              `json:"muted"`
}

// MentionType is the kind of target a mention refers to.
type MentionType string

const (
	MentionUser  MentionType = "user"
	MentionGroup MentionType = "group"
	MentionHere  MentionType = "here"
	MentionAll   MentionType = "all"
)

// Mention is a persisted reference from a message to a target.
// TargetID is zero for the global here/all mentions.
type Mention struct {
	MessageID  int64       `json:"message_id"`
	TargetType MentionType `json:"target_type"`
	TargetID   int64       `json:"target_id"`
}

// Reach splits the users a message mentions by how they may be told about it.
// The three id lists never overlap and never contain the sender.
type Reach struct {
	Notify        []int64 `json:"notify,omitempty"`
	WelcomeToJoin []int64 `json:"welcome_to_join,omitempty"`
	Unreachable   []int64 `json:"unreachable,omitempty"`

	// TooManyMembers lists mentioned groups larger than the mention cap.
	TooManyMembers []string `json:"too_many_members,omitempty"`
}

// User is the subset of a forum user the chat engine needs.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	ChatEnabled bool   `json:"chat_enabled"`
	Staff       bool   `json:"staff"`
	Active      bool   `json:"active"`
}

// Upload is a file attached to messages.
type Upload struct {
	ID               int64  `json:"id"`
	UserID           int64  `json:"user_id"`
	OriginalFilename string `json:"original_filename"`
	URL              string `json:"url"`
	Filesize         int64  `json:"filesize"`
}

// Revision is one entry of a message's edit history.
type Revision struct {
	ID         int64     `json:"id"`
	MessageID  int64     `json:"message_id"`
	OldMessage string    `json:"old_message"`
	NewMessage string    `json:"new_message"`
	UserID     int64     `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ArchiveState is the state of a channel archive process.
type ArchiveState string

const (
	ArchiveRequested  ArchiveState = "requested"
	ArchiveInProgress ArchiveState = "in_progress"
	ArchiveComplete   ArchiveState = "complete"
	ArchiveFailed     ArchiveState = "failed"
)

// ChannelArchive records the archival of one channel into forum posts.
type ChannelArchive struct {
	ID                    int64        `json:"id"`
	ChannelID             int64        `json:"channel_id"`
	ArchivedByID          int64        `json:"archived_by_id"`
	State                 ArchiveState `json:"state"`
	DestinationTopicID    *int64       `json:"destination_topic_id,omitempty"`
	DestinationTopicTitle string       `json:"destination_topic_title"`
	DestinationCategoryID *int64       `json:"destination_category_id,omitempty"`
	DestinationTags       []string     `json:"destination_tags,omitempty"`
	TotalMessages         int          `json:"total_messages"`
	ArchivedMessages      int          `json:"archived_messages"`
	Error                 string       `json:"error"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// NewTopic reports whether the archive still has to create its destination topic.
func (a *ChannelArchive) NewTopic() bool {
	return a.DestinationTopicID == nil
}

// Retryable reports whether the archive can be run again.
func (a *ChannelArchive) Retryable() bool {
	return a.State == ArchiveRequested || a.State == ArchiveFailed
}
