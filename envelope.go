package hiboss

// EnvelopeStatus is the one-way lifecycle of an Envelope (§3).
type EnvelopeStatus string

const (
	EnvelopePending EnvelopeStatus = "pending"
	EnvelopeDone    EnvelopeStatus = "done"
)

// ParseMode selects how a channel adapter should render outbound text.
type ParseMode string

const (
	ParseModePlain       ParseMode = "plain"
	ParseModeMarkdownV2  ParseMode = "markdownv2"
	ParseModeHTML        ParseMode = "html"
)

// Attachment is a single ordered attachment on an Envelope's content.
type Attachment struct {
	Source   string `json:"source"`
	Filename string `json:"filename,omitempty"`
}

// Content is the payload carried by an Envelope.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// EnvelopeMetadata holds the recognized adapter-specific metadata keys
// (§3). Only these keys survive a Store round-trip; anything else a
// caller supplies is dropped at insert time.
type EnvelopeMetadata struct {
	ChannelMessageID  string    `json:"channelMessageId,omitempty"`
	Author            string    `json:"author,omitempty"`
	Chat              string    `json:"chat,omitempty"`
	ParseMode         ParseMode `json:"parseMode,omitempty"`
	ReplyToMessageID  string    `json:"replyToMessageId,omitempty"`
	ReplyToEnvelopeID string    `json:"replyToEnvelopeId,omitempty"`
	CronScheduleID    string    `json:"cronScheduleId,omitempty"`
	FromName          string    `json:"fromName,omitempty"`
}

// Envelope is the unit of communication routed between the boss, chat
// channels, and agents (§3).
type Envelope struct {
	ID         string
	From       Address
	To         Address
	FromBoss   bool
	Content    Content
	Metadata   EnvelopeMetadata
	DeliverAt  *int64 // ms epoch; nil means immediate
	Status     EnvelopeStatus
	CreatedAt  int64 // ms epoch
}

// IsDeferred reports whether the envelope has a future delivery time.
func (e Envelope) IsDeferred() bool {
	return e.DeliverAt != nil
}

// DueAt returns now >= deliverAt (or true if undeferred).
func (e Envelope) DueAt(nowMs int64) bool {
	return e.DeliverAt == nil || *e.DeliverAt <= nowMs
}
