package hiboss

import "context"

// SendOptions carries the optional rendering hints for an outbound
// message (§3 Envelope.Metadata: parseMode, replyToMessageId).
type SendOptions struct {
	ParseMode        ParseMode
	ReplyToMessageID string
}

// SendResult is what a ChatAdapter returns after a successful send;
// ChannelMessageID is persisted onto the outbound envelope's metadata.
type SendResult struct {
	ChannelMessageID string
}

// ChatAdapter is the collaborator contract for a chat channel (§6.1).
// The core treats it as opaque transport: inbound messages arrive
// through Router.RouteEnvelope with from = channel:<platform>:<chatId>;
// outbound envelopes addressed to a channel invoke SendText or
// SendAttachment.
type ChatAdapter interface {
	Platform() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, chatID, text string, opts SendOptions) (SendResult, error)
	SendAttachment(ctx context.Context, chatID string, attachment Attachment, opts SendOptions) (SendResult, error)
	// SetReaction is optional; adapters that don't support reactions
	// return hiboss.ErrNotFound-kind errors or nil, at the adapter's
	// discretion — the core treats reaction failures as best-effort.
	SetReaction(ctx context.Context, chatID, channelMessageID, emoji string) error
}
