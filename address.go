package hiboss

import (
	"fmt"
	"strings"
)

// AddressKind distinguishes the two destinations an envelope can name.
type AddressKind string

const (
	// AddressAgent is an agent inbox: "agent:<name>".
	AddressAgent AddressKind = "agent"
	// AddressChannel is a chat channel: "channel:<adapter>:<chat-id>".
	AddressChannel AddressKind = "channel"
)

// Address is a parsed, tagged destination or source for an Envelope (§3).
// Addresses round-trip through their canonical String() form, which is
// what gets persisted; parsing happens at the boundary (IPC handlers,
// chat adapters) rather than repeatedly inside the core.
type Address struct {
	Kind    AddressKind
	Name    string // agent name, when Kind == AddressAgent
	Adapter string // adapter type, when Kind == AddressChannel
	ChatID  string // chat id, when Kind == AddressChannel
}

// AgentAddress builds an "agent:<name>" address.
func AgentAddress(name string) Address {
	return Address{Kind: AddressAgent, Name: name}
}

// ChannelAddress builds a "channel:<adapter>:<chatID>" address.
func ChannelAddress(adapter, chatID string) Address {
	return Address{Kind: AddressChannel, Adapter: adapter, ChatID: chatID}
}

// String returns the canonical wire form of the address.
func (a Address) String() string {
	switch a.Kind {
	case AddressAgent:
		return "agent:" + a.Name
	case AddressChannel:
		return "channel:" + a.Adapter + ":" + a.ChatID
	default:
		return ""
	}
}

// ParseAddress parses a canonical address string. Channel chat ids may
// themselves contain colons (e.g. negative Telegram group ids do not,
// but future adapters' ids might), so everything after the second colon
// is taken verbatim as the chat id.
func ParseAddress(s string) (Address, error) {
	parts := strings.SplitN(s, ":", 3)
	switch parts[0] {
	case string(AddressAgent):
		if len(parts) < 2 || parts[1] == "" {
			return Address{}, fmt.Errorf("address %q: missing agent name", s)
		}
		return Address{Kind: AddressAgent, Name: strings.Join(parts[1:], ":")}, nil
	case string(AddressChannel):
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return Address{}, fmt.Errorf("address %q: expected channel:<adapter>:<chat-id>", s)
		}
		return Address{Kind: AddressChannel, Adapter: parts[1], ChatID: parts[2]}, nil
	default:
		return Address{}, fmt.Errorf("address %q: unknown kind %q", s, parts[0])
	}
}

// IsAgent reports whether this address names an agent inbox.
func (a Address) IsAgent() bool { return a.Kind == AddressAgent }

// IsChannel reports whether this address names a chat channel.
func (a Address) IsChannel() bool { return a.Kind == AddressChannel }
