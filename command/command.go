package command

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Kind classifies an inbound message
type Kind int

const (
	KindChat Kind = iota
	KindName
	KindSend
)

func (k Kind) String() string {
	switch k {
	case KindName:
		return "name"
	case KindSend:
		return "send"
	default:
		return "chat"
	}
}

const (
	prefixName = "/name"
	prefixSend = "/send"
)

// Command is a parsed message-channel payload
type Command struct {
	Kind Kind
	Arg  string // peer name for KindName
	Raw  string
}

// Parse classifies a message received on the message channel.
// "/name <value>" announces the sender's display name, "/send" asks a
// peripheral to open the secondary link, anything else is chat text.
func Parse(text string) Command {
	cmd := Command{Kind: KindChat, Raw: text}
	if !strings.HasPrefix(text, "/") {
		return cmd
	}

	head, rest, _ := strings.Cut(text, " ")
	switch head {
	case prefixName:
		name := norm.NFC.String(strings.TrimSpace(rest))
		if name == "" {
			return cmd
		}
		cmd.Kind = KindName
		cmd.Arg = name
	case prefixSend:
		cmd.Kind = KindSend
	}
	return cmd
}

// FormatName builds the directive announcing our display name
func FormatName(name string) string {
	return prefixName + " " + norm.NFC.String(strings.TrimSpace(name))
}

// FormatSend builds the directive asking the peripheral for a handoff
func FormatSend() string {
	return prefixSend
}
