package wa

import "strings"

// MessageKey identifies a message and its chat.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// TextMessage is an extended text payload.
type TextMessage struct {
	Text string `json:"text"`
}

// MediaMessage carries the caption of an image or video.
type MediaMessage struct {
	Caption string `json:"caption"`
}

// Content is the subset of message payload kinds the gateway reads.
type Content struct {
	Conversation        string        `json:"conversation,omitempty"`
	ExtendedTextMessage *TextMessage  `json:"extendedTextMessage,omitempty"`
	ImageMessage        *MediaMessage `json:"imageMessage,omitempty"`
	VideoMessage        *MediaMessage `json:"videoMessage,omitempty"`
}

// Message is one inbound message.
type Message struct {
	Key      MessageKey `json:"key"`
	Message  *Content   `json:"message,omitempty"`
	PushName string     `json:"pushName,omitempty"`
}

// Text returns the first non-empty of plain text, extended text, image
// caption and video caption, trimmed.
func (m Message) Text() string {
	c := m.Message
	if c == nil {
		return ""
	}
	candidates := []string{c.Conversation}
	if c.ExtendedTextMessage != nil {
		candidates = append(candidates, c.ExtendedTextMessage.Text)
	}
	if c.ImageMessage != nil {
		candidates = append(candidates, c.ImageMessage.Caption)
	}
	if c.VideoMessage != nil {
		candidates = append(candidates, c.VideoMessage.Caption)
	}
	for _, s := range candidates {
		if s != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
