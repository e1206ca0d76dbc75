package domain

import (
	"strings"
	"time"
)

type ContentType string

const (
	ContentTypeText   ContentType = "text"
	ContentTypeImage  ContentType = "image"
	ContentTypeSystem ContentType = "system"
)

// Content - тело сообщения: text | image | system
type Content struct {
	Type     ContentType            `json:"type"`
	Text     string                 `json:"text,omitempty"`
	ImageURL string                 `json:"imageUrl,omitempty"`
	Event    string                 `json:"event,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

func ImageContent(url string) Content {
	return Content{Type: ContentTypeImage, ImageURL: url}
}

func SystemContent(event string, data map[string]interface{}) Content {
	return Content{Type: ContentTypeSystem, Event: event, Data: data}
}

// IsBlank сообщает, что отправлять нечего
func (c Content) IsBlank() bool {
	switch c.Type {
	case ContentTypeText:
		return strings.TrimSpace(c.Text) == ""
	case ContentTypeImage:
		return strings.TrimSpace(c.ImageURL) == ""
	case ContentTypeSystem:
		return c.Event == ""
	default:
		return true
	}
}

// Equal сравнивает видимую часть контента (Data системных сообщений не учитывается)
func (c Content) Equal(other Content) bool {
	return c.Type == other.Type &&
		c.Text == other.Text &&
		c.ImageURL == other.ImageURL &&
		c.Event == other.Event
}

// Preview - короткое представление для списка диалогов
func (c Content) Preview() string {
	switch c.Type {
	case ContentTypeText:
		return c.Text
	case ContentTypeImage:
		return "[image]"
	case ContentTypeSystem:
		return c.Event
	default:
		return ""
	}
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       *string    `json:"sender_id,omitempty"`
	Content        Content    `json:"content"`
	ClientID       string     `json:"client_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Pending        bool       `json:"pending,omitempty"`
}

func (m Message) IsEdited() bool {
	return m.EditedAt != nil
}

// SentBy - true, если автор сообщения userID. У системных сообщений автора нет.
func (m Message) SentBy(userID string) bool {
	return m.SenderID != nil && *m.SenderID == userID
}

// MessageDraft - то, что клиент передает на запись
type MessageDraft struct {
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	Content        Content `json:"content"`
	ClientID       string  `json:"client_id,omitempty"`
}
