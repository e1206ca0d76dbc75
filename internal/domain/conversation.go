package domain

import (
	"sort"
	"time"
)

// Conversation - строка инбокса с точки зрения конкретного пользователя
type Conversation struct {
	ID                   string     `json:"id"`
	PropertyID           string     `json:"property_id,omitempty"`
	OtherParticipantID   string     `json:"other_participant_id"`
	OtherParticipantName string     `json:"other_participant_name"`
	LastMessage          *Content   `json:"last_message,omitempty"`
	LastMessageAt        *time.Time `json:"last_message_at,omitempty"`
	IsUnread             bool       `json:"is_unread"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (c Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.UpdatedAt
}

// SortByRecency - новые диалоги первыми
func SortByRecency(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ActivityAt().After(list[j].ActivityAt())
	})
}

// Participants - стороны диалога
type Participants struct {
	GuestID string `json:"guest_id"`
	HostID  string `json:"host_id"`
}

func (p Participants) Includes(userID string) bool {
	return userID != "" && (p.GuestID == userID || p.HostID == userID)
}

func (p Participants) IDs() []string {
	return []string{p.GuestID, p.HostID}
}
