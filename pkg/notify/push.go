package notify

import (
	"encoding/json"
	"strings"
)

const (
	DefaultTitle   = "Safety Alert"
	DefaultMessage = "You have a new safety notification"
	DefaultTag     = "safety-alert"

	// LevelCritical marks alerts that require interaction and switch the
	// proxy into emergency mode.
	LevelCritical = "critical"
)

// Action is a button offered on a notification.
type Action struct {
	Name  string `json:"action"`
	Title string `json:"title"`
}

// Actions offered on every safety notification.
var Actions = []Action{
	{Name: ActionOpen, Title: "Open App"},
	{Name: ActionSafe, Title: "I'm Safe"},
	{Name: ActionHelp, Title: "Need Help"},
}

// Push is the inbound push payload. Every field is optional.
type Push struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Body    string `json:"body"`
	Level   string `json:"level"`
	Tag     string `json:"tag"`
	AlertID string `json:"alertId"`
}

// Notification is what the host shows for a push.
type Notification struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Tag                string   `json:"tag"`
	Level              string   `json:"level,omitempty"`
	AlertID            string   `json:"alertId,omitempty"`
	RequireInteraction bool     `json:"requireInteraction"`
	Actions            []Action `json:"actions"`
}

// Critical reports whether the notification carries a critical alert.
func (n Notification) Critical() bool {
	return strings.EqualFold(n.Level, LevelCritical)
}

// ParsePush builds a notification from a raw payload. A missing or
// malformed payload yields the default safety notification; it is never an
// error.
func ParsePush(data []byte) Notification {
	n := Notification{
		Title:   DefaultTitle,
		Body:    DefaultMessage,
		Tag:     DefaultTag,
		Actions: Actions,
	}

	var p Push
	if len(data) == 0 || json.Unmarshal(data, &p) != nil {
		return n
	}

	if p.Type != "" {
		n.Title = p.Type + " Alert"
	}
	switch {
	case p.Message != "":
		n.Body = p.Message
	case p.Body != "":
		n.Body = p.Body
	}
	if p.Tag != "" {
		n.Tag = p.Tag
	}
	n.Level = p.Level
	n.AlertID = p.AlertID
	n.RequireInteraction = n.Critical()
	return n
}
