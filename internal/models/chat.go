// Package models holds the chat records shared by the session, the store and the server.
package models

import "time"

// Chat is one conversation: a websocket connection on the server, a terminal run on the client.
type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// DefaultTitle is shown until a title has been generated for a chat.
const DefaultTitle = "New chat"

// DisplayTitle returns the chat title, or DefaultTitle when none has been set yet.
func (c Chat) DisplayTitle() string {
	if c.Title == "" {
		return DefaultTitle
	}
	return c.Title
}
