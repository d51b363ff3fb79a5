package store

import (
	"time"
)

// Kind tells message files and acknowledgment files apart.
type Kind string

const (
	KindMessage Kind = "msg"
	KindAck     Kind = "ack"
)

// Record is one message/ack pair handed to the fallback store. Either part may
// be empty; an empty part is not written.
type Record struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Message   []byte    `json:"message,omitempty"`
	Ack       []byte    `json:"ack,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FolderInfo describes a fallback folder for the status endpoint.
type FolderInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Pending int    `json:"pending"`
}
