// Package query is the consumer-facing read layer for shardvault. It turns
// merged records into decoded messages and aggregate partials into result
// rows, over whichever backend the session was opened with.
package query

import "time"

// Message is one decoded message of a conversation.
type Message struct {
	LocalID int64     `json:"local_id"`
	Seq     int64     `json:"seq,omitempty"`
	Time    time.Time `json:"time"`
	Type    int64     `json:"type"`
	Status  int64     `json:"status,omitempty"`

	// Sender is the in-content sender of a group-chat message; empty for
	// one-to-one conversations.
	Sender   string `json:"sender,omitempty"`
	SenderID int64  `json:"sender_id,omitempty"`
	Content  string `json:"content"`

	Source string `json:"source"`
}

// TypeCount is one row of a message-type distribution.
type TypeCount struct {
	Type  int64 `json:"type"`
	Count int64 `json:"count"`
}

// TimeSpan is the first and last message time of a conversation.
// First and Last are zero when Count is zero.
type TimeSpan struct {
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
	Count int64     `json:"count"`
}

// SentReceived splits a message count by direction.
type SentReceived struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

// DateCount is the number of messages on one UTC day.
type DateCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// YearCount is the number of messages in one UTC year.
type YearCount struct {
	Year  int   `json:"year"`
	Count int64 `json:"count"`
}
