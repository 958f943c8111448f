package messaging

import (
	"context"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Close() error
}

// Message is the envelope pushed to live subscribers of a user feed.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// FeedChannel is the pub/sub channel carrying live feed items for a user.
func FeedChannel(userID string) string {
	return "feed:" + userID
}
