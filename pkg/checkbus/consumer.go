package checkbus

import "context"

type Message struct {
	Value []byte
}

// Consumer yields raw check-result messages from the bus.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
