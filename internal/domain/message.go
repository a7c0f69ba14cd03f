package domain

// Message represents one stream entry handed to a consumer: the
// broker-assigned id plus the opaque business payload from the `message`
// field.
type Message struct {
	ID      string
	Payload []byte
}
