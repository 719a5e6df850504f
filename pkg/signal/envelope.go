package signal

type EnvelopeType string

const (
	// EnvelopeOpen and EnvelopeClose notify the addressee that the sender
	// opened or closed its channel towards it.
	EnvelopeOpen   EnvelopeType = "open"
	EnvelopeClose  EnvelopeType = "close"
	EnvelopeSignal EnvelopeType = "signal"
	// EnvelopeError is only ever sent by the relay server.
	EnvelopeError EnvelopeType = "error"
)

// Envelope is the relay wire frame. From is filled in by the relay, never
// trusted from the sender.
type Envelope struct {
	Type    EnvelopeType `json:"type"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to,omitempty"`
	Payload []byte       `json:"payload,omitempty"`
	Error   string       `json:"error,omitempty"`
}
