package transport

// Inbound telephony stream events, one JSON object per message.
type inboundEvent struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Start     *startEvent `json:"start"`
	Media     *mediaEvent `json:"media"`
}

type startEvent struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

type mediaEvent struct {
	Payload string `json:"payload"`
	Track   string `json:"track,omitempty"`
}

// Outbound telephony stream events.
type outboundMedia struct {
	Event     string     `json:"event"`
	StreamSid string     `json:"streamSid"`
	Media     mediaEvent `json:"media"`
}

type outboundControl struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}
