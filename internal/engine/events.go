package engine

import "encoding/json"

// Outbound engine messages.

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	Modalities              []string           `json:"modalities"`
	TurnDetection           turnDetection      `json:"turn_detection"`
	Voice                   string             `json:"voice"`
	InputAudioTranscription audioTranscription `json:"input_audio_transcription"`
	Instructions            string             `json:"instructions"`
	Tools                   []toolSchema       `json:"tools"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioTranscription struct {
	Model string `json:"model"`
}

type toolSchema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  toolParameters `json:"parameters"`
}

type toolParameters struct {
	Type       string                   `json:"type"`
	Properties map[string]toolParameter `json:"properties"`
	Required   []string                 `json:"required"`
}

type toolParameter struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Inbound engine messages. A single envelope covers every event type the
// bridge reacts to; unrecognized types fall through to the default branch.

type serverEvent struct {
	Type      string         `json:"type"`
	Delta     string         `json:"delta"`
	Item      *inboundItem   `json:"item"`
	Session   *inboundConfig `json:"session"`
	ToolCalls []toolCall     `json:"tool_calls"`
}

type inboundItem struct {
	Content []contentPart `json:"content"`
}

type inboundConfig struct {
	OutputAudioFormat string `json:"output_audio_format"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolCallArgs is the argument payload of the generic scheduling function.
type toolCallArgs struct {
	ToolName      string         `json:"tool_name"`
	ToolArguments map[string]any `json:"tool_arguments"`
}

func (a *toolCallArgs) unmarshal(raw json.RawMessage) error {
	if err := json.Unmarshal(raw, a); err == nil {
		return nil
	}
	// Some engine variants serialize function arguments as a JSON string.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return err
	}
	return json.Unmarshal([]byte(encoded), a)
}
