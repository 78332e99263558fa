package gemlive

// Wire types for the BidiGenerateContent websocket protocol. The server
// side is loosely shaped: transcription text, turn completion, and
// interruption flags can share one message or arrive separately, and the
// transcription field has appeared both directly on serverContent and
// nested under modelTurn metadata across API revisions. normalize is the
// single place that flattens all of that into Events; nothing else in
// this module branches on message shape.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                   string           `json:"model"`
	GenerationConfig        generationConfig `json:"generationConfig"`
	SystemInstruction       *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription *struct{}        `json:"inputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
}

type serverContent struct {
	InputTranscription *transcriptionText `json:"inputTranscription,omitempty"`
	ModelTurn          *modelTurn         `json:"modelTurn,omitempty"`
	TurnComplete       bool               `json:"turnComplete,omitempty"`
	Interrupted        bool               `json:"interrupted,omitempty"`
}

type modelTurn struct {
	InputTranscription *transcriptionText `json:"inputTranscription,omitempty"`
}

type transcriptionText struct {
	Text string `json:"text"`
}

// EventKind enumerates what the server can tell us.
type EventKind int

const (
	EventSetupComplete EventKind = iota
	EventTranscript
	EventTurnComplete
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSetupComplete:
		return "setup-complete"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn-complete"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one normalized server event. Text is set for EventTranscript
// and carries an incremental fragment, not accumulated text.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// normalize flattens one server message into zero or more events,
// preserving intra-message order: transcription text precedes a
// turn-complete carried by the same message.
func normalize(msg serverMessage) []Event {
	var events []Event

	if msg.SetupComplete != nil {
		events = append(events, Event{Kind: EventSetupComplete})
	}

	if sc := msg.ServerContent; sc != nil {
		text := ""
		if sc.InputTranscription != nil {
			text = sc.InputTranscription.Text
		} else if sc.ModelTurn != nil && sc.ModelTurn.InputTranscription != nil {
			text = sc.ModelTurn.InputTranscription.Text
		}
		if text != "" {
			events = append(events, Event{Kind: EventTranscript, Text: text})
		}

		if sc.TurnComplete {
			events = append(events, Event{Kind: EventTurnComplete})
		}
	}

	return events
}
