package signaling

import "encoding/base64"

// MessageType enumerates the signaling channel's wire message types (spec
// section 6): "the signaling controller delivers messages of types
// {SDP_OFFER, SDP_ANSWER, ICE_CANDIDATE, RECONNECT_ICE_SERVER,
// STATUS_RESPONSE}".
type MessageType string

const (
	MessageTypeSDPOffer       MessageType = "SDP_OFFER"
	MessageTypeSDPAnswer      MessageType = "SDP_ANSWER"
	MessageTypeICECandidate   MessageType = "ICE_CANDIDATE"
	MessageTypeReconnectICE   MessageType = "RECONNECT_ICE_SERVER"
	MessageTypeStatusResponse MessageType = "STATUS_RESPONSE"
)

// StatusResponse carries the channel's accept/reject verdict on a
// previously sent message, surfaced rather than silently dropped per
// signaling_controller.c's handleStatusResponse.
type StatusResponse struct {
	CorrelationID string `json:"correlationId,omitempty"`
	ErrorType     string `json:"errorType,omitempty"`
	StatusCode    string `json:"statusCode,omitempty"`
	Description   string `json:"description,omitempty"`
}

// wireMessage is the JSON envelope exchanged over the WebSocket event
// plane. MessagePayload carries base64-encoded SDP text or ICE-candidate
// JSON, per spec section 6.
type wireMessage struct {
	MessageType       MessageType     `json:"messageType"`
	SenderClientID    string          `json:"senderClientId,omitempty"`
	RecipientClientID string          `json:"recipientClientId,omitempty"`
	MessagePayload    string          `json:"messagePayload"`
	CorrelationID     string          `json:"correlationId,omitempty"`
	StatusResponse    *StatusResponse `json:"statusResponse,omitempty"`
}

// Message is the decoded, caller-facing form of a wireMessage: Payload has
// already been base64-decoded.
type Message struct {
	Type              MessageType
	SenderClientID    string
	RecipientClientID string
	Payload           []byte
	CorrelationID     string
	Status            *StatusResponse
}

func (m wireMessage) decode() (Message, error) {
	payload, err := base64.StdEncoding.DecodeString(m.MessagePayload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:              m.MessageType,
		SenderClientID:    m.SenderClientID,
		RecipientClientID: m.RecipientClientID,
		Payload:           payload,
		CorrelationID:     m.CorrelationID,
		Status:            m.StatusResponse,
	}, nil
}

func (m Message) encode() wireMessage {
	return wireMessage{
		MessageType:       m.Type,
		RecipientClientID: m.RecipientClientID,
		MessagePayload:    base64.StdEncoding.EncodeToString(m.Payload),
		CorrelationID:     m.CorrelationID,
	}
}

// ICECandidateInit is the JSON shape of an ICE_CANDIDATE message's decoded
// payload, per spec section 6: `{"candidate":"candidate:...","sdpMid":"0",
// "sdpMLineIndex":0}`.
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}
