package mdm

import (
	"github.com/google/uuid"
	"github.com/groob/plist"
)

// CheckInMessage is the body a device sends to the check-in endpoint.
type CheckInMessage struct {
	MessageType  string `plist:"MessageType"`
	UDID         string `plist:"UDID"`
	SerialNumber string `plist:"SerialNumber,omitempty"`
	Topic        string `plist:"Topic,omitempty"`
	Token        []byte `plist:"Token,omitempty"`
	PushMagic    string `plist:"PushMagic,omitempty"`
	UnlockToken  []byte `plist:"UnlockToken,omitempty"`
}

// Acknowledgement is the body a device sends to the connect endpoint.
type Acknowledgement struct {
	UDID        string           `plist:"UDID"`
	Status      string           `plist:"Status"`
	CommandUUID string           `plist:"CommandUUID,omitempty"`
	ErrorChain  []ErrorChainItem `plist:"ErrorChain,omitempty"`
}

type ErrorChainItem struct {
	ErrorCode            int    `plist:"ErrorCode"`
	ErrorDomain          string `plist:"ErrorDomain"`
	LocalizedDescription string `plist:"LocalizedDescription"`
	USEnglishDescription string `plist:"USEnglishDescription,omitempty"`
}

func DecodeCheckIn(body []byte) (*CheckInMessage, error) {
	var msg CheckInMessage
	if err := plist.Unmarshal(body, &msg); err != nil {
		return nil, &MalformedEnvelopeError{Reason: "unreadable check-in", Err: err}
	}
	if msg.MessageType == "" {
		return nil, &MalformedEnvelopeError{Reason: "missing MessageType"}
	}
	if msg.UDID == "" {
		return nil, &MalformedEnvelopeError{Reason: "missing UDID"}
	}
	return &msg, nil
}

func DecodeAcknowledgement(body []byte) (*Acknowledgement, error) {
	var ack Acknowledgement
	if err := plist.Unmarshal(body, &ack); err != nil {
		return nil, &MalformedEnvelopeError{Reason: "unreadable acknowledgement", Err: err}
	}
	if ack.UDID == "" {
		return nil, &MalformedEnvelopeError{Reason: "missing UDID"}
	}
	if ack.Status == "" {
		return nil, &MalformedEnvelopeError{Reason: "missing Status"}
	}
	if ack.CommandUUID != "" {
		if _, err := uuid.Parse(ack.CommandUUID); err != nil {
			return nil, &MalformedEnvelopeError{Reason: "invalid CommandUUID", Err: err}
		}
	}
	return &ack, nil
}
