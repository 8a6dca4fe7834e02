package hl7

import (
	"fmt"
	"time"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"

	// Enhanced-mode commit accept, returned by some legacy senders.
	AckCommitAccept AckCode = "CA"
)

// Positive reports whether the code acknowledges successful receipt.
func (c AckCode) Positive() bool {
	return c == AckAccept || c == AckCommitAccept
}

// Responder identifies this system in the MSH of generated ACKs.
type Responder struct {
	Application string
	Facility    string
}

// CreateACK builds an MSH+MSA acknowledgment for original. original may
// be nil when the inbound frame could not be parsed at all; the ACK then
// carries no sender or control id to echo.
func CreateACK(original *Message, code AckCode, from Responder, now time.Time) *Message {
	var (
		recvApp, recvFacility, trigger, controlID string
		version                                   = "2.5"
	)
	if original != nil {
		recvApp = original.SendingApp()
		recvFacility = original.SendingFacility()
		trigger = ComponentAt(original.MessageType(), 2)
		controlID = original.ControlID()
		if v := original.Version(); v != "" {
			version = v
		}
	}

	messageType := "ACK"
	if trigger != "" {
		messageType += ComponentSeparator + trigger
	}

	ackControlID := controlID
	if ackControlID == "" {
		ackControlID = fmt.Sprintf("ACK%d", now.Unix())
	}

	msh := NewSegment("MSH",
		EncodingCharacters,
		from.Application,
		from.Facility,
		recvApp,
		recvFacility,
		now.Format("20060102150405"),
		"",
		messageType,
		ackControlID,
		"P",
		version,
	)
	msa := NewSegment("MSA", string(code), controlID)
	return NewMessage(msh, msa)
}

// AckCodeOf extracts MSA-1 from an acknowledgment message.
func AckCodeOf(ack *Message) AckCode {
	msa, ok := ack.Segment("MSA")
	if !ok {
		return ""
	}
	return AckCode(msa.Field(1))
}
