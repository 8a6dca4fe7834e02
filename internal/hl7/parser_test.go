package hl7

import (
	"errors"
	"testing"
	"time"
)

const sampleADT = "MSH|^~\\&|HIS|HOSP|PFI|PHARMACIE|20260129080000||ADT^A01^ADT_A01|MSG001|P|2.5\r" +
	"PID|1||123456789012345^^^INS~IPP42^^^LOCAL||DUBOIS^JEAN||19800101|M\r"

func TestParseMessage_Header(t *testing.T) {
	msg, err := ParseMessage([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := msg.MessageType(); got != "ADT^A01^ADT_A01" {
		t.Errorf("expected message type ADT^A01^ADT_A01, got %q", got)
	}
	if got := msg.ControlID(); got != "MSG001" {
		t.Errorf("expected control id MSG001, got %q", got)
	}
	if got := msg.SendingApp(); got != "HIS" {
		t.Errorf("expected sending app HIS, got %q", got)
	}
	if got := msg.Version(); got != "2.5" {
		t.Errorf("expected version 2.5, got %q", got)
	}
	if n := len(msg.Segments()); n != 2 {
		t.Errorf("expected 2 segments, got %d", n)
	}
}

func TestParseMessage_Errors(t *testing.T) {
	if _, err := ParseMessage([]byte("\r\r")); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := ParseMessage([]byte("PID|1\r")); !errors.Is(err, ErrNoHeader) {
		t.Errorf("expected ErrNoHeader, got %v", err)
	}
}

func TestParseMessage_StripsEnvelope(t *testing.T) {
	msg, err := ParseMessage(WrapMLLP([]byte(sampleADT)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ControlID() != "MSG001" {
		t.Errorf("expected MSG001, got %q", msg.ControlID())
	}
}

func TestParseSegments_LineEndings(t *testing.T) {
	segs := ParseSegments("MSH|^~\\&|A\r\nPID|1\nOBX|1\r\r")
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	want := []string{"MSH", "PID", "OBX"}
	for i, s := range segs {
		if s.Tag() != want[i] {
			t.Errorf("segment %d: expected %s, got %s", i, want[i], s.Tag())
		}
	}
}

func TestSegment_Accessors(t *testing.T) {
	msg, _ := ParseMessage([]byte(sampleADT))
	pid, ok := msg.Segment("PID")
	if !ok {
		t.Fatal("expected PID segment")
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"field", pid.Field(5), "DUBOIS^JEAN"},
		{"component", pid.Component(5, 1), "DUBOIS"},
		{"second component", pid.Component(5, 2), "JEAN"},
		{"absent component", pid.Component(5, 9), ""},
		{"absent field", pid.Field(30), ""},
		{"negative field", pid.Field(-1), ""},
		{"repetition authority", ComponentAt(pid.Repetitions(3)[0], 4), "INS"},
		{"second repetition value", ComponentAt(pid.Repetitions(3)[1], 1), "IPP42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, tt.got)
			}
		})
	}

	if reps := pid.Repetitions(4); reps != nil {
		t.Errorf("expected no repetitions for empty field, got %v", reps)
	}
}

func TestSegment_SubComponent(t *testing.T) {
	s := NewSegment("ZZZ", "a^b&c&d^e")
	if got := s.SubComponent(1, 2, 3); got != "d" {
		t.Errorf("expected d, got %q", got)
	}
	if got := s.SubComponent(1, 2, 4); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestSegment_WithFieldPadsAndCopies(t *testing.T) {
	orig := NewSegment("SCH", "APT1")
	updated := orig.WithField(5, "X")

	if got := updated.String(); got != "SCH|APT1||||X" {
		t.Errorf("expected SCH|APT1||||X, got %q", got)
	}
	if got := orig.String(); got != "SCH|APT1" {
		t.Errorf("original segment was mutated: %q", got)
	}
	if same := orig.WithField(0, "BAD"); same.Tag() != "SCH" {
		t.Errorf("tag must not be replaceable, got %q", same.Tag())
	}
}

func TestMessage_SerializeRoundTrip(t *testing.T) {
	msg, _ := ParseMessage([]byte(sampleADT))
	again, err := ParseMessage(msg.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.String() != again.String() {
		t.Errorf("serialization is not stable:\n%q\n%q", msg.String(), again.String())
	}
	if msg.String()+"\r" != sampleADT {
		t.Errorf("expected serialized text to match input, got %q", msg.String())
	}
}

func TestEscape(t *testing.T) {
	in := `Bilan | sang ^ urgent & suivi ~ 50\50`
	esc := Escape(in)
	want := `Bilan \F\ sang \S\ urgent \T\ suivi \R\ 50\E\50`
	if esc != want {
		t.Errorf("expected %q, got %q", want, esc)
	}
	if got := Unescape(esc); got != in {
		t.Errorf("expected %q after unescape, got %q", in, got)
	}
}

func TestCreateACK(t *testing.T) {
	orig, _ := ParseMessage([]byte(sampleADT))
	now := time.Date(2026, 1, 29, 8, 30, 0, 0, time.UTC)

	ack := CreateACK(orig, AckAccept, Responder{Application: "PFI", Facility: "PHARMACIE"}, now)

	want := "MSH|^~\\&|PFI|PHARMACIE|HIS|HOSP|20260129083000||ACK^A01|MSG001|P|2.5\rMSA|AA|MSG001"
	if got := ack.String(); got != want {
		t.Errorf("expected\n%q\ngot\n%q", want, got)
	}
	if code := AckCodeOf(ack); !code.Positive() {
		t.Errorf("expected positive ACK code, got %q", code)
	}
}

func TestCreateACK_WithoutOriginal(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	ack := CreateACK(nil, AckError, Responder{Application: "PFI"}, now)

	if ack.ControlID() != "ACK1700000000" {
		t.Errorf("expected generated control id, got %q", ack.ControlID())
	}
	if ack.MessageType() != "ACK" {
		t.Errorf("expected bare ACK type, got %q", ack.MessageType())
	}
	if AckCodeOf(ack) != AckError {
		t.Errorf("expected AE, got %q", AckCodeOf(ack))
	}
}
