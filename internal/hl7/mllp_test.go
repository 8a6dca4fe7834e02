package hl7

import (
	"bytes"
	"errors"
	"testing"
)

func TestWrapUnwrapMLLP(t *testing.T) {
	msg := []byte("MSH|^~\\&|A")
	framed := WrapMLLP(msg)

	if framed[0] != StartBlock {
		t.Errorf("expected start block, got 0x%02X", framed[0])
	}
	if !bytes.HasSuffix(framed, []byte{EndBlock, CarriageReturn}) {
		t.Error("expected end block + CR trailer")
	}
	if again := WrapMLLP(framed); !bytes.Equal(again, framed) {
		t.Error("expected already-wrapped message to be returned unchanged")
	}
	if got := UnwrapMLLP(framed); !bytes.Equal(got, msg) {
		t.Errorf("expected %q, got %q", msg, got)
	}
}

func TestAccumulator_PartialReads(t *testing.T) {
	acc := NewAccumulator(0)
	framed := WrapMLLP([]byte("MSH|1"))

	acc.Write(framed[:3])
	if _, ok := acc.Next(); ok {
		t.Fatal("expected no frame from a partial read")
	}
	acc.Write(framed[3:])
	frame, ok := acc.Next()
	if !ok {
		t.Fatal("expected a complete frame")
	}
	if string(frame) != "MSH|1" {
		t.Errorf("expected MSH|1, got %q", frame)
	}
	if acc.Len() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", acc.Len())
	}
}

func TestAccumulator_BackToBackFrames(t *testing.T) {
	acc := NewAccumulator(0)
	var stream []byte
	stream = append(stream, WrapMLLP([]byte("MSH|1"))...)
	stream = append(stream, WrapMLLP([]byte("MSH|2"))...)
	stream = append(stream, StartBlock, 'M', 'S')
	acc.Write(stream)

	var got []string
	for {
		frame, ok := acc.Next()
		if !ok {
			break
		}
		got = append(got, string(frame))
	}
	if len(got) != 2 || got[0] != "MSH|1" || got[1] != "MSH|2" {
		t.Fatalf("expected frames in arrival order, got %v", got)
	}
	if acc.Len() != 3 {
		t.Errorf("expected the partial third frame to stay buffered, got %d bytes", acc.Len())
	}
}

func TestAccumulator_DiscardsNoiseBeforeStart(t *testing.T) {
	acc := NewAccumulator(0)
	acc.Write(append([]byte("noise"), WrapMLLP([]byte("MSH|1"))...))
	frame, ok := acc.Next()
	if !ok || string(frame) != "MSH|1" {
		t.Fatalf("expected MSH|1, got %q (ok=%v)", frame, ok)
	}

	acc.Write([]byte("garbage without markers"))
	if _, ok := acc.Next(); ok {
		t.Fatal("expected no frame")
	}
	if acc.Len() != 0 {
		t.Errorf("expected garbage to be dropped, got %d bytes", acc.Len())
	}
}

func TestAccumulator_EndMarkerWithoutTrailerIsIncomplete(t *testing.T) {
	acc := NewAccumulator(0)
	acc.Write([]byte{StartBlock, 'M', EndBlock})
	if _, ok := acc.Next(); ok {
		t.Fatal("expected frame to wait for the CR trailer")
	}
	acc.Write([]byte{CarriageReturn})
	if frame, ok := acc.Next(); !ok || string(frame) != "M" {
		t.Fatalf("expected frame M, got %q (ok=%v)", frame, ok)
	}
}

func TestAccumulator_TooLarge(t *testing.T) {
	acc := NewAccumulator(8)
	_, err := acc.Write(append([]byte{StartBlock}, bytes.Repeat([]byte("x"), 16)...))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	ok := NewAccumulator(8)
	if _, err := ok.Write(WrapMLLP([]byte("0123456789"))); err != nil {
		t.Errorf("a complete frame must be accepted even above the limit, got %v", err)
	}
}
