package hl7

import (
	"errors"
	"strings"
)

const (
	// MLLP frame characters
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D
)

// HL7 v2 delimiters. Only the default encoding characters are supported.
const (
	FieldSeparator        = "|"
	ComponentSeparator    = "^"
	RepetitionSeparator   = "~"
	EscapeCharacter       = `\`
	SubComponentSeparator = "&"
	SegmentTerminator     = "\r"

	EncodingCharacters = `^~\&`
)

var (
	ErrEmptyMessage = errors.New("hl7: empty message")
	ErrNoHeader     = errors.New("hl7: message does not start with an MSH segment")
)

// Segment is an immutable HL7 segment. Fields are indexed the way the
// "|"-split record is indexed: Field(0) is the segment tag and, for every
// segment except MSH, Field(n) is SEG-n. MSH-1 is the field separator
// itself, so for MSH Field(n) is MSH-(n+1) (Field(8) is MSH-9).
type Segment struct {
	fields []string
}

// NewSegment builds a segment from its tag and the fields that follow it.
func NewSegment(tag string, fields ...string) Segment {
	f := make([]string, 0, len(fields)+1)
	f = append(f, tag)
	f = append(f, fields...)
	return Segment{fields: f}
}

func parseSegment(record string) Segment {
	return Segment{fields: strings.Split(record, FieldSeparator)}
}

func (s Segment) Tag() string {
	return s.Field(0)
}

// Len returns the number of fields including the tag.
func (s Segment) Len() int {
	return len(s.fields)
}

// Field returns the raw field at index i, or "" when absent.
func (s Segment) Field(i int) string {
	if i < 0 || i >= len(s.fields) {
		return ""
	}
	return s.fields[i]
}

// Fields returns a copy of the raw fields, tag first.
func (s Segment) Fields() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Components splits field i on the component separator.
func (s Segment) Components(i int) []string {
	return strings.Split(s.Field(i), ComponentSeparator)
}

// Component returns component j (1-based, as in PID-3.4) of field i.
func (s Segment) Component(i, j int) string {
	return ComponentAt(s.Field(i), j)
}

// SubComponent returns sub-component k of component j of field i. Both
// j and k are 1-based.
func (s Segment) SubComponent(i, j, k int) string {
	return nth(strings.Split(s.Component(i, j), SubComponentSeparator), k)
}

// Repetitions splits field i on the repetition separator. An empty field
// has no repetitions.
func (s Segment) Repetitions(i int) []string {
	f := s.Field(i)
	if f == "" {
		return nil
	}
	return strings.Split(f, RepetitionSeparator)
}

// WithField returns a copy of s with field i set to v, padding any
// missing fields in between with empty strings.
func (s Segment) WithField(i int, v string) Segment {
	if i < 1 {
		return s
	}
	n := len(s.fields)
	if i >= n {
		n = i + 1
	}
	f := make([]string, n)
	copy(f, s.fields)
	f[i] = v
	return Segment{fields: f}
}

// String serializes the segment without a terminator.
func (s Segment) String() string {
	return strings.Join(s.fields, FieldSeparator)
}

// ComponentAt returns component j (1-based) of a raw field or repetition.
func ComponentAt(value string, j int) string {
	return nth(strings.Split(value, ComponentSeparator), j)
}

func nth(parts []string, j int) string {
	if j < 1 || j > len(parts) {
		return ""
	}
	return parts[j-1]
}

// ParseSegments splits raw message text into segments. CR is the
// segment terminator, but LF and CRLF are tolerated since files and test
// fixtures often carry them. Empty records are discarded.
func ParseSegments(raw string) []Segment {
	raw = strings.ReplaceAll(raw, "\r\n", SegmentTerminator)
	raw = strings.ReplaceAll(raw, "\n", SegmentTerminator)

	var segments []Segment
	for _, record := range strings.Split(raw, SegmentTerminator) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		segments = append(segments, parseSegment(record))
	}
	return segments
}

// Message is an ordered list of segments whose first segment is MSH.
type Message struct {
	segments []Segment
}

// NewMessage assembles a message from already-built segments.
func NewMessage(segments ...Segment) *Message {
	s := make([]Segment, len(segments))
	copy(s, segments)
	return &Message{segments: s}
}

// ParseMessage parses raw message bytes, stripping an MLLP envelope if
// one is still attached.
func ParseMessage(data []byte) (*Message, error) {
	segments := ParseSegments(string(UnwrapMLLP(data)))
	if len(segments) == 0 {
		return nil, ErrEmptyMessage
	}
	if segments[0].Tag() != "MSH" {
		return nil, ErrNoHeader
	}
	return &Message{segments: segments}, nil
}

// Segments returns a copy of the segment list.
func (m *Message) Segments() []Segment {
	out := make([]Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

func (m *Message) Header() Segment {
	if len(m.segments) == 0 {
		return Segment{}
	}
	return m.segments[0]
}

// Segment returns the first segment with the given tag.
func (m *Message) Segment(tag string) (Segment, bool) {
	for _, s := range m.segments {
		if s.Tag() == tag {
			return s, true
		}
	}
	return Segment{}, false
}

// All returns every segment with the given tag, in message order.
func (m *Message) All(tag string) []Segment {
	var out []Segment
	for _, s := range m.segments {
		if s.Tag() == tag {
			out = append(out, s)
		}
	}
	return out
}

// MessageType returns the raw MSH-9 value, e.g. "ADT^A01^ADT_A01".
func (m *Message) MessageType() string       { return m.Header().Field(8) }
func (m *Message) ControlID() string         { return m.Header().Field(9) }
func (m *Message) SendingApp() string        { return m.Header().Field(2) }
func (m *Message) SendingFacility() string   { return m.Header().Field(3) }
func (m *Message) ReceivingApp() string      { return m.Header().Field(4) }
func (m *Message) ReceivingFacility() string { return m.Header().Field(5) }
func (m *Message) Version() string           { return m.Header().Field(11) }

// String serializes the message with CR between segments.
func (m *Message) String() string {
	parts := make([]string, len(m.segments))
	for i, s := range m.segments {
		parts[i] = s.String()
	}
	return strings.Join(parts, SegmentTerminator)
}

func (m *Message) Bytes() []byte {
	return []byte(m.String())
}

var (
	escaper = strings.NewReplacer(
		`\`, `\E\`,
		`|`, `\F\`,
		`^`, `\S\`,
		`&`, `\T\`,
		`~`, `\R\`,
		"\r", `\X0D\`,
		"\n", `\X0A\`,
	)
	unescaper = strings.NewReplacer(
		`\E\`, `\`,
		`\F\`, `|`,
		`\S\`, `^`,
		`\T\`, `&`,
		`\R\`, `~`,
		`\X0D\`, "\r",
		`\X0A\`, "\n",
	)
)

// Escape replaces delimiter characters in free text with HL7 escape
// sequences so the value can be placed inside a single component.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape.
func Unescape(s string) string {
	return unescaper.Replace(s)
}
