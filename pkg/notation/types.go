// Package notation turns loosely shaped note lists into ABC notation text
package notation

import "errors"

// ErrNilMetadata is returned when Compile is called without metadata
var ErrNilMetadata = errors.New("notation: nil score metadata")

// Accidental is the accidental printed in front of a note
type Accidental int

const (
	AccidentalNone Accidental = iota
	AccidentalSharp
	AccidentalFlat
	AccidentalNatural
)

func (a Accidental) String() string {
	switch a {
	case AccidentalSharp:
		return "sharp"
	case AccidentalFlat:
		return "flat"
	case AccidentalNatural:
		return "natural"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler
func (a Accidental) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Accidental) UnmarshalText(text []byte) error {
	*a = parseAccidental(string(text))
	return nil
}

// Kind says what a normalized note carries
type Kind int

const (
	KindPitch Kind = iota
	KindRest
	// KindUnknown marks a note whose pitch could not be read. It renders
	// as an invisible rest so the bar arithmetic still holds.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindRest:
		return "rest"
	case KindUnknown:
		return "unknown"
	default:
		return "pitch"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "rest":
		*k = KindRest
	case "unknown":
		*k = KindUnknown
	default:
		*k = KindPitch
	}
	return nil
}

// Note is the canonical note consumed by the compiler.
// Beats is always > 0, with the quarter note as 1.0.
type Note struct {
	Kind       Kind       `json:"kind"`
	Letter     string     `json:"letter,omitempty"` // A-G, empty unless Kind == KindPitch
	Accidental Accidental `json:"accidental"`
	Octave     int        `json:"octave"` // scientific octave, middle C is C4
	Beats      float64    `json:"beats"`
}

// IsPitched reports whether the note sounds
func (n Note) IsPitched() bool {
	return n.Kind == KindPitch
}

// ScoreMetadata holds the header fields of a score
type ScoreMetadata struct {
	Title         string `json:"title"`
	KeySignature  string `json:"keySignature"`
	TimeSignature string `json:"timeSignature"`
}

// MergeMetadata overlays user edits on model metadata. Any non-empty user
// field wins.
func MergeMetadata(model, user ScoreMetadata) ScoreMetadata {
	merged := model
	if user.Title != "" {
		merged.Title = user.Title
	}
	if user.KeySignature != "" {
		merged.KeySignature = user.KeySignature
	}
	if user.TimeSignature != "" {
		merged.TimeSignature = user.TimeSignature
	}
	return merged
}

// Measure is one bar of notes
type Measure struct {
	Notes []Note
}

// Beats returns the summed duration of the measure
func (m Measure) Beats() float64 {
	var total float64
	for _, n := range m.Notes {
		total += n.Beats
	}
	return total
}

// Score is the metadata plus the flat note sequence
type Score struct {
	Metadata ScoreMetadata `json:"metadata"`
	Notes    []Note        `json:"notes"`
}

// Measures groups the notes with the same greedy rule the compiler uses
// for bar lines. A trailing partial measure is kept.
func (s Score) Measures() []Measure {
	capacity := MeasureCapacity(s.Metadata.TimeSignature)

	var (
		measures []Measure
		current  Measure
		sum      float64
	)
	for _, n := range s.Notes {
		current.Notes = append(current.Notes, n)
		sum += n.Beats
		if barFull(sum, capacity) {
			measures = append(measures, current)
			current = Measure{}
			sum = 0
		}
	}
	if len(current.Notes) > 0 {
		measures = append(measures, current)
	}
	return measures
}
