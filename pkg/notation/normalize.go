package notation

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

const (
	defaultOctave = 4
	defaultBeats  = 1.0

	// octaves a model may report; anything else is treated as noise
	minOctave = 0
	maxOctave = 9
)

// RawNote is a note as the vision model sent it. Every field is optional;
// Normalize fills in whatever is missing.
type RawNote struct {
	Pitch      string   `json:"pitch,omitempty"`
	Octave     *int     `json:"octave,omitempty"`
	Accidental string   `json:"accidental,omitempty"`
	Duration   *float64 `json:"duration,omitempty"` // decimal beats, quarter = 1.0
	Shape      string   `json:"visualType,omitempty"`
	Rest       bool     `json:"rest,omitempty"`
}

// UnmarshalJSON reads a loosely typed note object. Unknown keys and odd
// value types are ignored rather than rejected.
func (r *RawNote) UnmarshalJSON(data []byte) error {
	*r = RawNoteFromJSON(gjson.ParseBytes(data))
	return nil
}

// RawNoteFromJSON builds a RawNote from an already parsed JSON value.
// A bare string such as "C#5" is read as the pitch.
func RawNoteFromJSON(v gjson.Result) RawNote {
	var r RawNote

	if v.Type == gjson.String {
		r.Pitch = v.String()
		return r
	}
	if !v.IsObject() {
		return r
	}

	r.Pitch = firstString(v, "pitch", "note", "name", "step")

	if o := firstOf(v, "octave"); o.Exists() {
		switch o.Type {
		case gjson.Number:
			oct := int(o.Int())
			r.Octave = &oct
		case gjson.String:
			if oct, err := strconv.Atoi(strings.TrimSpace(o.Str)); err == nil {
				r.Octave = &oct
			}
		}
	}

	if a := firstOf(v, "accidental", "alter"); a.Exists() {
		switch a.Type {
		case gjson.Number:
			switch {
			case a.Float() > 0:
				r.Accidental = "#"
			case a.Float() < 0:
				r.Accidental = "b"
			}
		case gjson.String:
			r.Accidental = a.Str
		}
	}

	if d := firstOf(v, "duration", "beats", "length"); d.Exists() {
		switch d.Type {
		case gjson.Number:
			if f := d.Float(); f > 0 {
				r.Duration = &f
			}
		case gjson.String:
			r.Shape = d.Str
		}
	}
	if shape := firstString(v, "visualType", "shape", "type", "value"); shape != "" {
		if isRestToken(strings.TrimSpace(shape)) {
			r.Rest = true
		} else if r.Duration == nil {
			r.Shape = shape
		}
	}

	if rest := firstOf(v, "rest", "isRest"); rest.Exists() {
		r.Rest = rest.Bool()
	}
	return r
}

func firstOf(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if res := v.Get(k); res.Exists() && res.Type != gjson.Null {
			return res
		}
	}
	return gjson.Result{}
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		res := v.Get(k)
		if res.Type == gjson.String && strings.TrimSpace(res.Str) != "" {
			return res.Str
		}
	}
	return ""
}

// Normalize converts a raw note into its canonical form. It never fails:
// unreadable fields fall back to octave 4, no accidental and a quarter note.
func Normalize(raw RawNote) Note {
	note := Note{Beats: parseBeats(raw)}

	pitch := strings.TrimSpace(raw.Pitch)
	if raw.Rest || isRestToken(pitch) {
		note.Kind = KindRest
		return note
	}

	letter, acc, octave, ok := parsePitch(pitch)
	if !ok {
		note.Kind = KindUnknown
		return note
	}

	if raw.Octave != nil {
		octave = *raw.Octave
	}
	if raw.Accidental != "" {
		acc = parseAccidental(raw.Accidental)
	}

	note.Kind = KindPitch
	note.Letter = letter
	note.Accidental = acc
	note.Octave = sanitizeOctave(octave)
	return note
}

func sanitizeOctave(octave int) int {
	if octave < minOctave || octave > maxOctave {
		return defaultOctave
	}
	return octave
}

// NormalizeAll normalizes a note list in order
func NormalizeAll(raws []RawNote) []Note {
	notes := make([]Note, 0, len(raws))
	for _, r := range raws {
		notes = append(notes, Normalize(r))
	}
	return notes
}

func isRestToken(s string) bool {
	switch strings.ToLower(s) {
	case "rest", "r", "z", "silence", "soupir", "pause":
		return true
	}
	return false
}

// parsePitch splits "C#5", "Bb", "e" or "F♯3" into letter, accidental and
// octave.
func parsePitch(s string) (string, Accidental, int, bool) {
	if s == "" {
		return "", AccidentalNone, 0, false
	}

	runes := []rune(s)

	end := len(runes)
	for end > 0 && unicode.IsDigit(runes[end-1]) {
		end--
	}
	octave := defaultOctave
	if end < len(runes) {
		if n, err := strconv.Atoi(string(runes[end:])); err == nil {
			octave = n
		}
	}
	if end > 1 && runes[end-1] == '-' {
		octave = -octave
		end--
	}
	runes = runes[:end]

	acc := AccidentalNone
	if len(runes) > 1 {
		if a := accidentalRune(runes[len(runes)-1]); a != AccidentalNone {
			acc = a
			runes = runes[:len(runes)-1]
		}
	}

	if len(runes) != 1 {
		return "", AccidentalNone, 0, false
	}
	letter := unicode.ToUpper(runes[0])
	if letter < 'A' || letter > 'G' {
		return "", AccidentalNone, 0, false
	}
	return string(letter), acc, octave, true
}

func accidentalRune(r rune) Accidental {
	switch r {
	case '#', '♯':
		return AccidentalSharp
	case 'b', '♭':
		return AccidentalFlat
	case 'n', '♮':
		return AccidentalNatural
	}
	return AccidentalNone
}

func parseAccidental(s string) Accidental {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "#", "♯", "sharp", "^", "diese", "dièse":
		return AccidentalSharp
	case "b", "♭", "flat", "_", "bemol", "bémol":
		return AccidentalFlat
	case "n", "♮", "natural", "=", "becarre", "bécarre":
		return AccidentalNatural
	}
	return AccidentalNone
}

var shapeBeats = map[string]float64{
	"whole":         4,
	"half":          2,
	"quarter":       1,
	"eighth":        0.5,
	"sixteenth":     0.25,
	"thirty-second": 0.125,
	"ronde":         4,
	"blanche":       2,
	"noire":         1,
	"croche":        0.5,
	"double-croche": 0.25,
	"triple-croche": 0.125,
	"8th":           0.5,
	"16th":          0.25,
	"32nd":          0.125,
}

func parseBeats(raw RawNote) float64 {
	if raw.Duration != nil && *raw.Duration > 0 {
		return *raw.Duration
	}
	if beats, ok := ParseShape(raw.Shape); ok {
		return beats
	}
	return defaultBeats
}

// ParseShape reads a named shape ("half", "dotted-quarter", "croche"), a
// fraction of a whole note ("1/8") or a decimal beat count ("1.5").
func ParseShape(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	name := strings.NewReplacer("_", "-", " ", "-").Replace(s)
	dotted := false
	switch {
	case strings.HasPrefix(name, "dotted-"):
		dotted, name = true, strings.TrimPrefix(name, "dotted-")
	case strings.HasSuffix(name, "-pointee"), strings.HasSuffix(name, "-pointée"):
		dotted, name = true, name[:strings.LastIndex(name, "-")]
	case strings.HasSuffix(name, "."):
		dotted, name = true, strings.TrimSuffix(name, ".")
	}
	name = strings.TrimSuffix(name, "-note")
	if beats, ok := shapeBeats[name]; ok {
		if dotted {
			beats *= 1.5
		}
		return beats, true
	}

	if num, den, found := strings.Cut(s, "/"); found {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || n <= 0 || d <= 0 {
			return 0, false
		}
		return n / d * 4, true
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f, true
	}
	return 0, false
}
