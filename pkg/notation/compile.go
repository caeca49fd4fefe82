package notation

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	defaultTitle = "Scanned Score"
	restToken    = "z"
	hiddenToken  = "x"
	barToken     = "|"
	finalBar     = "|]"
)

// durationSuffixes maps beat values (L:1/4) to their ABC length suffix
var durationSuffixes = map[float64]string{
	6:     "6",
	4:     "4",
	3:     "3",
	2:     "2",
	1.5:   "3/2",
	1:     "",
	0.75:  "3/4",
	0.5:   "/2",
	0.375: "3/8",
	0.25:  "/4",
	0.125: "/8",
}

// CompileOptions tunes the emitted header
type CompileOptions struct {
	DefaultTitle string
	StaffWidth   int // emits %%staffwidth when > 0
}

// Compiler builds ABC notation text from normalized notes
type Compiler struct {
	opts CompileOptions
}

// NewCompiler creates a Compiler with the given options
func NewCompiler(opts CompileOptions) *Compiler {
	if opts.DefaultTitle == "" {
		opts.DefaultTitle = defaultTitle
	}
	return &Compiler{opts: opts}
}

// Compile builds ABC text with the default options
func Compile(meta *ScoreMetadata, notes []Note) (string, error) {
	return NewCompiler(CompileOptions{}).Compile(meta, notes)
}

// Compile emits the header block followed by one body line. A bar line is
// written right after the note that fills the measure; durations are never
// split across bars.
func (c *Compiler) Compile(meta *ScoreMetadata, notes []Note) (string, error) {
	if meta == nil {
		return "", ErrNilMetadata
	}

	title := headerValue(meta.Title)
	if title == "" {
		title = c.opts.DefaultTitle
	}
	meter := ParseTimeSignature(meta.TimeSignature)

	var b strings.Builder
	b.WriteString("X:1\n")
	fmt.Fprintf(&b, "T:%s\n", title)
	fmt.Fprintf(&b, "M:%s\n", meterField(meta.TimeSignature, meter))
	b.WriteString("L:1/4\n")
	if c.opts.StaffWidth > 0 {
		fmt.Fprintf(&b, "%%%%staffwidth %d\n", c.opts.StaffWidth)
	}
	fmt.Fprintf(&b, "K:%s\n", NormalizeKey(headerValue(meta.KeySignature)))

	capacity := meter.Capacity()
	var sum float64
	for _, n := range notes {
		b.WriteString(NoteToken(n))
		b.WriteByte(' ')

		sum += n.Beats
		if barFull(sum, capacity) {
			b.WriteString(barToken)
			b.WriteByte(' ')
			sum = 0
		}
	}
	b.WriteString(finalBar)
	return b.String(), nil
}

// headerValue folds a field onto one line so it cannot open new header
// fields or body lines
func headerValue(s string) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	return strings.TrimSpace(strings.Join(lines, " "))
}

// meterField keeps C and C| as written, otherwise prints n/d
func meterField(raw string, meter TimeSignature) string {
	switch strings.TrimSpace(raw) {
	case "C", "C|":
		return strings.TrimSpace(raw)
	}
	return meter.String()
}

// NoteToken renders a single note as an ABC token
func NoteToken(n Note) string {
	var b strings.Builder
	switch n.Kind {
	case KindRest:
		b.WriteString(restToken)
	case KindUnknown:
		b.WriteString(hiddenToken)
	default:
		b.WriteString(accidentalPrefix(n.Accidental))
		b.WriteString(registerLetter(n.Letter, n.Octave))
	}
	b.WriteString(DurationSuffix(n.Beats))
	return b.String()
}

func accidentalPrefix(a Accidental) string {
	switch a {
	case AccidentalSharp:
		return "^"
	case AccidentalFlat:
		return "_"
	case AccidentalNatural:
		return "="
	}
	return ""
}

// lowest and highest registers that map onto MIDI keys
const (
	minRegister = -1
	maxRegister = 10
)

// registerLetter encodes the octave: C4 is "C", C5 is "c", C6 is "c'",
// C3 is "C,". Octaves beyond the MIDI range are clamped.
func registerLetter(letter string, octave int) string {
	octave = max(minRegister, min(octave, maxRegister))
	switch {
	case octave >= 5:
		return strings.ToLower(letter) + strings.Repeat("'", octave-5)
	case octave == 4:
		return strings.ToUpper(letter)
	default:
		return strings.ToUpper(letter) + strings.Repeat(",", 4-octave)
	}
}

// DurationSuffix returns the ABC length suffix for a beat count, L:1/4.
// Values outside the table are rounded to the nearest sixteenth of a beat.
func DurationSuffix(beats float64) string {
	if s, ok := durationSuffixes[beats]; ok {
		return s
	}

	num := roundTo(beats, 16)
	if num < 1 {
		num = 1
	}
	den := 16
	g := gcd(num, den)
	num, den = num/g, den/g

	switch {
	case den == 1:
		return strconv.Itoa(num)
	case num == 1 && den == 2:
		return "/2"
	case num == 1:
		return "/" + strconv.Itoa(den)
	default:
		return strconv.Itoa(num) + "/" + strconv.Itoa(den)
	}
}

// ParseDurationSuffix reads an ABC length suffix back into beats
func ParseDurationSuffix(s string) (float64, bool) {
	if s == "" {
		return 1, true
	}

	num, den, found := strings.Cut(s, "/")
	if !found {
		n, err := strconv.Atoi(num)
		if err != nil || n <= 0 {
			return 0, false
		}
		return float64(n), true
	}

	n := 1
	if num != "" {
		v, err := strconv.Atoi(num)
		if err != nil || v <= 0 {
			return 0, false
		}
		n = v
	}
	d := 2
	if den != "" {
		v, err := strconv.Atoi(den)
		if err != nil || v <= 0 {
			return 0, false
		}
		d = v
	}
	return float64(n) / float64(d), true
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
