package notation

import (
	"regexp"
	"strconv"
	"strings"
)

// Instrument is a transposing instrument family
type Instrument struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Offset int    `json:"offset"` // semitones added to concert pitch
}

var instruments = []Instrument{
	{Key: "C", Name: "Concert pitch (piano, flute, violin)", Offset: 0},
	{Key: "Bb", Name: "Bb instruments (clarinet, trumpet, tenor sax)", Offset: 2},
	{Key: "Eb", Name: "Eb instruments (alto sax, baritone sax)", Offset: 9},
	{Key: "F", Name: "F instruments (french horn, cor anglais)", Offset: 7},
}

// Instruments returns the supported transpositions
func Instruments() []Instrument {
	out := make([]Instrument, len(instruments))
	copy(out, instruments)
	return out
}

// LookupInstrument finds an instrument by key token. Unknown keys resolve
// to concert pitch and ok is false.
func LookupInstrument(key string) (Instrument, bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.NewReplacer("♭", "b", " ", "").Replace(k)
	switch k {
	case "", "c", "concert", "ut":
		return instruments[0], k != ""
	case "bb", "sib":
		return instruments[1], true
	case "eb", "mib":
		return instruments[2], true
	case "f", "fa":
		return instruments[3], true
	}
	return instruments[0], false
}

// OffsetFor returns the semitone offset for an instrument key.
// Unknown keys give 0.
func OffsetFor(key string) int {
	inst, _ := LookupInstrument(key)
	return inst.Offset
}

// Transposition is handed to the renderer and the synth at render time
type Transposition struct {
	Instrument      Instrument `json:"instrument"`
	VisualTranspose int        `json:"visualTranspose"`
	MidiTranspose   int        `json:"midiTranspose"`
}

// TranspositionFor returns matching visual and playback offsets
func TranspositionFor(key string) Transposition {
	inst, _ := LookupInstrument(key)
	return Transposition{
		Instrument:      inst,
		VisualTranspose: inst.Offset,
		MidiTranspose:   inst.Offset,
	}
}

var letterChroma = map[string]int{"C": 0, "D": 2, "E": 4, "F": 5, "G": 7, "A": 9, "B": 11}

// sharp spelling for each chromatic index
var chromaSpelling = [12]struct {
	letter string
	acc    Accidental
}{
	{"C", AccidentalNone}, {"C", AccidentalSharp}, {"D", AccidentalNone}, {"D", AccidentalSharp},
	{"E", AccidentalNone}, {"F", AccidentalNone}, {"F", AccidentalSharp}, {"G", AccidentalNone},
	{"G", AccidentalSharp}, {"A", AccidentalNone}, {"A", AccidentalSharp}, {"B", AccidentalNone},
}

func accidentalShift(a Accidental) int {
	switch a {
	case AccidentalSharp:
		return 1
	case AccidentalFlat:
		return -1
	}
	return 0
}

// TransposeNote shifts a pitched note by semitones. The octave follows the
// shift across the B/C boundary. Output is spelled with sharps.
func TransposeNote(n Note, semitones int) Note {
	if n.Kind != KindPitch || semitones == 0 {
		return n
	}
	abs := n.Octave*12 + letterChroma[n.Letter] + accidentalShift(n.Accidental) + semitones
	octave := floorDiv(abs, 12)
	spelled := chromaSpelling[abs-octave*12]

	n.Letter = spelled.letter
	n.Accidental = spelled.acc
	n.Octave = octave
	return n
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// quoted annotations, decorations and inline fields are matched first so
// their letters are left alone
var tokenPattern = regexp.MustCompile(`"[^"]*"|![^!]*!|\[[A-Za-z]:[^\]]*\]|\||(\^\^|__|[_=^])?([A-Ga-g])([,']*)`)

var (
	headerLine = regexp.MustCompile(`^\s*(%|[A-Za-z]:)`)
	keyLine    = regexp.MustCompile(`^(\s*K:)(.*)$`)
)

// preferred spelling of the key on each chromatic tonic
var (
	majorKeys = [12]string{"C", "Db", "D", "Eb", "E", "F", "F#", "G", "Ab", "A", "Bb", "B"}
	minorKeys = [12]string{"Cm", "C#m", "Dm", "Ebm", "Em", "Fm", "F#m", "Gm", "G#m", "Am", "Bbm", "Bm"}
)

// flat spelling for each chromatic index
var chromaFlatSpelling = [12]struct {
	letter string
	acc    Accidental
}{
	{"C", AccidentalNone}, {"D", AccidentalFlat}, {"D", AccidentalNone}, {"E", AccidentalFlat},
	{"E", AccidentalNone}, {"F", AccidentalNone}, {"G", AccidentalFlat}, {"G", AccidentalNone},
	{"A", AccidentalFlat}, {"A", AccidentalNone}, {"B", AccidentalFlat}, {"B", AccidentalNone},
}

// TransposeTokens rewrites the ABC body by semitones. The K: field moves
// with the notes, unadorned letters are read through the key signature and
// accidentals carried in the bar, and the result is spelled in the new key.
// Other header and comment lines pass through.
func TransposeTokens(abc string, semitones int) string {
	if semitones == 0 {
		return abc
	}

	t := &tokenTransposer{semitones: semitones}
	t.resetBar()

	lines := strings.Split(abc, "\n")
	for i, line := range lines {
		if m := keyLine.FindStringSubmatch(line); m != nil {
			lines[i] = m[1] + t.setKey(m[2])
			continue
		}
		if headerLine.MatchString(line) {
			continue
		}
		lines[i] = tokenPattern.ReplaceAllStringFunc(line, t.token)
	}
	return strings.Join(lines, "\n")
}

type tokenTransposer struct {
	semitones int
	from, to  int // key signatures before and after, in fifths
	inBar     map[string]int
	outBar    map[string]int
}

func (t *tokenTransposer) resetBar() {
	t.inBar = map[string]int{}
	t.outBar = map[string]int{}
}

// setKey transposes a K: field value and switches both key signatures.
// Keys it cannot read are kept as written.
func (t *tokenTransposer) setKey(field string) string {
	t.resetBar()

	trimmed := strings.TrimLeft(field, " \t")
	lead := field[:len(field)-len(trimmed)]
	name, rest, found := strings.Cut(trimmed, " ")
	if found {
		rest = " " + rest
	}

	t.from = KeySignature(name)
	written, ok := transposeKey(name, t.semitones)
	if !ok {
		t.to = t.from
		return field
	}
	t.to = KeySignature(written)
	return lead + written + rest
}

func (t *tokenTransposer) token(tok string) string {
	switch {
	case tok == barToken:
		t.resetBar()
		return tok
	case strings.HasPrefix(tok, "[K:"):
		return "[K:" + t.setKey(strings.TrimSuffix(tok[3:], "]")) + "]"
	}

	m := tokenPattern.FindStringSubmatch(tok)
	if m[2] == "" {
		return tok
	}
	return t.note(m[1], m[2], m[3])
}

func (t *tokenTransposer) note(prefix, letter, marks string) string {
	src := tokenToNote(letter, marks)
	bar := barKey(src.Letter, src.Octave)

	var shift int
	switch {
	case prefix != "":
		shift = prefixShift(prefix)
		t.inBar[bar] = shift
	default:
		if s, ok := t.inBar[bar]; ok {
			shift = s
		} else {
			shift = keyAccidental(t.from, src.Letter)
		}
	}

	abs := src.Octave*12 + letterChroma[src.Letter] + shift + t.semitones
	outLetter, outShift := t.spell(floorMod(abs, 12))
	octave := floorDiv(abs-letterChroma[outLetter]-outShift, 12)

	out := barKey(outLetter, octave)
	current, ok := t.outBar[out]
	if !ok {
		current = keyAccidental(t.to, outLetter)
	}
	acc := ""
	if current != outShift {
		acc = shiftPrefix(outShift)
		t.outBar[out] = outShift
	}
	return acc + registerLetter(outLetter, octave)
}

// spell picks the letter for a chromatic index in the target key. Scale
// tones take the key signature; the rest use sharps in sharp keys and flats
// in flat keys.
func (t *tokenTransposer) spell(chroma int) (string, int) {
	for _, l := range "CDEFGAB" {
		letter := string(l)
		shift := keyAccidental(t.to, letter)
		if floorMod(letterChroma[letter]+shift, 12) == chroma {
			return letter, shift
		}
	}
	if t.to < 0 {
		s := chromaFlatSpelling[chroma]
		return s.letter, accidentalShift(s.acc)
	}
	s := chromaSpelling[chroma]
	return s.letter, accidentalShift(s.acc)
}

// transposeKey moves a key token such as "G" or "F#m" by semitones
func transposeKey(name string, semitones int) (string, bool) {
	key := NormalizeKey(name)
	minor := len(key) > 1 && strings.HasSuffix(key, "m")
	tonic := strings.TrimSuffix(key, "m")
	if _, ok := majorFifths[tonic]; !ok {
		return "", false
	}

	chroma := letterChroma[tonic[:1]]
	switch tonic[1:] {
	case "#":
		chroma++
	case "b":
		chroma--
	}
	chroma = floorMod(chroma+semitones, 12)
	if minor {
		return minorKeys[chroma], true
	}
	return majorKeys[chroma], true
}

func barKey(letter string, octave int) string {
	return letter + strconv.Itoa(octave)
}

func prefixShift(prefix string) int {
	switch prefix {
	case "^^":
		return 2
	case "^":
		return 1
	case "_":
		return -1
	case "__":
		return -2
	}
	return 0
}

func shiftPrefix(shift int) string {
	switch shift {
	case 1:
		return "^"
	case -1:
		return "_"
	}
	return "="
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}

func tokenToNote(letter, marks string) Note {
	octave := 4
	if letter == strings.ToLower(letter) {
		octave = 5
	}
	octave += strings.Count(marks, "'") - strings.Count(marks, ",")

	return Note{
		Kind:   KindPitch,
		Letter: strings.ToUpper(letter),
		Octave: octave,
		Beats:  1,
	}
}
