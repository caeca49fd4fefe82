package notation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultKey = "C"

	// barEpsilon absorbs float drift from summing fractional durations
	barEpsilon = 1e-6
)

// TimeSignature is a parsed "beats/unit" meter
type TimeSignature struct {
	Beats int
	Unit  int
}

var commonTime = TimeSignature{Beats: 4, Unit: 4}

// ParseTimeSignature reads "n/d", "C" (common time) or "C|" (cut time).
// Anything unreadable gives 4/4.
func ParseTimeSignature(s string) TimeSignature {
	s = strings.TrimSpace(s)
	switch s {
	case "C", "c":
		return commonTime
	case "C|", "c|":
		return TimeSignature{Beats: 2, Unit: 2}
	}

	num, den, found := strings.Cut(s, "/")
	if !found {
		return commonTime
	}
	n, err1 := strconv.Atoi(strings.TrimSpace(num))
	d, err2 := strconv.Atoi(strings.TrimSpace(den))
	if err1 != nil || err2 != nil || n <= 0 || d <= 0 {
		return commonTime
	}
	return TimeSignature{Beats: n, Unit: d}
}

func (t TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", t.Beats, t.Unit)
}

// Capacity is the measure length in quarter-note beats
func (t TimeSignature) Capacity() float64 {
	return float64(t.Beats) * 4 / float64(t.Unit)
}

// MeasureCapacity returns the bar length in beats for a time signature string
func MeasureCapacity(timeSignature string) float64 {
	return ParseTimeSignature(timeSignature).Capacity()
}

func barFull(sum, capacity float64) bool {
	return sum >= capacity-barEpsilon
}

// NormalizeKey tidies a key token for the K: field. Empty gives "C".
func NormalizeKey(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultKey
	}
	s = strings.NewReplacer("♭", "b", "♯", "#").Replace(s)

	lower := strings.ToLower(s)
	for _, suffix := range []string{" major", "major", " maj", "maj"} {
		if strings.HasSuffix(lower, suffix) && len(lower) > len(suffix) {
			s = strings.TrimSpace(s[:len(s)-len(suffix)])
			lower = strings.ToLower(s)
			break
		}
	}
	for _, suffix := range []string{" minor", "minor", " min", "min"} {
		if strings.HasSuffix(lower, suffix) && len(lower) > len(suffix) {
			s = strings.TrimSpace(s[:len(s)-len(suffix)]) + "m"
			break
		}
	}
	if s == "" {
		return defaultKey
	}
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + s[size:]
}

// circle of fifths position of each tonic. G#, D# and A# only name minor
// keys.
var majorFifths = map[string]int{
	"Cb": -7, "Gb": -6, "Db": -5, "Ab": -4, "Eb": -3, "Bb": -2, "F": -1,
	"C": 0, "G": 1, "D": 2, "A": 3, "E": 4, "B": 5, "F#": 6, "C#": 7,
	"G#": 8, "D#": 9, "A#": 10,
}

// KeySignature returns the number of sharps (positive) or flats (negative)
// for a key token such as "D", "Bb" or "F#m". Unknown keys give 0.
func KeySignature(key string) int {
	key = NormalizeKey(key)
	minor := false
	if strings.HasSuffix(key, "m") && len(key) > 1 {
		minor = true
		key = strings.TrimSuffix(key, "m")
	}
	fifths, ok := majorFifths[key]
	if !ok {
		return 0
	}
	if minor {
		// relative major sits three fifths above
		fifths -= 3
	}
	if fifths < -7 || fifths > 7 {
		return 0
	}
	return fifths
}

var (
	sharpOrder = "FCGDAEB"
	flatOrder  = "BEADGCF"
)

// keyAccidental returns the semitone shift the key signature applies to an
// unadorned letter
func keyAccidental(fifths int, letter string) int {
	switch {
	case fifths > 0:
		if i := strings.Index(sharpOrder, letter); i >= 0 && i < fifths {
			return 1
		}
	case fifths < 0:
		if i := strings.Index(flatOrder, letter); i >= 0 && i < -fifths {
			return -1
		}
	}
	return 0
}

// roundTo quantizes v to the nearest 1/steps
func roundTo(v float64, steps int) int {
	return int(math.Round(v * float64(steps)))
}
