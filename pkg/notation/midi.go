package notation

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// MIDIExporter renders a score as a standard MIDI file for playback
type MIDIExporter struct {
	ticksPerQuarter uint16
	tempo           float64
	velocity        uint8
}

// NewMIDIExporter creates an exporter at 480 ticks per quarter, 120 BPM
func NewMIDIExporter() *MIDIExporter {
	return &MIDIExporter{
		ticksPerQuarter: 480,
		tempo:           120.0,
		velocity:        90,
	}
}

// SetTempo sets the playback tempo in quarter notes per minute
func (m *MIDIExporter) SetTempo(bpm float64) {
	if bpm > 0 {
		m.tempo = bpm
	}
}

// PitchOf returns the MIDI key a note sounds, honouring the key signature
// and accidentals carried earlier in the bar. ok is false for rests.
func PitchOf(n Note, fifths int, carried map[string]int) (int, bool) {
	if n.Kind != KindPitch {
		return 0, false
	}
	chroma, ok := letterChroma[n.Letter]
	if !ok {
		return 0, false
	}

	key := fmt.Sprintf("%s%d", n.Letter, n.Octave)
	var shift int
	switch n.Accidental {
	case AccidentalNone:
		if s, ok := carried[key]; ok {
			shift = s
		} else {
			shift = keyAccidental(fifths, n.Letter)
		}
	default:
		shift = accidentalShift(n.Accidental)
		if carried != nil {
			carried[key] = shift
		}
	}
	return (n.Octave+1)*12 + chroma + shift, true
}

// timeSignatureMeta encodes the meter as an FF 58 event. The denominator is
// stored as a power of two, so meters SMF cannot express are written as 4/4.
func timeSignatureMeta(meter TimeSignature) smf.Message {
	if meter.Beats < 1 || meter.Beats > math.MaxUint8 || meter.Unit < 1 || bits.OnesCount(uint(meter.Unit)) != 1 {
		meter = commonTime
	}
	return smf.Message([]byte{
		0xFF, 0x58, 0x04,
		byte(meter.Beats),
		byte(bits.Len(uint(meter.Unit)) - 1),
		0x18, 0x08,
	})
}

// Export writes a single-track SMF. Every pitched note is shifted by
// semitones, the playback transpose.
func (m *MIDIExporter) Export(score Score, semitones int) ([]byte, error) {
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(m.ticksPerQuarter)

	var track smf.Track

	if score.Metadata.Title != "" {
		track.Add(0, smf.MetaTrackSequenceName(score.Metadata.Title))
	}

	microsecondsPerBeat := uint32(60000000.0 / m.tempo)
	track.Add(0, smf.Message([]byte{
		0xFF, 0x51, 0x03,
		byte(microsecondsPerBeat >> 16),
		byte(microsecondsPerBeat >> 8),
		byte(microsecondsPerBeat),
	}))

	meter := ParseTimeSignature(score.Metadata.TimeSignature)
	track.Add(0, timeSignatureMeta(meter))

	fifths := KeySignature(score.Metadata.KeySignature)
	capacity := meter.Capacity()
	carried := map[string]int{}
	channel := uint8(0)

	var (
		pending uint32 // ticks of silence before the next event
		sum     float64
	)
	for _, n := range score.Notes {
		length := uint32(math.Round(n.Beats * float64(m.ticksPerQuarter)))

		if key, ok := PitchOf(n, fifths, carried); ok {
			key += semitones
			if key < 0 || key > 127 {
				pending += length
			} else {
				track.Add(pending, midi.NoteOn(channel, uint8(key), m.velocity))
				track.Add(length, midi.NoteOff(channel, uint8(key)))
				pending = 0
			}
		} else {
			pending += length
		}

		sum += n.Beats
		if barFull(sum, capacity) {
			sum = 0
			carried = map[string]int{}
		}
	}

	track.Close(pending)

	if err := s.Add(track); err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write MIDI: %w", err)
	}
	return buf.Bytes(), nil
}
