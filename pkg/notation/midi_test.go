package notation

import (
	"bytes"
	"testing"

	"gitlab.com/gomidi/midi/v2/smf"
)

type noteOn struct {
	tick int64
	key  uint8
}

func readNoteOns(t *testing.T, data []byte) []noteOn {
	t.Helper()

	s, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to parse generated MIDI: %v", err)
	}

	var ons []noteOn
	for _, track := range s.Tracks {
		var tick int64
		for _, ev := range track {
			tick += int64(ev.Delta)
			msg := ev.Message
			if len(msg) >= 3 && msg[0] >= 0x90 && msg[0] <= 0x9F && msg[2] > 0 {
				ons = append(ons, noteOn{tick: tick, key: msg[1]})
			}
		}
	}
	return ons
}

func TestExportPitches(t *testing.T) {
	score := Score{
		Metadata: ScoreMetadata{KeySignature: "C", TimeSignature: "4/4"},
		Notes:    []Note{pitch("C", 4, 1), pitch("E", 4, 1), pitch("G", 4, 1), pitch("C", 5, 1)},
	}

	data, err := NewMIDIExporter().Export(score, 0)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	ons := readNoteOns(t, data)
	want := []noteOn{{0, 60}, {480, 64}, {960, 67}, {1440, 72}}
	if len(ons) != len(want) {
		t.Fatalf("note ons = %d, want %d", len(ons), len(want))
	}
	for i := range want {
		if ons[i] != want[i] {
			t.Errorf("note %d = %+v, want %+v", i, ons[i], want[i])
		}
	}
}

func TestExportTransposeAndRests(t *testing.T) {
	score := Score{
		Metadata: ScoreMetadata{TimeSignature: "4/4"},
		Notes:    []Note{pitch("C", 4, 1), {Kind: KindRest, Beats: 2}, {Kind: KindUnknown, Beats: 0.5}, pitch("D", 4, 1)},
	}

	data, err := NewMIDIExporter().Export(score, OffsetFor("Bb"))
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	ons := readNoteOns(t, data)
	want := []noteOn{{0, 62}, {480 + 960 + 240, 64}}
	if len(ons) != len(want) {
		t.Fatalf("note ons = %d, want %d", len(ons), len(want))
	}
	for i := range want {
		if ons[i] != want[i] {
			t.Errorf("note %d = %+v, want %+v", i, ons[i], want[i])
		}
	}
}

func TestPitchOfKeySignatureAndCarry(t *testing.T) {
	fifths := KeySignature("D") // F# and C#
	carried := map[string]int{}

	tests := []struct {
		name string
		note Note
		want int
	}{
		{"key sharp on F", pitch("F", 4, 1), 66},
		{"key sharp on C", pitch("C", 5, 1), 73},
		{"untouched G", pitch("G", 4, 1), 67},
		{"explicit natural", Note{Kind: KindPitch, Letter: "F", Accidental: AccidentalNatural, Octave: 4, Beats: 1}, 65},
		{"natural carries in bar", pitch("F", 4, 1), 65},
		{"carry is per octave", pitch("F", 5, 1), 78},
	}

	for _, tt := range tests {
		got, ok := PitchOf(tt.note, fifths, carried)
		if !ok || got != tt.want {
			t.Errorf("%s: PitchOf() = %d, %v, want %d", tt.name, got, ok, tt.want)
		}
	}

	if _, ok := PitchOf(Note{Kind: KindRest, Beats: 1}, 0, nil); ok {
		t.Error("PitchOf(rest) should not be pitched")
	}
}

func TestExportCarryResetsAtBar(t *testing.T) {
	score := Score{
		Metadata: ScoreMetadata{KeySignature: "C", TimeSignature: "2/4"},
		Notes: []Note{
			{Kind: KindPitch, Letter: "F", Accidental: AccidentalSharp, Octave: 4, Beats: 1},
			pitch("F", 4, 1),
			pitch("F", 4, 1),
		},
	}

	data, err := NewMIDIExporter().Export(score, 0)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	ons := readNoteOns(t, data)
	if len(ons) != 3 {
		t.Fatalf("note ons = %d, want 3", len(ons))
	}
	if ons[0].key != 66 || ons[1].key != 66 || ons[2].key != 65 {
		t.Errorf("keys = %d %d %d, want 66 66 65", ons[0].key, ons[1].key, ons[2].key)
	}
}

func TestTimeSignatureMeta(t *testing.T) {
	tests := []struct {
		sig        string
		beats, pow byte
	}{
		{"4/4", 4, 2},
		{"3/4", 3, 2},
		{"6/8", 6, 3},
		{"2/2", 2, 1},
		{"C|", 2, 1},
		{"5/6", 4, 2},
		{"300/4", 4, 2},
		{"7/3", 4, 2},
	}

	for _, tt := range tests {
		t.Run(tt.sig, func(t *testing.T) {
			msg := timeSignatureMeta(ParseTimeSignature(tt.sig))
			if len(msg) != 7 || msg[0] != 0xFF || msg[1] != 0x58 {
				t.Fatalf("timeSignatureMeta(%q) = % x, want an FF 58 event", tt.sig, []byte(msg))
			}
			if msg[3] != tt.beats || msg[4] != tt.pow {
				t.Errorf("timeSignatureMeta(%q) = %d/2^%d, want %d/2^%d", tt.sig, msg[3], msg[4], tt.beats, tt.pow)
			}
		})
	}
}

func TestExportOddMeterStillBars(t *testing.T) {
	score := Score{
		Metadata: ScoreMetadata{TimeSignature: "5/6"},
		Notes:    []Note{pitch("C", 4, 1), pitch("D", 4, 1)},
	}

	data, err := NewMIDIExporter().Export(score, 0)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if ons := readNoteOns(t, data); len(ons) != 2 {
		t.Errorf("note ons = %d, want 2", len(ons))
	}
}
