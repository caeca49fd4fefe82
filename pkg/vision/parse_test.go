package vision

import (
	"testing"

	"github.com/james-see/sheetscan/pkg/notation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTranscriptionObject(t *testing.T) {
	text := "```json\n" + `{"attributes":{"title":"Ode","timeSignature":"3/4","keySignature":"D"},
"notes":[{"pitch":"F","octave":4,"accidental":"#","visualType":"half"},{"pitch":"rest","visualType":"quarter"}]}` + "\n```"

	tr, err := ParseTranscription(text)
	require.NoError(t, err)

	assert.Equal(t, notation.ScoreMetadata{Title: "Ode", KeySignature: "D", TimeSignature: "3/4"}, tr.Metadata)
	require.Len(t, tr.Notes, 2)

	notes := notation.NormalizeAll(tr.Notes)
	assert.Equal(t, notation.Note{Kind: notation.KindPitch, Letter: "F", Accidental: notation.AccidentalSharp, Octave: 4, Beats: 2}, notes[0])
	assert.Equal(t, notation.KindRest, notes[1].Kind)
	assert.Empty(t, tr.Notation)
}

func TestParseTranscriptionMeasures(t *testing.T) {
	text := `Here you go: {"timeSignature":"2/4","measures":[{"notes":["C4","D4"]},{"notes":[{"pitch":"E","duration":2}]}]} hope it helps`

	tr, err := ParseTranscription(text)
	require.NoError(t, err)

	assert.Equal(t, "2/4", tr.Metadata.TimeSignature)
	require.Len(t, tr.Notes, 3)
	assert.Equal(t, "C4", tr.Notes[0].Pitch)
	assert.Equal(t, "E", tr.Notes[2].Pitch)
}

func TestParseTranscriptionBareArray(t *testing.T) {
	tr, err := ParseTranscription(`[{"pitch":"G","octave":5}]`)
	require.NoError(t, err)
	require.Len(t, tr.Notes, 1)
	assert.Equal(t, "G", tr.Notes[0].Pitch)
	assert.Equal(t, notation.ScoreMetadata{}, tr.Metadata)
}

func TestParseTranscriptionNotation(t *testing.T) {
	text := "X:1\nT:Reel\nM:6/8\nK:Em\nE2 G B2 e |]"

	tr, err := ParseTranscription(text)
	require.NoError(t, err)
	assert.Equal(t, text, tr.Notation)
	assert.Equal(t, notation.ScoreMetadata{Title: "Reel", KeySignature: "Em", TimeSignature: "6/8"}, tr.Metadata)
	assert.Empty(t, tr.Notes)
}

func TestParseTranscriptionGarbage(t *testing.T) {
	_, err := ParseTranscription("I can't read this image, sorry.")
	assert.ErrorIs(t, err, ErrUnparseable)
}
