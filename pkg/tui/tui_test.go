package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/james-see/sheetscan/pkg/notation"
	"github.com/james-see/sheetscan/pkg/vision"
)

func reviewedModel(t *testing.T) Model {
	t.Helper()
	m := New(Options{File: filepath.Join(t.TempDir(), "etude.png")})
	if m.state != StateAnalyzing {
		t.Fatalf("state = %v, want StateAnalyzing", m.state)
	}

	next, _ := m.Update(analysisDoneMsg{transcription: &vision.Transcription{
		Metadata: notation.ScoreMetadata{Title: "Etude", KeySignature: "C", TimeSignature: "4/4"},
		Notes: []notation.RawNote{
			{Pitch: "C4", Shape: "quarter"},
			{Pitch: "D4", Shape: "quarter"},
			{Pitch: "E4", Shape: "half"},
		},
	}})
	return next.(Model)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "ctrl+u":
		return tea.KeyMsg{Type: tea.KeyCtrlU}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(m Model, keys ...string) Model {
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(Model)
	}
	return m
}

func TestAnalysisPrefillsReview(t *testing.T) {
	m := reviewedModel(t)

	if m.state != StateReview {
		t.Fatalf("state = %v, want StateReview", m.state)
	}
	if got := m.inputs[fieldTitle].Value(); got != "Etude" {
		t.Errorf("title input = %q, want %q", got, "Etude")
	}
	if len(m.notes) != 3 {
		t.Errorf("notes = %d, want 3", len(m.notes))
	}
}

func TestAnalysisError(t *testing.T) {
	m := New(Options{File: "page.png"})
	next, _ := m.Update(analysisDoneMsg{err: vision.ErrMissingAPIKey})
	got := next.(Model)

	if got.state != StateResult || got.err == nil {
		t.Fatalf("state = %v err = %v, want StateResult with error", got.state, got.err)
	}
	if !strings.Contains(got.View(), "API key") {
		t.Errorf("View() does not show the error")
	}
}

func TestEditsWinOverModel(t *testing.T) {
	m := reviewedModel(t)
	// move to the key field, clear it, type F
	m = press(m, "tab", "ctrl+u", "F")

	meta := m.Metadata()
	if meta.KeySignature != "F" {
		t.Errorf("KeySignature = %q, want %q", meta.KeySignature, "F")
	}
	if meta.Title != "Etude" {
		t.Errorf("Title = %q, want %q", meta.Title, "Etude")
	}
}

func TestRenderWithInstrument(t *testing.T) {
	m := reviewedModel(t)
	// focus the instrument row, pick Bb, render
	m = press(m, "tab", "tab", "tab", "right", "enter")

	if m.state != StateResult {
		t.Fatalf("state = %v, want StateResult", m.state)
	}
	if m.err != nil {
		t.Fatalf("render error: %v", m.err)
	}
	if got := m.selectedInstrument().Key; got != "Bb" {
		t.Errorf("instrument = %q, want Bb", got)
	}
	if !strings.HasSuffix(m.abc, "K:D\nD E F2 | |]") {
		t.Errorf("abc = %q, want Bb written pitch in D", m.abc)
	}
}

func TestSaveOutputs(t *testing.T) {
	m := reviewedModel(t)
	m = press(m, "tab", "tab", "tab", "enter")

	for _, tt := range []struct {
		key    string
		ext    string
		prefix string
	}{
		{"a", ".abc", "X:1\n"},
		{"m", ".mid", "MThd"},
	} {
		_, cmd := m.Update(key(tt.key))
		if cmd == nil {
			t.Fatalf("%s: no save command", tt.key)
		}
		msg, ok := cmd().(savedMsg)
		if !ok || msg.err != nil {
			t.Fatalf("%s: save failed: %+v", tt.key, msg)
		}
		if filepath.Ext(msg.path) != tt.ext {
			t.Errorf("saved %s, want extension %s", msg.path, tt.ext)
		}
		data, err := os.ReadFile(msg.path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(string(data), tt.prefix) {
			t.Errorf("%s starts with %q, want %q", msg.path, data[:4], tt.prefix)
		}
	}
}

func TestOutputPath(t *testing.T) {
	m := reviewedModel(t)
	dir := filepath.Dir(m.selectedFile)

	if got, want := m.outputPath(".abc"), filepath.Join(dir, "etude.abc"); got != want {
		t.Errorf("outputPath = %q, want %q", got, want)
	}
	m.instrument = 2
	if got, want := m.outputPath(".mid"), filepath.Join(dir, "etude-eb.mid"); got != want {
		t.Errorf("outputPath = %q, want %q", got, want)
	}
}

func TestInitialInstrument(t *testing.T) {
	m := New(Options{Instrument: "F"})
	if got := m.selectedInstrument().Key; got != "F" {
		t.Errorf("instrument = %q, want F", got)
	}
}
