// Package tui provides the terminal review step for sheetscan: pick a score,
// let the model read it, correct what it got wrong, then save ABC or MIDI.
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/james-see/sheetscan/pkg/imageprep"
	"github.com/james-see/sheetscan/pkg/notation"
	"github.com/james-see/sheetscan/pkg/vision"
)

// Ink-on-paper color scheme
var (
	inkBlue   = lipgloss.Color("#3B82F6")
	amber     = lipgloss.Color("#F59E0B")
	paperGray = lipgloss.Color("#D1D5DB")
	darkGray  = lipgloss.Color("#1F2937")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(inkBlue).
			Background(darkGray).
			Padding(0, 2).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(paperGray).
			Width(12)

	focusedStyle = lipgloss.NewStyle().
			Foreground(inkBlue).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(amber).
			PaddingTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(inkBlue).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			MarginTop(1)

	abcStyle = lipgloss.NewStyle().
			Foreground(paperGray).
			Border(lipgloss.NormalBorder()).
			BorderForeground(darkGray).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(inkBlue).
			Padding(1, 2)
)

// State represents the current TUI state
type State int

const (
	StateFilePicker State = iota
	StateAnalyzing
	StateReview
	StateResult
)

// review form rows
const (
	fieldTitle = iota
	fieldKey
	fieldTime
	fieldInstrument
	fieldCount
)

const analyzeTimeout = 2 * time.Minute

// Options wires the TUI to the notation pipeline
type Options struct {
	Provider   vision.Provider
	Preparer   *imageprep.Preparer
	Compiler   *notation.Compiler
	MIDI       *notation.MIDIExporter
	StartDir   string
	File       string // analyze this file right away instead of showing the picker
	Instrument string
}

// Model represents the TUI model
type Model struct {
	state      State
	opts       Options
	filePicker filepicker.Model
	spinner    spinner.Model
	inputs     []textinput.Model
	focus      int
	instrument int

	selectedFile string
	model        notation.ScoreMetadata // what the vision model read
	notes        []notation.Note
	freeform     string
	abc          string
	status       string
	err          error
	width        int
	height       int
}

// analysisDoneMsg carries the transcription back from the worker
type analysisDoneMsg struct {
	transcription *vision.Transcription
	err           error
}

// savedMsg reports a written output file
type savedMsg struct {
	path string
	err  error
}

// New creates a new TUI model
func New(opts Options) Model {
	if opts.Preparer == nil {
		opts.Preparer = imageprep.New()
	}
	if opts.Compiler == nil {
		opts.Compiler = notation.NewCompiler(notation.CompileOptions{})
	}
	if opts.MIDI == nil {
		opts.MIDI = notation.NewMIDIExporter()
	}

	fp := filepicker.New()
	fp.AllowedTypes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".pdf"}
	fp.CurrentDirectory = opts.StartDir
	if fp.CurrentDirectory == "" {
		fp.CurrentDirectory, _ = os.Getwd()
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(inkBlue)

	inputs := make([]textinput.Model, fieldInstrument)
	for i, placeholder := range []string{"Scanned Score", "C", "4/4"} {
		ti := textinput.New()
		ti.Placeholder = placeholder
		ti.CharLimit = 64
		inputs[i] = ti
	}

	m := Model{
		state:      StateFilePicker,
		opts:       opts,
		filePicker: fp,
		spinner:    s,
		inputs:     inputs,
	}
	for i, inst := range notation.Instruments() {
		if want, ok := notation.LookupInstrument(opts.Instrument); ok && want.Key == inst.Key {
			m.instrument = i
		}
	}
	if opts.File != "" {
		m.selectedFile = opts.File
		m.state = StateAnalyzing
	}
	return m
}

// Init initializes the TUI model
func (m Model) Init() tea.Cmd {
	if m.state == StateAnalyzing {
		return tea.Batch(m.spinner.Tick, m.analyze())
	}
	return tea.Batch(m.spinner.Tick, m.filePicker.Init())
}

// Update handles TUI updates
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	// The file picker needs to see every message, including its own reads
	if m.state == StateFilePicker {
		if keyMsg, ok := msg.(tea.KeyMsg); ok {
			switch keyMsg.String() {
			case "q", "ctrl+c", "esc":
				return m, tea.Quit
			}
		}

		var cmd tea.Cmd
		m.filePicker, cmd = m.filePicker.Update(msg)

		if didSelect, path := m.filePicker.DidSelectFile(msg); didSelect {
			m.selectedFile = path
			m.state = StateAnalyzing
			return m, tea.Batch(m.spinner.Tick, m.analyze())
		}
		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.filePicker.SetHeight(msg.Height - 10)
		return m, nil

	case tea.KeyMsg:
		switch m.state {
		case StateReview:
			return m.updateReview(msg)
		case StateResult:
			return m.updateResult(msg)
		case StateAnalyzing:
			if msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case analysisDoneMsg:
		return m.applyAnalysis(msg), nil

	case savedMsg:
		if msg.err != nil {
			m.status = ""
			m.err = msg.err
		} else {
			m.err = nil
			m.status = "saved " + msg.path
		}
		return m, nil
	}

	return m, nil
}

func (m Model) applyAnalysis(msg analysisDoneMsg) Model {
	if msg.err != nil {
		m.state = StateResult
		m.err = msg.err
		return m
	}
	t := msg.transcription
	m.err = nil
	m.model = t.Metadata
	m.notes = notation.NormalizeAll(t.Notes)
	m.freeform = t.Notation

	// Prefill with what the model read; the user edits from there
	values := []string{t.Metadata.Title, t.Metadata.KeySignature, t.Metadata.TimeSignature}
	for i := range m.inputs {
		m.inputs[i].SetValue(values[i])
	}
	m.state = StateReview
	return m.setFocus(fieldTitle)
}

func (m Model) setFocus(field int) Model {
	m.focus = field
	for i := range m.inputs {
		if i == field {
			m.inputs[i].Focus()
		} else {
			m.inputs[i].Blur()
		}
	}
	return m
}

func (m Model) updateReview(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		return m.reset(), m.filePicker.Init()
	case "tab", "down":
		return m.setFocus((m.focus + 1) % fieldCount), nil
	case "shift+tab", "up":
		return m.setFocus((m.focus + fieldCount - 1) % fieldCount), nil
	case "enter":
		if m.focus < fieldInstrument {
			return m.setFocus(m.focus + 1), nil
		}
		return m.render(), nil
	}

	if m.focus == fieldInstrument {
		count := len(notation.Instruments())
		switch msg.String() {
		case "left", "h":
			m.instrument = (m.instrument + count - 1) % count
		case "right", "l", " ":
			m.instrument = (m.instrument + 1) % count
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

// Metadata is the model's reading with the user's edits applied
func (m Model) Metadata() notation.ScoreMetadata {
	return notation.MergeMetadata(m.model, notation.ScoreMetadata{
		Title:         strings.TrimSpace(m.inputs[fieldTitle].Value()),
		KeySignature:  strings.TrimSpace(m.inputs[fieldKey].Value()),
		TimeSignature: strings.TrimSpace(m.inputs[fieldTime].Value()),
	})
}

func (m Model) selectedInstrument() notation.Instrument {
	return notation.Instruments()[m.instrument]
}

func (m Model) render() Model {
	m.state = StateResult
	m.status = ""
	meta := m.Metadata()

	abc := m.freeform
	if len(m.notes) > 0 || abc == "" {
		var err error
		abc, err = m.opts.Compiler.Compile(&meta, m.notes)
		if err != nil {
			m.err = err
			return m
		}
	}
	m.abc = notation.TransposeTokens(abc, m.selectedInstrument().Offset)
	m.err = nil
	return m
}

func (m Model) updateResult(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "a":
		if m.abc != "" {
			return m, m.save(".abc")
		}
	case "m":
		if len(m.notes) > 0 {
			return m, m.save(".mid")
		}
	case "e":
		if m.notes != nil || m.freeform != "" {
			m.state = StateReview
			m.status = ""
			return m.setFocus(fieldTitle), nil
		}
	case "enter", "esc":
		return m.reset(), m.filePicker.Init()
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) reset() Model {
	m.state = StateFilePicker
	m.err = nil
	m.status = ""
	m.selectedFile = ""
	m.model = notation.ScoreMetadata{}
	m.notes = nil
	m.freeform = ""
	m.abc = ""
	return m
}

func (m Model) analyze() tea.Cmd {
	path := m.selectedFile
	provider := m.opts.Provider
	preparer := m.opts.Preparer
	return func() tea.Msg {
		if provider == nil {
			return analysisDoneMsg{err: vision.ErrMissingAPIKey}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return analysisDoneMsg{err: err}
		}
		img, err := preparer.Prepare(data)
		if err != nil {
			return analysisDoneMsg{err: err}
		}

		ctx, cancel := context.WithTimeout(context.Background(), analyzeTimeout)
		defer cancel()
		t, err := provider.Transcribe(ctx, img)
		return analysisDoneMsg{transcription: t, err: err}
	}
}

// outputPath places the result next to the source file
func (m Model) outputPath(ext string) string {
	base := strings.TrimSuffix(m.selectedFile, filepath.Ext(m.selectedFile))
	if inst := m.selectedInstrument(); inst.Offset != 0 {
		base += "-" + strings.ToLower(inst.Key)
	}
	return base + ext
}

func (m Model) save(ext string) tea.Cmd {
	path := m.outputPath(ext)
	abc := m.abc
	score := notation.Score{Metadata: m.Metadata(), Notes: m.notes}
	offset := m.selectedInstrument().Offset
	exporter := m.opts.MIDI
	return func() tea.Msg {
		var data []byte
		switch ext {
		case ".mid":
			out, err := exporter.Export(score, offset)
			if err != nil {
				return savedMsg{err: err}
			}
			data = out
		default:
			data = []byte(abc + "\n")
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return savedMsg{err: err}
		}
		return savedMsg{path: path}
	}
}

// View renders the TUI
func (m Model) View() string {
	var s strings.Builder

	s.WriteString(asciiLogo())
	s.WriteString("\n")

	switch m.state {
	case StateFilePicker:
		s.WriteString(m.viewFilePicker())
	case StateAnalyzing:
		s.WriteString(m.viewAnalyzing())
	case StateReview:
		s.WriteString(m.viewReview())
	case StateResult:
		s.WriteString(m.viewResult())
	}

	return s.String()
}

func (m Model) viewFilePicker() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" SELECT A SCORE (image or PDF) "))
	s.WriteString("\n\n")
	s.WriteString(m.filePicker.View())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("↑/↓: navigate • enter: open • q: quit"))

	return s.String()
}

func (m Model) viewAnalyzing() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" READING SCORE "))
	s.WriteString("\n\n")
	s.WriteString(fmt.Sprintf("%s Transcribing %s...\n", m.spinner.View(), filepath.Base(m.selectedFile)))
	s.WriteString(statusStyle.Render("  this can take a little while"))

	return boxStyle.Render(s.String())
}

func (m Model) viewReview() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" REVIEW "))
	s.WriteString("\n\n")
	s.WriteString(fmt.Sprintf("%d notes read from %s\n\n", len(m.notes), filepath.Base(m.selectedFile)))

	labels := []string{"Title", "Key", "Time"}
	for i, ti := range m.inputs {
		label := labelStyle.Render(labels[i])
		if i == m.focus {
			label = focusedStyle.Width(12).Render(labels[i])
		}
		s.WriteString(label + ti.View() + "\n")
	}

	inst := m.selectedInstrument()
	label := labelStyle.Render("Instrument")
	value := fmt.Sprintf("‹ %s ›", inst.Key)
	if m.focus == fieldInstrument {
		label = focusedStyle.Width(12).Render("Instrument")
		value = focusedStyle.Render(value)
	}
	s.WriteString(label + value + "  " + helpStyle.UnsetMarginTop().Render(inst.Name) + "\n")

	s.WriteString(helpStyle.Render("tab: next field • ←/→: instrument • enter: render • esc: another file"))

	return boxStyle.Render(s.String())
}

func (m Model) viewResult() string {
	var s strings.Builder

	if m.err != nil {
		s.WriteString(titleStyle.Render(" ERROR "))
		s.WriteString("\n\n")
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ %s", m.err.Error())))
		s.WriteString("\n\n")
		s.WriteString(helpStyle.Render("enter: another file • q: quit"))
		return boxStyle.Render(s.String())
	}

	s.WriteString(titleStyle.Render(fmt.Sprintf(" ABC • %s ", m.selectedInstrument().Key)))
	s.WriteString("\n\n")
	s.WriteString(abcStyle.Render(m.abc))
	if m.status != "" {
		s.WriteString("\n")
		s.WriteString(successStyle.Render("✓ " + m.status))
	}
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("a: save .abc • m: save .mid • e: edit • enter: another file • q: quit"))

	return boxStyle.Render(s.String())
}

func asciiLogo() string {
	logo := `
      _               _
  ___| |__   ___  ___| |_ ___  ___ __ _ _ __
 / __| '_ \ / _ \/ _ \ __/ __|/ __/ _' | '_ \
 \__ \ | | |  __/  __/ |_\__ \ (_| (_| | | | |
 |___/_| |_|\___|\___|\__|___/\___\__,_|_| |_|
`
	return lipgloss.NewStyle().Foreground(inkBlue).Render(logo)
}

// Run starts the TUI application
func Run(opts Options) error {
	p := tea.NewProgram(New(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
