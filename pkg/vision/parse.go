package vision

import (
	"regexp"
	"strings"

	"github.com/james-see/sheetscan/pkg/notation"
	"github.com/tidwall/gjson"
)

var (
	fencePattern   = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	titleFieldLine = regexp.MustCompile(`(?m)^\s*T:(.*)$`)
	meterFieldLine = regexp.MustCompile(`(?m)^\s*M:(.*)$`)
	keyFieldValue  = regexp.MustCompile(`(?m)^\s*K:(.*)$`)
)

// ParseTranscription reads the model's reply. It accepts a JSON object with
// attributes and notes, an object with measures, a bare note array, or ABC
// text.
func ParseTranscription(text string) (*Transcription, error) {
	text = strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	if doc, ok := extractJSON(text); ok {
		return fromJSON(gjson.Parse(doc)), nil
	}

	if keyFieldValue.MatchString(text) {
		return fromNotation(text), nil
	}
	return nil, ErrUnparseable
}

// extractJSON returns the outermost object or array embedded in text
func extractJSON(text string) (string, bool) {
	pairs := [][2]string{{"{", "}"}, {"[", "]"}}
	if arr := strings.Index(text, "["); arr >= 0 {
		if obj := strings.Index(text, "{"); obj < 0 || arr < obj {
			pairs[0], pairs[1] = pairs[1], pairs[0]
		}
	}
	for _, pair := range pairs {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start < 0 || end <= start {
			continue
		}
		candidate := text[start : end+1]
		if gjson.Valid(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fromJSON(doc gjson.Result) *Transcription {
	t := &Transcription{}

	if doc.IsArray() {
		t.Notes = rawNotes(doc)
		return t
	}

	attrs := doc.Get("attributes")
	if !attrs.Exists() {
		attrs = doc
	}
	t.Metadata = notation.ScoreMetadata{
		Title:         attrs.Get("title").String(),
		KeySignature:  firstNonEmpty(attrs, "keySignature", "key"),
		TimeSignature: firstNonEmpty(attrs, "timeSignature", "time", "meter"),
	}

	if notes := doc.Get("notes"); notes.IsArray() {
		t.Notes = rawNotes(notes)
	} else if measures := doc.Get("measures"); measures.IsArray() {
		measures.ForEach(func(_, m gjson.Result) bool {
			src := m.Get("notes")
			if !src.IsArray() {
				src = m
			}
			t.Notes = append(t.Notes, rawNotes(src)...)
			return true
		})
	}

	if abc := doc.Get("abc"); abc.Type == gjson.String && len(t.Notes) == 0 {
		t.Notation = abc.String()
	}
	return t
}

func rawNotes(arr gjson.Result) []notation.RawNote {
	var notes []notation.RawNote
	arr.ForEach(func(_, v gjson.Result) bool {
		notes = append(notes, notation.RawNoteFromJSON(v))
		return true
	})
	return notes
}

func firstNonEmpty(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(v.Get(k).String()); s != "" {
			return s
		}
	}
	return ""
}

func fromNotation(text string) *Transcription {
	t := &Transcription{Notation: text}
	if m := titleFieldLine.FindStringSubmatch(text); m != nil {
		t.Metadata.Title = strings.TrimSpace(m[1])
	}
	if m := meterFieldLine.FindStringSubmatch(text); m != nil {
		t.Metadata.TimeSignature = strings.TrimSpace(m[1])
	}
	if m := keyFieldValue.FindStringSubmatch(text); m != nil {
		t.Metadata.KeySignature = strings.TrimSpace(m[1])
	}
	return t
}
