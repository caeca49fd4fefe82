package vision

// TranscriptionPrompt is the instruction sent along with every page.
const TranscriptionPrompt = `You are reading a photograph or scan of printed sheet music. Transcribe the first melodic staff.

Look at the shape of each symbol, not at what the melody "should" be:
- Hollow note head with no stem: "whole". Hollow head with stem: "half".
- Filled head with stem: "quarter". One flag or beam: "eighth". Two flags or beams: "sixteenth".
- A dot after the head makes it "dotted-<shape>".
- Rests use "pitch": "rest" with the matching shape.
- Read accidentals printed directly before a note as "#", "b" or "natural". Do not apply the key signature yourself.
- Octave uses scientific numbering: middle C is C4.

Respond ONLY with JSON in exactly this form:
{"attributes": {"title": "", "timeSignature": "4/4", "keySignature": "C"},
 "notes": [{"pitch": "C", "octave": 4, "accidental": "", "visualType": "quarter"}]}`

// PingPrompt checks connectivity and credentials.
const PingPrompt = "Reply with the single word: CONNECTION_OK"
