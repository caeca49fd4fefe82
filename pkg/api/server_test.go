package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/james-see/sheetscan/pkg/config"
	"github.com/james-see/sheetscan/pkg/imageprep"
	"github.com/james-see/sheetscan/pkg/logger"
	"github.com/james-see/sheetscan/pkg/notation"
	"github.com/james-see/sheetscan/pkg/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	result *vision.Transcription
	err    error
	calls  int
	got    vision.Image
}

func (f *fakeProvider) Transcribe(_ context.Context, img vision.Image) (*vision.Transcription, error) {
	f.calls++
	f.got = img
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func quarterScale() *vision.Transcription {
	var notes []notation.RawNote
	for _, p := range []string{"C4", "D4", "E4", "F4"} {
		notes = append(notes, notation.RawNote{Pitch: p, Shape: "quarter"})
	}
	return &vision.Transcription{
		Metadata: notation.ScoreMetadata{KeySignature: "C", TimeSignature: "4/4"},
		Notes:    notes,
		Model:    "fake-model",
	}
}

func newTestServer(t *testing.T, p vision.Provider, rateLimit string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := NewServer(Options{Provider: p, RateLimit: rateLimit})
	require.NoError(t, err)
	return s.Router()
}

func newServerWith(t *testing.T, opts Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := NewServer(opts)
	require.NoError(t, err)
	return s.Router()
}

// pngHeaderClaiming rewrites the IHDR of a tiny PNG to declare w x h
func pngHeaderClaiming(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := pngPayload(t)
	binary.BigEndian.PutUint32(data[16:], w)
	binary.BigEndian.PutUint32(data[20:], h)
	binary.BigEndian.PutUint32(data[29:], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func pngPayload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16))))
	return buf.Bytes()
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func analyze(t *testing.T, r http.Handler, data []byte) AnalyzeResponse {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/v1/analyze", gin.H{
		"image": base64.StdEncoding.EncodeToString(data),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	r := newTestServer(t, &fakeProvider{}, "")
	for _, path := range []string{"/health", "/api/v1/health"} {
		w := doJSON(t, r, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "healthy")
	}
}

func TestListInstruments(t *testing.T) {
	w := doJSON(t, newTestServer(t, &fakeProvider{}, ""), http.MethodGet, "/api/v1/instruments", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Instruments []notation.Instrument `json:"instruments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Instruments, 4)
	assert.Equal(t, "Bb", body.Instruments[1].Key)
	assert.Equal(t, 2, body.Instruments[1].Offset)
}

func TestAnalyzeJSON(t *testing.T) {
	fake := &fakeProvider{result: quarterScale()}
	r := newTestServer(t, fake, "")

	resp := analyze(t, r, pngPayload(t))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "fake-model", resp.Model)
	require.Len(t, resp.Notes, 4)
	assert.Equal(t, "C", resp.Notes[0].Letter)
	assert.Equal(t, 1.0, resp.Notes[0].Beats)
	assert.Equal(t, "image/jpeg", fake.got.MIMEType)

	w := doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+resp.SessionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAnalyzeMultipartReplacesSession(t *testing.T) {
	fake := &fakeProvider{result: quarterScale()}
	r := newTestServer(t, fake, "")
	first := analyze(t, r, pngPayload(t))

	fake.result = &vision.Transcription{
		Metadata: notation.ScoreMetadata{Title: "Second page"},
		Notes:    []notation.RawNote{{Pitch: "A", Shape: "whole"}},
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "page2.png")
	require.NoError(t, err)
	_, err = part.Write(pngPayload(t))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("session", first.SessionID))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, first.SessionID, resp.SessionID)
	assert.Equal(t, "Second page", resp.Metadata.Title)
	require.Len(t, resp.Notes, 1)
	assert.Equal(t, 4.0, resp.Notes[0].Beats)
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		data   []byte
		status int
	}{
		{"unsupported upload", nil, []byte("hello, this is text"), http.StatusUnsupportedMediaType},
		{"missing key", vision.ErrMissingAPIKey, nil, http.StatusServiceUnavailable},
		{"provider error", &vision.APIError{Status: 500, Message: "boom"}, nil, http.StatusBadGateway},
		{"unreadable reply", vision.ErrUnparseable, nil, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestServer(t, &fakeProvider{err: tt.err, result: quarterScale()}, "")
			data := tt.data
			if data == nil {
				data = pngPayload(t)
			}
			w := doJSON(t, r, http.MethodPost, "/api/v1/analyze", gin.H{
				"image": base64.StdEncoding.EncodeToString(data),
			})
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestAnalyzeBadRequests(t *testing.T) {
	r := newTestServer(t, &fakeProvider{result: quarterScale()}, "")

	w := doJSON(t, r, http.MethodPost, "/api/v1/analyze", gin.H{"mimeType": "image/png"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/analyze", gin.H{"image": "***not base64***"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/analyze", gin.H{
		"image":   base64.StdEncoding.EncodeToString(pngPayload(t)),
		"session": "does-not-exist",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalyzeDataURL(t *testing.T) {
	fake := &fakeProvider{result: quarterScale()}
	r := newTestServer(t, fake, "")
	w := doJSON(t, r, http.MethodPost, "/api/v1/analyze", gin.H{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngPayload(t)),
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, fake.calls)
}

func TestAnalyzeBodyLimit(t *testing.T) {
	fake := &fakeProvider{result: quarterScale()}
	r := newServerWith(t, Options{Provider: fake, Preparer: &imageprep.Preparer{MaxBytes: 1024}})

	payload := bytes.Repeat([]byte{0x89}, 128<<10)
	raw, err := json.Marshal(gin.H{"image": base64.StdEncoding.EncodeToString(payload)})
	require.NoError(t, err)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreateFormFile("file", "huge.png")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	tests := []struct {
		name          string
		body          []byte
		contentType   string
		contentLength int64
	}{
		{"json with length", raw, "application/json", int64(len(raw))},
		{"json streamed", raw, "application/json", -1},
		{"multipart", form.Bytes(), mw.FormDataContentType(), int64(form.Len())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			req.ContentLength = tt.contentLength
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, fake.calls)
}

func TestAnalyzeRejectsHugeDimensions(t *testing.T) {
	fake := &fakeProvider{result: quarterScale()}
	r := newTestServer(t, fake, "")

	w := doJSON(t, r, http.MethodPost, "/api/v1/analyze", gin.H{
		"image": base64.StdEncoding.EncodeToString(pngHeaderClaiming(t, 60000, 60000)),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "pixel limit")
	assert.Zero(t, fake.calls)
}

func TestReviewAndRender(t *testing.T) {
	r := newTestServer(t, &fakeProvider{result: quarterScale()}, "")
	sess := analyze(t, r, pngPayload(t))

	w := doJSON(t, r, http.MethodPut, "/api/v1/sessions/"+sess.SessionID+"/metadata",
		notation.ScoreMetadata{Title: "Etude", KeySignature: "F"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/render", RenderRequest{Instrument: "Bb"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp RenderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "X:1\nT:Etude\nM:4/4\nL:1/4\nK:F\nC D E F | |]", resp.ABC)
	assert.Equal(t, 2, resp.VisualTranspose)
	assert.Equal(t, 2, resp.MidiTranspose)
	assert.Equal(t, "Bb", resp.Instrument.Key)
	assert.Equal(t, "X:1\nT:Etude\nM:4/4\nL:1/4\nK:G\nD E F G | |]", resp.Transposed)
}

func TestRenderWithoutBodyIsConcertPitch(t *testing.T) {
	r := newTestServer(t, &fakeProvider{result: quarterScale()}, "")
	sess := analyze(t, r, pngPayload(t))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/render", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp RenderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.VisualTranspose)
	assert.Empty(t, resp.Transposed)
}

func TestSessionMIDI(t *testing.T) {
	r := newTestServer(t, &fakeProvider{result: quarterScale()}, "")
	sess := analyze(t, r, pngPayload(t))

	w := doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/midi?instrument=Eb", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/midi", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("MThd")))
}

func TestDeleteSession(t *testing.T) {
	r := newTestServer(t, &fakeProvider{result: quarterScale()}, "")
	sess := analyze(t, r, pngPayload(t))

	w := doJSON(t, r, http.MethodDelete, "/api/v1/sessions/"+sess.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sess.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sess.SessionID+"/render", RenderRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompile(t *testing.T) {
	r := newTestServer(t, &fakeProvider{}, "")
	w := doJSON(t, r, http.MethodPost, "/api/v1/compile", gin.H{
		"metadata": gin.H{"title": "Waltz", "timeSignature": "3/4", "keySignature": "G"},
		"notes": []gin.H{
			{"pitch": "G4", "visualType": "half"},
			{"pitch": "B", "visualType": "quarter"},
			{"pitch": "D5", "visualType": "dotted-half"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp RenderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "X:1\nT:Waltz\nM:3/4\nL:1/4\nK:G\nG2 B | d3 | |]", resp.ABC)
}

func TestTranspose(t *testing.T) {
	r := newTestServer(t, &fakeProvider{}, "")

	tests := []struct {
		name string
		body gin.H
		want string
	}{
		{"instrument", gin.H{"abc": "K:C\nC D E |]", "instrument": "Bb"}, "K:D\nD E F |]"},
		{"semitones", gin.H{"abc": "K:C\nB |]", "semitones": 1}, "K:Db\nc |]"},
		{"key signature honoured", gin.H{"abc": "K:G\nF |]", "instrument": "Bb"}, "K:A\nG |]"},
		{"eb part", gin.H{"abc": "K:F\nB |]", "instrument": "Eb"}, "K:D\ng |]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/v1/transpose", tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			var resp struct {
				ABC string `json:"abc"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.ABC)
		})
	}

	w := doJSON(t, r, http.MethodPost, "/api/v1/transpose", gin.H{"instrument": "F"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newTestServer(t, &fakeProvider{}, "")
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/analyze", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "PUT"))
}

func TestAnalyzeRateLimit(t *testing.T) {
	r := newTestServer(t, &fakeProvider{result: quarterScale()}, "1-M")
	analyze(t, r, pngPayload(t))

	w := doJSON(t, r, http.MethodPost, "/api/v1/analyze", gin.H{
		"image": base64.StdEncoding.EncodeToString(pngPayload(t)),
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/instruments", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)

	_, err = NewServer(Options{Provider: &fakeProvider{}, RateLimit: "lots"})
	assert.Error(t, err)
}

func TestFromConfigLogsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var out bytes.Buffer
	log := logger.New(logger.Config{Level: "info", JSON: true, Output: &out})

	s, err := FromConfig(config.Default(), &fakeProvider{}, log)
	require.NoError(t, err)

	w := doJSON(t, s.Router(), http.MethodGet, "/api/v1/instruments", nil)
	require.Equal(t, http.StatusOK, w.Code)

	line := out.String()
	assert.Contains(t, line, `"path":"/api/v1/instruments"`)
	assert.Contains(t, line, `"status":200`)
}
