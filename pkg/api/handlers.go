package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/james-see/sheetscan/pkg/imageprep"
	"github.com/james-see/sheetscan/pkg/notation"
	"github.com/james-see/sheetscan/pkg/session"
	"github.com/james-see/sheetscan/pkg/vision"
)

// AnalyzeRequest is the JSON form of an upload
type AnalyzeRequest struct {
	Image    string `json:"image" binding:"required"` // base64, data: URLs accepted
	MIMEType string `json:"mimeType"`
	Session  string `json:"session"` // replace this session instead of creating one
}

// AnalyzeResponse is the model's reading of the page
type AnalyzeResponse struct {
	SessionID string                 `json:"sessionId"`
	Metadata  notation.ScoreMetadata `json:"metadata"`
	Notes     []notation.Note        `json:"notes"`
	Notation  string                 `json:"notation,omitempty"`
	Model     string                 `json:"model,omitempty"`
}

// RenderRequest selects the instrument and optional last-minute edits
type RenderRequest struct {
	Instrument    string `json:"instrument"`
	Title         string `json:"title"`
	KeySignature  string `json:"keySignature"`
	TimeSignature string `json:"timeSignature"`
}

// RenderResponse carries concert-pitch ABC plus the transposition the
// display and synth should apply
type RenderResponse struct {
	ABC             string              `json:"abc"`
	Transposed      string              `json:"transposed,omitempty"` // written pitch for the instrument
	Instrument      notation.Instrument `json:"instrument"`
	VisualTranspose int                 `json:"visualTranspose"`
	MidiTranspose   int                 `json:"midiTranspose"`
}

// CompileRequest compiles without a session
type CompileRequest struct {
	Metadata   notation.ScoreMetadata `json:"metadata"`
	Notes      []notation.RawNote     `json:"notes"`
	Instrument string                 `json:"instrument"`
}

// TransposeRequest shifts existing ABC text
type TransposeRequest struct {
	ABC        string `json:"abc" binding:"required"`
	Instrument string `json:"instrument"`
	Semitones  *int   `json:"semitones"`
}

// healthCheck godoc
// @Summary Health check endpoint
// @Description Returns the health status of the API
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "sheetscan",
	})
}

// listInstruments godoc
// @Summary List transposing instruments
// @Description Returns the supported instrument keys and their semitone offsets
// @Tags info
// @Produce json
// @Success 200 {object} map[string][]notation.Instrument
// @Router /api/v1/instruments [get]
func listInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": notation.Instruments()})
}

// handleAnalyze godoc
// @Summary Transcribe a score image
// @Description Upload an image or PDF (multipart "file" or JSON base64) and receive the transcribed notes
// @Tags scores
// @Accept multipart/form-data
// @Accept json
// @Produce json
// @Param file formData file false "Image or PDF of the score"
// @Param session formData string false "Session to replace"
// @Success 200 {object} AnalyzeResponse
// @Failure 400 {object} map[string]string
// @Failure 413 {object} map[string]string
// @Failure 415 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/v1/analyze [post]
func (s *Server) handleAnalyze(c *gin.Context) {
	data, replaceID, err := s.readUpload(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	img, err := s.preparer.Prepare(data)
	if err != nil {
		s.fail(c, err)
		return
	}

	tr, err := s.provider.Transcribe(c.Request.Context(), img)
	if err != nil {
		s.fail(c, err)
		return
	}
	notes := notation.NormalizeAll(tr.Notes)

	var sess session.Session
	if replaceID != "" {
		sess, err = s.sessions.Replace(replaceID, tr.Metadata, notes, tr.Notation)
		if err != nil {
			s.fail(c, err)
			return
		}
	} else {
		sess = s.sessions.Create(tr.Metadata, notes, tr.Notation)
	}

	s.log.Info("score analyzed", "session", sess.ID, "model", tr.Model, "notes", len(notes))
	c.JSON(http.StatusOK, AnalyzeResponse{
		SessionID: sess.ID,
		Metadata:  sess.Metadata(),
		Notes:     sess.Notes,
		Notation:  sess.Notation,
		Model:     tr.Model,
	})
}

// uploadOverhead is room for the multipart or JSON framing around a file
const uploadOverhead = 64 << 10

// readUpload takes either a multipart file or a JSON body. The body is
// capped before it is read.
func (s *Server) readUpload(c *gin.Context) ([]byte, string, error) {
	limit := int64(s.preparer.MaxUploadBytes())
	bodyLimit := limit*4/3 + uploadOverhead
	if c.Request.ContentLength > bodyLimit {
		return nil, "", fmt.Errorf("%w: request body is %d bytes", imageprep.ErrTooLarge, c.Request.ContentLength)
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			if tooLarge := bodyTooLarge(err); tooLarge != nil {
				return nil, "", tooLarge
			}
			return nil, "", badRequest("no file uploaded")
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(io.LimitReader(file, limit+1))
		if err != nil {
			return nil, "", badRequest("failed to read file")
		}
		return data, c.PostForm("session"), nil
	}

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if tooLarge := bodyTooLarge(err); tooLarge != nil {
			return nil, "", tooLarge
		}
		return nil, "", badRequest("expected a multipart file or JSON {image, mimeType}")
	}
	payload := req.Image
	if i := strings.Index(payload, ";base64,"); strings.HasPrefix(payload, "data:") && i >= 0 {
		payload = payload[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", badRequest("image is not valid base64")
	}
	return data, req.Session, nil
}

func bodyTooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%w: request body over %d bytes", imageprep.ErrTooLarge, mbe.Limit)
	}
	return nil
}

// handleGetSession godoc
// @Summary Get a session
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} session.Session
// @Failure 404 {object} map[string]string
// @Router /api/v1/sessions/{id} [get]
func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleDeleteSession godoc
// @Summary Discard a session
// @Tags sessions
// @Param id path string true "Session ID"
// @Success 204
// @Failure 404 {object} map[string]string
// @Router /api/v1/sessions/{id} [delete]
func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUpdateMetadata godoc
// @Summary Correct title, key or time signature
// @Description Non-empty fields override what the model read
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param metadata body notation.ScoreMetadata true "Overrides"
// @Success 200 {object} session.Session
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/v1/sessions/{id}/metadata [put]
func (s *Server) handleUpdateMetadata(c *gin.Context) {
	var meta notation.ScoreMetadata
	if err := c.ShouldBindJSON(&meta); err != nil {
		s.fail(c, badRequest("invalid metadata"))
		return
	}
	sess, err := s.sessions.UpdateOverrides(c.Param("id"), meta)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleRender godoc
// @Summary Render a session as ABC
// @Description Compiles the session with user overrides applied and reports the instrument transposition
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body RenderRequest false "Instrument and edits"
// @Success 200 {object} RenderResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/sessions/{id}/render [post]
func (s *Server) handleRender(c *gin.Context) {
	var req RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(c, badRequest("invalid render request"))
		return
	}

	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	meta := notation.MergeMetadata(sess.Metadata(), notation.ScoreMetadata{
		Title:         req.Title,
		KeySignature:  req.KeySignature,
		TimeSignature: req.TimeSignature,
	})

	abc := sess.Notation
	if len(sess.Notes) > 0 || abc == "" {
		abc, err = s.compiler.Compile(&meta, sess.Notes)
		if err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, render(abc, req.Instrument))
}

func render(abc, instrument string) RenderResponse {
	t := notation.TranspositionFor(instrument)
	resp := RenderResponse{
		ABC:             abc,
		Instrument:      t.Instrument,
		VisualTranspose: t.VisualTranspose,
		MidiTranspose:   t.MidiTranspose,
	}
	if t.VisualTranspose != 0 {
		resp.Transposed = notation.TransposeTokens(abc, t.VisualTranspose)
	}
	return resp
}

// handleSessionMIDI godoc
// @Summary Download a session as MIDI
// @Tags sessions
// @Produce audio/midi
// @Param id path string true "Session ID"
// @Param instrument query string false "Instrument key (C, Bb, Eb, F)"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]string
// @Router /api/v1/sessions/{id}/midi [get]
func (s *Server) handleSessionMIDI(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(sess.Notes) == 0 {
		s.fail(c, badRequest("session has no notes to play"))
		return
	}

	t := notation.TranspositionFor(c.Query("instrument"))
	data, err := s.midi.Export(sess.Score(), t.MidiTranspose)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.mid", sess.ID))
	c.Data(http.StatusOK, "audio/midi", data)
}

// handleCompile godoc
// @Summary Compile notes to ABC
// @Description Stateless: normalizes the notes and compiles them with the given metadata
// @Tags notation
// @Accept json
// @Produce json
// @Param request body CompileRequest true "Metadata and notes"
// @Success 200 {object} RenderResponse
// @Failure 400 {object} map[string]string
// @Router /api/v1/compile [post]
func (s *Server) handleCompile(c *gin.Context) {
	var req CompileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("invalid compile request"))
		return
	}
	abc, err := s.compiler.Compile(&req.Metadata, notation.NormalizeAll(req.Notes))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, render(abc, req.Instrument))
}

// handleTranspose godoc
// @Summary Transpose ABC text
// @Description Shifts every note by an instrument offset or an explicit semitone count
// @Tags notation
// @Accept json
// @Produce json
// @Param request body TransposeRequest true "ABC and offset"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Router /api/v1/transpose [post]
func handleTranspose(c *gin.Context) {
	var req TransposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "abc is required"})
		return
	}
	semitones := notation.OffsetFor(req.Instrument)
	if req.Semitones != nil {
		semitones = *req.Semitones
	}
	c.JSON(http.StatusOK, gin.H{
		"abc":       notation.TransposeTokens(req.ABC, semitones),
		"semitones": semitones,
	})
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var reqErr *requestError
	var apiErr *vision.APIError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, imageprep.ErrEmpty), errors.Is(err, notation.ErrNilMetadata):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, imageprep.ErrTooLarge), errors.Is(err, imageprep.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, imageprep.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, vision.ErrMissingAPIKey):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr),
		errors.Is(err, vision.ErrEmptyResponse),
		errors.Is(err, vision.ErrBlocked),
		errors.Is(err, vision.ErrUnparseable),
		errors.Is(err, vision.ErrNoModel):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
