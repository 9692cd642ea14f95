package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/companion/internal/audio"
	"github.com/ent0n29/companion/internal/backend"
)

const (
	maxAudioUploadBytes  = 25 << 20
	maxImportUploadBytes = 10 << 20
	defaultSampleRate    = 16000
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Backend.ChatHistory(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if history == nil {
		history = []backend.HistoryEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleEmotionalStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Backend.EmotionalStatus(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Backend.ExportData(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	name := fmt.Sprintf("companion-export-%s.json", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	msg, err := s.deps.Backend.ImportData(r.Context(), header.Filename, file)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"message": msg})
}

type audioChatResponse struct {
	Transcript      string `json:"transcript"`
	Response        string `json:"response"`
	Emotion         string `json:"emotion,omitempty"`
	AudioBase64     string `json:"audio_base64,omitempty"`
	AudioDurationMS int64  `json:"audio_duration_ms,omitempty"`
}

// handleChatAudio accepts either a WAV file or raw mono PCM16LE with the
// sample rate in the sample_rate query parameter.
func (s *Server) handleChatAudio(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioUploadBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "audio_too_large", err.Error())
		return
	}
	if len(body) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio body is required")
		return
	}

	pcm, rate := body, defaultSampleRate
	format, samples, err := audio.DecodeWAV(body)
	switch {
	case err == nil:
		if format.Channels != 1 || format.BitsPerSample != 16 {
			respondError(w, http.StatusUnsupportedMediaType, "unsupported_audio", "WAV must be mono 16-bit PCM")
			return
		}
		pcm, rate = samples, format.SampleRate
	case errors.Is(err, audio.ErrNotWAV) && !strings.HasPrefix(string(body), "RIFF"):
		if raw := strings.TrimSpace(r.URL.Query().Get("sample_rate")); raw != "" {
			n, convErr := strconv.Atoi(raw)
			if convErr != nil || n <= 0 {
				respondError(w, http.StatusBadRequest, "invalid_sample_rate", "sample_rate must be a positive integer")
				return
			}
			rate = n
		}
	default:
		respondError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}
	if len(pcm)%2 != 0 {
		respondError(w, http.StatusBadRequest, "invalid_audio", "PCM16 payload has an odd length")
		return
	}

	reply, err := s.deps.Backend.SendAudio(r.Context(), pcm, rate)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	out := audioChatResponse{
		Transcript:      reply.Transcript,
		Response:        reply.Response,
		Emotion:         reply.Emotion,
		AudioDurationMS: reply.AudioDuration.Milliseconds(),
	}
	if len(reply.Audio) > 0 {
		out.AudioBase64 = base64.StdEncoding.EncodeToString(reply.Audio)
	}
	respondJSON(w, http.StatusOK, out)
}
