package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/ent0n29/companion/internal/audio"
)

// ChatHistory returns the conversation log kept by the backend.
func (c *Client) ChatHistory(ctx context.Context) ([]HistoryEntry, error) {
	var out struct {
		History []HistoryEntry `json:"history"`
	}
	if err := c.single(ctx, request{method: http.MethodGet, path: "/api/chat/history"}, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

func (c *Client) EmotionalStatus(ctx context.Context) (EmotionalStatus, error) {
	var out struct {
		Status *EmotionalStatus `json:"emotional_status"`
	}
	if err := c.single(ctx, request{method: http.MethodGet, path: "/api/emotional-status"}, &out); err != nil {
		return EmotionalStatus{}, err
	}
	if out.Status == nil {
		return EmotionalStatus{}, fmt.Errorf("%w: missing emotional_status", ErrInvalidResponse)
	}
	return *out.Status, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.single(ctx, request{method: http.MethodGet, path: "/api/tasks"}, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) CreateTask(ctx context.Context, t NewTask) (TaskResult, error) {
	if strings.TrimSpace(t.Task) == "" {
		return TaskResult{}, fmt.Errorf("task text is required")
	}
	req, err := jsonRequest(http.MethodPost, "/api/tasks", t)
	if err != nil {
		return TaskResult{}, err
	}
	var out TaskResult
	return out, c.single(ctx, req, &out)
}

func (c *Client) CompleteTask(ctx context.Context, id string) (TaskResult, error) {
	path, err := taskPath(id, "complete")
	if err != nil {
		return TaskResult{}, err
	}
	var out TaskResult
	return out, c.single(ctx, request{method: http.MethodPost, path: path}, &out)
}

func (c *Client) DeleteTask(ctx context.Context, id string) (TaskResult, error) {
	path, err := taskPath(id, "")
	if err != nil {
		return TaskResult{}, err
	}
	var out TaskResult
	return out, c.single(ctx, request{method: http.MethodDelete, path: path}, &out)
}

func (c *Client) ScheduleTask(ctx context.Context, id string, s TaskSchedule) (TaskResult, error) {
	path, err := taskPath(id, "schedule")
	if err != nil {
		return TaskResult{}, err
	}
	req, err := jsonRequest(http.MethodPost, path, s)
	if err != nil {
		return TaskResult{}, err
	}
	var out TaskResult
	return out, c.single(ctx, req, &out)
}

// ExportData returns the backend's opaque export blob.
func (c *Client) ExportData(ctx context.Context) (json.RawMessage, error) {
	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.single(ctx, request{method: http.MethodGet, path: "/api/data/export"}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidResponse)
	}
	return out.Data, nil
}

// ImportData uploads an export file as multipart field "file".
func (c *Client) ImportData(ctx context.Context, filename string, r io.Reader) (string, error) {
	if filename == "" {
		filename = "import.json"
	}
	req, err := multipartRequest("/api/import", "file", filepath.Base(filename), r)
	if err != nil {
		return "", err
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := c.single(ctx, req, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// SendAudio uploads mono PCM16LE audio as a WAV file and returns the
// transcript, reply text and, when present, the decoded reply audio.
func (c *Client) SendAudio(ctx context.Context, pcm []byte, sampleRate int) (AudioReply, error) {
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return AudioReply{}, err
	}
	req, err := multipartRequest("/api/chat/audio", "audio", "recording.wav", bytes.NewReader(wav))
	if err != nil {
		return AudioReply{}, err
	}
	var out struct {
		Transcript string `json:"transcript"`
		Response   string `json:"response"`
		Emotion    string `json:"emotion"`
		Audio      string `json:"audio"`
	}
	if err := c.single(ctx, req, &out); err != nil {
		return AudioReply{}, err
	}
	reply := AudioReply{Transcript: out.Transcript, Response: out.Response, Emotion: out.Emotion}
	if encoded := strings.TrimSpace(out.Audio); encoded != "" {
		if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i > 0 {
			encoded = encoded[i+1:]
		}
		blob, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return AudioReply{}, fmt.Errorf("%w: audio is not base64: %v", ErrInvalidResponse, err)
		}
		format, samples, err := audio.DecodeWAV(blob)
		if err != nil {
			return AudioReply{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		reply.Audio = blob
		reply.AudioFormat = format
		reply.AudioDuration = format.Duration(len(samples))
	}
	return reply, nil
}

func (c *Client) IntegrationsStatus(ctx context.Context) (Integrations, error) {
	var out struct {
		Integrations *Integrations `json:"integrations"`
	}
	if err := c.single(ctx, request{method: http.MethodGet, path: "/api/integrations/status"}, &out); err != nil {
		return Integrations{}, err
	}
	if out.Integrations == nil {
		return Integrations{}, fmt.Errorf("%w: missing integrations", ErrInvalidResponse)
	}
	return *out.Integrations, nil
}

// taskPath escapes id as one path segment. Dot segments are rejected since
// the joined URL would resolve them.
func taskPath(id, action string) (string, error) {
	id = strings.TrimSpace(id)
	if !ValidTaskID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	p := "/api/tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p, nil
}

// ValidTaskID reports whether id can address a single task.
func ValidTaskID(id string) bool {
	switch strings.TrimSpace(id) {
	case "", ".", "..":
		return false
	}
	return true
}

func multipartRequest(path, field, filename string, r io.Reader) (request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return request{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return request{}, fmt.Errorf("copy %s: %w", field, err)
	}
	if err := mw.Close(); err != nil {
		return request{}, fmt.Errorf("close multipart: %w", err)
	}
	return request{method: http.MethodPost, path: path, body: buf.Bytes(), contentType: mw.FormDataContentType()}, nil
}
