package backend

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/ent0n29/companion/internal/audio"
)

// ChatExchange is one chat round-trip.
type ChatExchange struct {
	TurnID           string    `json:"turn_id,omitempty"`
	Source           string    `json:"source,omitempty"`
	RequestText      string    `json:"request_text"`
	ResponseText     string    `json:"response_text"`
	EmotionTag       string    `json:"emotion,omitempty"`
	EmotionIntensity float64   `json:"emotion_intensity,omitempty"`
	SentAt           time.Time `json:"sent_at"`
	ReceivedAt       time.Time `json:"received_at"`
	Attempts         int       `json:"attempts"`
}

type HistoryEntry struct {
	Message   string `json:"message"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp,omitempty"`
}

type EmotionalStatus struct {
	CurrentEmotion   string  `json:"current_emotion"`
	EmotionIntensity float64 `json:"emotion_intensity"`
}

// TaskID accepts both numeric and string identifiers.
type TaskID string

func (id *TaskID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = TaskID(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = TaskID(n.String())
	return nil
}

type Task struct {
	ID           TaskID `json:"id"`
	Task         string `json:"task"`
	Priority     string `json:"priority,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	ReminderTime string `json:"reminder_time,omitempty"`
	Completed    bool   `json:"completed"`
}

type NewTask struct {
	Task         string `json:"task"`
	Priority     string `json:"priority,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	ReminderTime string `json:"reminder_time,omitempty"`
}

type TaskSchedule struct {
	DueDate      string `json:"due_date,omitempty"`
	ReminderTime string `json:"reminder_time,omitempty"`
}

type TaskResult struct {
	Task    *Task  `json:"task,omitempty"`
	Message string `json:"message,omitempty"`
}

type IntegrationState struct {
	Connected bool `json:"connected"`
}

type Integrations struct {
	Spotify IntegrationState `json:"spotify"`
	GitHub  IntegrationState `json:"github"`
	YouTube IntegrationState `json:"youtube"`
}

// AudioReply is the result of a recorded-audio chat turn.
type AudioReply struct {
	Transcript    string        `json:"transcript"`
	Response      string        `json:"response"`
	Emotion       string        `json:"emotion,omitempty"`
	Audio         []byte        `json:"-"`
	AudioFormat   audio.Format  `json:"-"`
	AudioDuration time.Duration `json:"audio_duration,omitempty"`
}

func (id TaskID) String() string { return string(id) }
