package voice

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const neutralEmotion = "neutral"

// EmotionTable maps backend emotion tags to synthesis parameters.
type EmotionTable map[string]VoiceParams

func DefaultEmotionTable() EmotionTable {
	return EmotionTable{
		neutralEmotion: {Rate: 0.95, Pitch: 0.85, Volume: 0.8},
		"friendly":     {Rate: 1.0, Pitch: 0.9, Volume: 0.8},
		"thoughtful":   {Rate: 0.85, Pitch: 0.8, Volume: 0.8},
		"enthusiastic": {Rate: 1.1, Pitch: 0.95, Volume: 0.85},
		"happy":        {Rate: 1.05, Pitch: 1.0, Volume: 0.85},
		"excited":      {Rate: 1.15, Pitch: 1.05, Volume: 0.9},
		"sad":          {Rate: 0.85, Pitch: 0.75, Volume: 0.7},
		"calm":         {Rate: 0.9, Pitch: 0.8, Volume: 0.75},
		"concerned":    {Rate: 0.9, Pitch: 0.8, Volume: 0.8},
	}
}

// LoadEmotionTable reads a YAML mapping of tag -> {rate, pitch, volume} and
// layers it over the defaults. An empty path returns the defaults.
func LoadEmotionTable(path string) (EmotionTable, error) {
	table := DefaultEmotionTable()
	path = strings.TrimSpace(path)
	if path == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read emotion table: %w", err)
	}
	var overrides map[string]VoiceParams
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse emotion table %s: %w", path, err)
	}
	neutral := table[neutralEmotion]
	if p, ok := overrides[neutralEmotion]; ok {
		neutral = p.withDefaults(neutral)
		table[neutralEmotion] = neutral
	}
	for tag, p := range overrides {
		tag = normalizeEmotion(tag)
		if tag == "" || tag == neutralEmotion {
			continue
		}
		base, ok := table[tag]
		if !ok {
			base = neutral
		}
		table[tag] = p.withDefaults(base)
	}
	for tag, p := range table {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("emotion %q: %w", tag, err)
		}
	}
	return table, nil
}

// Lookup returns the parameters for tag, or neutral for empty and unknown tags.
func (t EmotionTable) Lookup(tag string) VoiceParams {
	if p, ok := t[normalizeEmotion(tag)]; ok {
		return p
	}
	if p, ok := t[neutralEmotion]; ok {
		return p
	}
	return DefaultEmotionTable()[neutralEmotion]
}

func (p VoiceParams) withDefaults(base VoiceParams) VoiceParams {
	if p.Rate == 0 {
		p.Rate = base.Rate
	}
	if p.Pitch == 0 {
		p.Pitch = base.Pitch
	}
	if p.Volume == 0 {
		p.Volume = base.Volume
	}
	return p
}

func (p VoiceParams) validate() error {
	switch {
	case p.Rate < 0.1 || p.Rate > 10:
		return fmt.Errorf("rate %.2f outside [0.1,10]", p.Rate)
	case p.Pitch < 0.5 || p.Pitch > 2:
		return fmt.Errorf("pitch %.2f outside [0.5,2]", p.Pitch)
	case p.Volume < 0 || p.Volume > 1:
		return fmt.Errorf("volume %.2f outside [0,1]", p.Volume)
	}
	return nil
}

func normalizeEmotion(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
