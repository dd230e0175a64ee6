package stream

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Recording is a captured event stream stored as YAML
type Recording struct {
	Name   string    `yaml:"name"`
	Events []string  `yaml:"events"`
	Expect *Expected `yaml:"expect,omitempty"`
}

// Expected is the final state a recording should replay to
type Expected struct {
	Content    string `yaml:"content"`
	ResponseID string `yaml:"responseId"`
	Status     string `yaml:"status"`
	Reasoning  int    `yaml:"reasoning"`
	ToolCalls  int    `yaml:"toolCalls"`
	Citations  int    `yaml:"citations"`
}

// LoadRecording reads a recording file
func LoadRecording(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording: %w", err)
	}
	var rec Recording
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse recording %s: %w", path, err)
	}
	return &rec, nil
}

// Frames returns the recorded wire frames
func (r *Recording) Frames() [][]byte {
	frames := make([][]byte, 0, len(r.Events))
	for _, ev := range r.Events {
		frames = append(frames, []byte(ev))
	}
	return frames
}

// Source returns an EventSource replaying the recording
func (r *Recording) Source() EventSource {
	return NewSliceSource(r.Frames())
}
