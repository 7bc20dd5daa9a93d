// Package script loads the static session script: the ordered sequence of
// prompts the coach speaks and the listening-window bounds for each. The
// script is configuration, immutable for the session's lifetime.
package script

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one scripted exchange: speak the prompt, then listen.
type Step struct {
	ID          string `yaml:"id"`
	Prompt      string `yaml:"prompt"`
	MinListenMs int    `yaml:"min_listen_ms"`
	MaxListenMs int    `yaml:"max_listen_ms"`
}

// MinListen returns the minimum listening window.
func (s Step) MinListen() time.Duration { return time.Duration(s.MinListenMs) * time.Millisecond }

// MaxListen returns the maximum listening window.
func (s Step) MaxListen() time.Duration { return time.Duration(s.MaxListenMs) * time.Millisecond }

// Script is a full session definition.
type Script struct {
	ID       string `yaml:"id"`
	Greeting string `yaml:"greeting"`
	Goodbye  string `yaml:"goodbye"`
	Steps    []Step `yaml:"steps"`

	// Acknowledgments is the generic fallback pool used when the
	// language-generation collaborator fails or times out.
	Acknowledgments []string `yaml:"acknowledgments"`

	// Encouragements is spoken when a step got no response at all.
	Encouragements []string `yaml:"encouragements"`
}

const (
	defaultMinListenMs = 2000
	defaultMaxListenMs = 20000
)

// Load reads and validates a script file.
func Load(path string) (*Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates script YAML.
func Parse(raw []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) validate() error {
	if s.ID == "" {
		return fmt.Errorf("script: missing id")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("script %s: no steps", s.ID)
	}
	if s.Goodbye == "" {
		return fmt.Errorf("script %s: missing goodbye", s.ID)
	}
	seen := make(map[string]bool, len(s.Steps))
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.ID == "" {
			return fmt.Errorf("script %s: step %d missing id", s.ID, i)
		}
		if seen[st.ID] {
			return fmt.Errorf("script %s: duplicate step id %q", s.ID, st.ID)
		}
		seen[st.ID] = true
		if st.Prompt == "" {
			return fmt.Errorf("script %s: step %s missing prompt", s.ID, st.ID)
		}
		if st.MinListenMs <= 0 {
			st.MinListenMs = defaultMinListenMs
		}
		if st.MaxListenMs <= 0 {
			st.MaxListenMs = defaultMaxListenMs
		}
		if st.MaxListenMs < st.MinListenMs {
			return fmt.Errorf("script %s: step %s max_listen_ms %d < min_listen_ms %d",
				s.ID, st.ID, st.MaxListenMs, st.MinListenMs)
		}
	}
	if len(s.Acknowledgments) == 0 {
		s.Acknowledgments = []string{"Thank you for sharing that."}
	}
	if len(s.Encouragements) == 0 {
		s.Encouragements = []string{"That's alright, we can come back to it."}
	}
	return nil
}
