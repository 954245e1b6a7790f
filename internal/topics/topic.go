package topics

import (
	"fmt"
	"strings"
)

// Direction tells whether a topic is a channel the client subscribes to or a
// destination it publishes to.
type Direction int

const (
	// Inbound topics are channels the server delivers frames on.
	Inbound Direction = iota
	// Outbound topics are destinations the client publishes commands to.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Topic defines the interface that all topic types must implement
type Topic interface {
	// Name returns the unique identifier for this topic
	Name() string

	// Description returns a human-readable description of the topic
	Description() string

	// Pattern returns the topic's pattern string with placeholders
	Pattern() string

	// Direction reports whether the topic is subscribed to or published to
	Direction() Direction

	// Format generates the full topic string using the provided variables
	Format(vars map[string]string) (string, error)

	// Matches reports whether a concrete topic string was produced by this pattern
	Matches(topic string) bool
}

// BaseTopic provides a base implementation of the Topic interface
type BaseTopic struct {
	name        string
	description string
	pattern     string
	direction   Direction
}

// NewBaseTopic creates a new BaseTopic
func NewBaseTopic(name, description, pattern string, direction Direction) BaseTopic {
	return BaseTopic{
		name:        name,
		description: description,
		pattern:     pattern,
		direction:   direction,
	}
}

// Name returns the topic's name
func (t BaseTopic) Name() string {
	return t.name
}

// Description returns the topic's description
func (t BaseTopic) Description() string {
	return t.description
}

// Pattern returns the topic's pattern string with placeholders
func (t BaseTopic) Pattern() string {
	return t.pattern
}

// Direction reports whether the topic is inbound or outbound
func (t BaseTopic) Direction() Direction {
	return t.direction
}

// Format formats the topic with the given variables
func (t BaseTopic) Format(vars map[string]string) (string, error) {
	result := t.pattern
	for k, v := range vars {
		if v == "" {
			return "", fmt.Errorf("empty value for parameter %q in topic %s", k, t.name)
		}
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}

	// Verify all placeholders were replaced
	if strings.Contains(result, "{") || strings.Contains(result, "}") {
		return "", fmt.Errorf("missing required parameters in topic format: %s", t.pattern)
	}

	return result, nil
}

// Matches reports whether topic is an instance of the pattern. Only a single
// trailing placeholder is supported, which covers every channel we route.
func (t BaseTopic) Matches(topic string) bool {
	open := strings.IndexByte(t.pattern, '{')
	if open < 0 {
		return topic == t.pattern
	}
	prefix := t.pattern[:open]
	return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
}

// String returns the topic's name
func (t BaseTopic) String() string {
	return t.name
}
