package topics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateTopic is returned when a name is registered twice.
var ErrDuplicateTopic = errors.New("topic already registered")

// TopicRegistry holds the known channels and destinations, indexed by name and
// by direction.
type TopicRegistry struct {
	mu     sync.RWMutex
	byName map[string]Topic
	byDir  map[Direction][]Topic
}

// NewRegistry creates an empty registry.
func NewRegistry() *TopicRegistry {
	return &TopicRegistry{
		byName: make(map[string]Topic),
		byDir:  make(map[Direction][]Topic),
	}
}

// Register adds topic. Names must be unique across both directions.
func (r *TopicRegistry) Register(topic Topic) error {
	if topic == nil {
		return errors.New("cannot register nil topic")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := topic.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, name)
	}
	r.byName[name] = topic
	r.byDir[topic.Direction()] = append(r.byDir[topic.Direction()], topic)
	return nil
}

// MustRegister is Register for package-level setup; it panics on error.
func (r *TopicRegistry) MustRegister(topic Topic) {
	if err := r.Register(topic); err != nil {
		panic(fmt.Sprintf("failed to register topic: %v", err))
	}
}

// Get looks a topic up by name.
func (r *TopicRegistry) Get(name string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topic, ok := r.byName[name]
	return topic, ok
}

// Resolve maps a concrete channel or destination string back to the topic
// that produced it. Fixed patterns win over parameterized ones.
func (r *TopicRegistry) Resolve(topic string, dir Direction) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var match Topic
	for _, t := range r.byDir[dir] {
		if t.Pattern() == topic {
			return t, true
		}
		if match == nil && t.Matches(topic) {
			match = t
		}
	}
	return match, match != nil
}

// List returns every topic sorted by name.
func (r *TopicRegistry) List() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Topic, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Count returns the number of registered topics.
func (r *TopicRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
