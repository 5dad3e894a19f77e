// Package catalog holds the sequence definitions and the policy tables
// that govern how leads move between them.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

//go:embed default.yaml
var defaultCatalog []byte

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidContent = errors.New("invalid step content")
)

// Event names a lifecycle signal that moves a lead between sequences.
type Event string

const (
	EventMeetingBooked    Event = "meeting_booked"
	EventNoShow           Event = "no_show"
	EventMeetingCompleted Event = "meeting_completed"
)

// Transition describes what a lifecycle event does: cancel the listed
// sequences, then enroll the successor.
type Transition struct {
	Cancel []string `yaml:"cancel"`
	Enroll string   `yaml:"enroll"`
}

type file struct {
	Sequences   []model.Sequence `yaml:"sequences"`
	Concurrency struct {
		Allow [][]string `yaml:"allow"`
	} `yaml:"concurrency"`
	Lifecycle map[Event]Transition `yaml:"lifecycle"`
}

type pair struct{ a, b string }

func newPair(a, b string) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

type stepRef struct {
	seq  int
	step int
}

// Catalog is loaded once and read concurrently. Only step content can be
// edited after load.
type Catalog struct {
	mu        sync.RWMutex
	sequences []model.Sequence
	bySlug    map[string]int
	byStepID  map[int64]stepRef
	allow     map[pair]struct{}
	lifecycle map[Event]Transition
}

// Load reads a catalog file. An empty path loads the built-in catalog.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(defaultCatalog)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}

	c := &Catalog{
		bySlug:    make(map[string]int),
		byStepID:  make(map[int64]stepRef),
		allow:     make(map[pair]struct{}),
		lifecycle: make(map[Event]Transition),
	}

	var nextID int64 = 1
	for i := range f.Sequences {
		seq := f.Sequences[i]
		seq.Slug = strings.TrimSpace(seq.Slug)
		seq.Name = strings.TrimSpace(seq.Name)
		seq.Description = strings.TrimSpace(seq.Description)

		if seq.Slug == "" {
			return nil, fmt.Errorf("sequence %d: slug is required", i+1)
		}
		if _, dup := c.bySlug[seq.Slug]; dup {
			return nil, fmt.Errorf("duplicate sequence slug %q", seq.Slug)
		}
		if seq.Name == "" {
			seq.Name = seq.Slug
		}

		for j := range seq.Steps {
			step := &seq.Steps[j]
			if step.StepOrder != j+1 {
				return nil, fmt.Errorf("sequence %q: step_order must be contiguous from 1, got %d at position %d", seq.Slug, step.StepOrder, j+1)
			}
			if err := validateStep(seq, *step); err != nil {
				return nil, fmt.Errorf("sequence %q step %d: %w", seq.Slug, step.StepOrder, err)
			}
			step.ID = nextID
			step.SequenceSlug = seq.Slug
			c.byStepID[nextID] = stepRef{seq: len(c.sequences), step: j}
			nextID++
		}

		c.bySlug[seq.Slug] = len(c.sequences)
		c.sequences = append(c.sequences, seq)
	}

	for _, p := range f.Concurrency.Allow {
		if len(p) != 2 {
			return nil, fmt.Errorf("concurrency pair must name two sequences, got %v", p)
		}
		for _, slug := range p {
			if _, ok := c.bySlug[slug]; !ok {
				return nil, fmt.Errorf("concurrency pair references unknown sequence %q", slug)
			}
		}
		c.allow[newPair(p[0], p[1])] = struct{}{}
	}

	for ev, tr := range f.Lifecycle {
		switch ev {
		case EventMeetingBooked, EventNoShow, EventMeetingCompleted:
		default:
			return nil, fmt.Errorf("unknown lifecycle event %q", ev)
		}
		if _, ok := c.bySlug[tr.Enroll]; !ok {
			return nil, fmt.Errorf("lifecycle %q enrolls unknown sequence %q", ev, tr.Enroll)
		}
		for _, slug := range tr.Cancel {
			if _, ok := c.bySlug[slug]; !ok {
				return nil, fmt.Errorf("lifecycle %q cancels unknown sequence %q", ev, slug)
			}
		}
		c.lifecycle[ev] = tr
	}

	return c, nil
}

func validateStep(seq model.Sequence, step model.Step) error {
	if !step.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", step.Channel)
	}
	if _, err := step.DelayUnit.Duration(); err != nil {
		return err
	}
	if step.DelayValue < 0 && !seq.RequiresReferenceTime {
		return fmt.Errorf("negative delay requires requires_reference_time on the sequence")
	}
	return validateContent(step)
}

func validateContent(step model.Step) error {
	if step.Channel.UsesEmail() {
		if strings.TrimSpace(step.EmailSubject) == "" || strings.TrimSpace(step.EmailBody) == "" {
			return fmt.Errorf("%w: email subject and body are required", ErrInvalidContent)
		}
	}
	if step.Channel.UsesWhatsApp() && strings.TrimSpace(step.WhatsAppMessage) == "" {
		return fmt.Errorf("%w: whatsapp message is required", ErrInvalidContent)
	}
	return nil
}

func copySequence(s model.Sequence) model.Sequence {
	out := s
	out.Steps = append([]model.Step(nil), s.Steps...)
	return out
}

// Sequences returns every sequence in file order.
func (c *Catalog) Sequences() []model.Sequence {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Sequence, 0, len(c.sequences))
	for _, s := range c.sequences {
		out = append(out, copySequence(s))
	}
	return out
}

func (c *Catalog) Sequence(slug string) (model.Sequence, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.bySlug[slug]
	if !ok {
		return model.Sequence{}, fmt.Errorf("sequence %q: %w", slug, ErrNotFound)
	}
	return copySequence(c.sequences[i]), nil
}

func (c *Catalog) Steps(slug string) ([]model.Step, error) {
	seq, err := c.Sequence(slug)
	if err != nil {
		return nil, err
	}
	return seq.Steps, nil
}

func (c *Catalog) Step(id int64) (model.Step, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ref, ok := c.byStepID[id]
	if !ok {
		return model.Step{}, fmt.Errorf("step %d: %w", id, ErrNotFound)
	}
	return c.sequences[ref.seq].Steps[ref.step], nil
}

// StepAt returns the step with the given order in a sequence.
func (c *Catalog) StepAt(slug string, order int) (model.Step, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.bySlug[slug]
	if !ok {
		return model.Step{}, fmt.Errorf("sequence %q: %w", slug, ErrNotFound)
	}
	steps := c.sequences[i].Steps
	if order < 1 || order > len(steps) {
		return model.Step{}, fmt.Errorf("sequence %q step %d: %w", slug, order, ErrNotFound)
	}
	return steps[order-1], nil
}

func (c *Catalog) TotalSteps(slug string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.bySlug[slug]
	if !ok {
		return 0, fmt.Errorf("sequence %q: %w", slug, ErrNotFound)
	}
	return len(c.sequences[i].Steps), nil
}

// AllowsConcurrent reports whether a lead may be active in both sequences
// at once. A sequence never runs concurrently with itself.
func (c *Catalog) AllowsConcurrent(a, b string) bool {
	if a == b {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.allow[newPair(a, b)]
	return ok
}

func (c *Catalog) Transition(ev Event) (Transition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tr, ok := c.lifecycle[ev]
	if !ok {
		return Transition{}, fmt.Errorf("lifecycle event %q: %w", ev, ErrNotFound)
	}
	return Transition{Cancel: append([]string(nil), tr.Cancel...), Enroll: tr.Enroll}, nil
}

// StepContent is a partial update of a step's templates. Nil fields are
// left unchanged.
type StepContent struct {
	EmailSubject    *string `json:"emailSubject,omitempty" db:"email_subject"`
	EmailBody       *string `json:"emailBody,omitempty" db:"email_body"`
	WhatsAppMessage *string `json:"whatsappMessage,omitempty" db:"whatsapp_message"`
}

func (p StepContent) apply(step model.Step) model.Step {
	if p.EmailSubject != nil {
		step.EmailSubject = *p.EmailSubject
	}
	if p.EmailBody != nil {
		step.EmailBody = *p.EmailBody
	}
	if p.WhatsAppMessage != nil {
		step.WhatsAppMessage = *p.WhatsAppMessage
	}
	return step
}

// UpdateStepContent replaces the templates of a step. Order, delay and
// channel cannot be changed at runtime.
func (c *Catalog) UpdateStepContent(id int64, patch StepContent) (model.Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.byStepID[id]
	if !ok {
		return model.Step{}, fmt.Errorf("step %d: %w", id, ErrNotFound)
	}

	updated := patch.apply(c.sequences[ref.seq].Steps[ref.step])
	if err := validateContent(updated); err != nil {
		return model.Step{}, err
	}

	c.sequences[ref.seq].Steps[ref.step] = updated
	return updated, nil
}
