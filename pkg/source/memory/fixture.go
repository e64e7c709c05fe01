package memory

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatroster/pkg/roster"
)

// Fixture is the YAML seed format of a memory source.
type Fixture struct {
	Correspondents []FixtureCorrespondent `yaml:"correspondents"`
	Messages       []FixtureMessage       `yaml:"messages"`
	Online         []string               `yaml:"online"`
}

type FixtureCorrespondent struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type FixtureMessage struct {
	ID          string     `yaml:"id"`
	From        string     `yaml:"from"`
	To          string     `yaml:"to"`
	Body        string     `yaml:"body"`
	At          time.Time  `yaml:"at"`
	ReadAt      *time.Time `yaml:"read_at"`
	MessageType string     `yaml:"message_type"`
}

// LoadFixtureFile reads a YAML fixture from path.
func LoadFixtureFile(path string) (Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("open fixture %s: %w", path, err)
	}
	defer f.Close()

	return LoadFixture(f)
}

// LoadFixture decodes and validates a YAML fixture.
func LoadFixture(r io.Reader) (Fixture, error) {
	var fixture Fixture
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&fixture); err != nil && err != io.EOF {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}

	if err := fixture.validate(); err != nil {
		return Fixture{}, err
	}
	return fixture, nil
}

func (f Fixture) validate() error {
	seen := make(map[string]struct{}, len(f.Correspondents))
	for i, c := range f.Correspondents {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("correspondents[%d]: id is required", i)
		}
		if _, ok := roster.ParseKind(c.Kind); !ok {
			return fmt.Errorf("correspondents[%d]: unknown kind %q", i, c.Kind)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("correspondents[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	for i, m := range f.Messages {
		if m.From == "" || m.To == "" {
			return fmt.Errorf("messages[%d]: from and to are required", i)
		}
		if m.At.IsZero() {
			return fmt.Errorf("messages[%d]: at is required", i)
		}
	}
	return nil
}

// Options converts the fixture into source options.
func (f Fixture) Options() []Option {
	correspondents := make([]roster.Correspondent, 0, len(f.Correspondents))
	for _, c := range f.Correspondents {
		kind, _ := roster.ParseKind(c.Kind)
		name := c.Name
		if name == "" {
			name = c.ID
		}
		correspondents = append(correspondents, roster.Correspondent{ID: c.ID, Name: name, Kind: kind})
	}

	messages := make([]roster.Message, 0, len(f.Messages))
	for i, m := range f.Messages {
		id := m.ID
		if id == "" {
			id = fmt.Sprintf("fixture-%d", i+1)
		}
		messages = append(messages, roster.Message{
			ID:          id,
			SenderID:    m.From,
			RecipientID: m.To,
			Body:        m.Body,
			CreatedAt:   m.At.UTC(),
			ReadAt:      m.ReadAt,
			ContentKind: roster.ParseContentKind(m.MessageType),
		})
	}

	return []Option{
		WithCorrespondents(correspondents...),
		WithMessages(messages...),
		WithOnline(f.Online...),
	}
}

// NewFromFixture builds a source seeded from the YAML fixture at path.
func NewFromFixture(path string, opts ...Option) (*Source, error) {
	fixture, err := LoadFixtureFile(path)
	if err != nil {
		return nil, err
	}

	return New(append(fixture.Options(), opts...)...), nil
}
