// Package catalog reads sequence definitions from YAML files so sequences can
// be versioned next to the deployment that runs them.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"dripline/models"
	"dripline/store"
)

var validate = validator.New()

// File is the YAML form of a sequence.
type File struct {
	Slug        string  `yaml:"slug" validate:"required,max=100"`
	Name        string  `yaml:"name" validate:"required,max=255"`
	Description string  `yaml:"description"`
	Active      *bool   `yaml:"active"`
	Trigger     Trigger `yaml:"trigger"`
	Steps       []Step  `yaml:"steps" validate:"dive"`

	Source string `yaml:"-"`
}

// Trigger names what enrolls subjects. At least one field must be set.
type Trigger struct {
	Tag       string `yaml:"tag"`
	Milestone string `yaml:"milestone"`
}

// Step is the YAML form of a sequence step. Delay accepts a Go duration
// ("90m", "2h") and adds to the explicit day/hour/minute fields.
type Step struct {
	Order   *int   `yaml:"order"`
	Name    string `yaml:"name"`
	Delay   string `yaml:"delay"`
	Days    int    `yaml:"delay_days" validate:"gte=0"`
	Hours   int    `yaml:"delay_hours" validate:"gte=0"`
	Minutes int    `yaml:"delay_minutes" validate:"gte=0"`
	Subject string `yaml:"subject" validate:"required"`
	Body    string `yaml:"body"`
	Active  *bool  `yaml:"active"`
}

// LoadFile reads a single sequence definition from disk.
func LoadFile(path string) (store.SequenceDefinition, error) {
	if strings.TrimSpace(path) == "" {
		return store.SequenceDefinition{}, fmt.Errorf("sequence path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return store.SequenceDefinition{}, fmt.Errorf("read sequence %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return store.SequenceDefinition{}, fmt.Errorf("parse sequence %s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every .yaml/.yml file in dir, sorted by slug. A missing
// directory yields no definitions.
func LoadDir(dir string) ([]store.SequenceDefinition, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sequences dir %s: %w", dir, err)
	}

	defs := make([]store.SequenceDefinition, 0, len(entries))
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[def.Slug]; dup {
			return nil, fmt.Errorf("sequence slug %q defined in both %s and %s", def.Slug, other, path)
		}
		seen[def.Slug] = path
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Slug < defs[j].Slug
	})
	return defs, nil
}

// Parse decodes and validates one YAML sequence document.
func Parse(data []byte) (store.SequenceDefinition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return store.SequenceDefinition{}, err
	}

	f.Slug = strings.TrimSpace(f.Slug)
	f.Name = strings.TrimSpace(f.Name)
	f.Description = strings.TrimSpace(f.Description)
	f.Trigger.Tag = strings.TrimSpace(f.Trigger.Tag)
	f.Trigger.Milestone = strings.TrimSpace(f.Trigger.Milestone)

	if err := validate.Struct(f); err != nil {
		return store.SequenceDefinition{}, err
	}
	if f.Trigger.Tag == "" && f.Trigger.Milestone == "" {
		return store.SequenceDefinition{}, fmt.Errorf("sequence %s: trigger tag or milestone is required", f.Slug)
	}

	def := store.SequenceDefinition{
		Slug:        f.Slug,
		Name:        f.Name,
		Description: f.Description,
		IsActive:    f.Active == nil || *f.Active,
		TriggerType: f.Trigger.Milestone,
		TriggerTag:  f.Trigger.Tag,
	}

	orders := make(map[int]struct{}, len(f.Steps))
	for i, s := range f.Steps {
		step, err := s.toModel(i)
		if err != nil {
			return store.SequenceDefinition{}, fmt.Errorf("sequence %s step %d: %w", f.Slug, i+1, err)
		}
		if _, dup := orders[step.Order]; dup {
			return store.SequenceDefinition{}, fmt.Errorf("sequence %s: duplicate step order %d", f.Slug, step.Order)
		}
		orders[step.Order] = struct{}{}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (s Step) toModel(position int) (models.SequenceStep, error) {
	order := position
	if s.Order != nil {
		order = *s.Order
	}
	if order < 0 {
		return models.SequenceStep{}, fmt.Errorf("order must not be negative")
	}

	days, hours, minutes := s.Days, s.Hours, s.Minutes
	if d := strings.TrimSpace(s.Delay); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return models.SequenceStep{}, fmt.Errorf("invalid delay: %w", err)
		}
		if parsed < 0 {
			return models.SequenceStep{}, fmt.Errorf("delay must not be negative")
		}
		if parsed%time.Minute != 0 {
			return models.SequenceStep{}, fmt.Errorf("delay %s is not a whole number of minutes", d)
		}
		hours += int(parsed / time.Hour)
		minutes += int((parsed % time.Hour) / time.Minute)
	}

	return models.SequenceStep{
		Order:        order,
		Name:         strings.TrimSpace(s.Name),
		DelayDays:    days,
		DelayHours:   hours,
		DelayMinutes: minutes,
		Subject:      strings.TrimSpace(s.Subject),
		Body:         s.Body,
		IsActive:     s.Active == nil || *s.Active,
	}, nil
}
