package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"text/template"
	"time"

	"opsledger/internal/errs"
	"opsledger/internal/model"
)

// Recipient sources for RuleConfig.RecipientFrom.
const (
	RecipientFixed = ""
	RecipientActor = "actor"
	// RecipientPayloadPrefix is followed by a payload key, e.g. "payload.assignee".
	RecipientPayloadPrefix = "payload."
)

var errNoRecipient = errors.New("rule resolved no recipient")

// RuleConfig maps an event type to a notification template.
type RuleConfig struct {
	Name string `yaml:"name"`
	// EventType is an exact type or a glob such as "work_order.*".
	EventType     string        `yaml:"event_type"`
	MinSeverity   string        `yaml:"min_severity"`
	RecipientKind string        `yaml:"recipient_kind"`
	Recipient     string        `yaml:"recipient"`
	RecipientFrom string        `yaml:"recipient_from"`
	Category      string        `yaml:"category"`
	Priority      int           `yaml:"priority"`
	Title         string        `yaml:"title"`
	Message       string        `yaml:"message"`
	Channels      []string      `yaml:"channels"`
	ExpiresIn     time.Duration `yaml:"expires_in"`
}

// Rule is a compiled RuleConfig.
type Rule struct {
	cfg     RuleConfig
	title   *template.Template
	message *template.Template
}

// CompileRules parses every template up front so a bad rule fails at startup.
func CompileRules(cfgs []RuleConfig) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(cfgs))
	for i, c := range cfgs {
		if c.Name == "" {
			c.Name = fmt.Sprintf("rule-%d", i)
		}
		if c.EventType == "" {
			return nil, fmt.Errorf("rule %s: event_type is required", c.Name)
		}
		if _, err := path.Match(c.EventType, ""); err != nil {
			return nil, fmt.Errorf("rule %s: bad event_type pattern: %w", c.Name, err)
		}
		if c.MinSeverity != "" && !model.Severity(c.MinSeverity).Valid() {
			return nil, fmt.Errorf("rule %s: unknown min_severity %q", c.Name, c.MinSeverity)
		}
		switch {
		case c.RecipientFrom == RecipientFixed && c.Recipient == "":
			return nil, fmt.Errorf("rule %s: recipient or recipient_from is required", c.Name)
		case c.RecipientFrom != RecipientFixed && c.RecipientFrom != RecipientActor &&
			!strings.HasPrefix(c.RecipientFrom, RecipientPayloadPrefix):
			return nil, fmt.Errorf("rule %s: unknown recipient_from %q", c.Name, c.RecipientFrom)
		}
		if strings.TrimSpace(c.Title) == "" {
			return nil, fmt.Errorf("rule %s: title is required", c.Name)
		}
		if c.RecipientKind != "" && !model.RecipientKind(c.RecipientKind).Valid() {
			return nil, fmt.Errorf("rule %s: unknown recipient_kind %q", c.Name, c.RecipientKind)
		}
		if c.Category != "" && !model.NotificationCategory(c.Category).Valid() {
			return nil, fmt.Errorf("rule %s: unknown category %q", c.Name, c.Category)
		}
		if c.Priority != 0 && (c.Priority < model.MinPriority || c.Priority > model.MaxPriority) {
			return nil, fmt.Errorf("rule %s: priority must be between %d and %d", c.Name, model.MinPriority, model.MaxPriority)
		}
		if len(c.Channels) == 0 {
			c.Channels = []string{string(model.ChannelWeb)}
		}
		for _, ch := range c.Channels {
			if !model.Channel(ch).Valid() {
				return nil, fmt.Errorf("rule %s: unknown channel %q", c.Name, ch)
			}
		}
		title, err := template.New(c.Name + ".title").Option("missingkey=zero").Parse(c.Title)
		if err != nil {
			return nil, fmt.Errorf("rule %s: title template: %w", c.Name, err)
		}
		message, err := template.New(c.Name + ".message").Option("missingkey=zero").Parse(c.Message)
		if err != nil {
			return nil, fmt.Errorf("rule %s: message template: %w", c.Name, err)
		}
		rules = append(rules, &Rule{cfg: c, title: title, message: message})
	}
	return rules, nil
}

func (r *Rule) Name() string { return r.cfg.Name }

// Matches reports whether e triggers the rule.
func (r *Rule) Matches(e *model.ActivityEvent) bool {
	ok, _ := path.Match(r.cfg.EventType, e.Type)
	if !ok {
		return false
	}
	return r.cfg.MinSeverity == "" || e.Severity.AtLeast(model.Severity(r.cfg.MinSeverity))
}

func (r *Rule) recipient(e *model.ActivityEvent) string {
	switch {
	case r.cfg.RecipientFrom == RecipientActor:
		return e.ActorID()
	case strings.HasPrefix(r.cfg.RecipientFrom, RecipientPayloadPrefix):
		v, _ := e.Payload[strings.TrimPrefix(r.cfg.RecipientFrom, RecipientPayloadPrefix)].(string)
		return v
	}
	return r.cfg.Recipient
}

// Render builds the notification draft for e. Templates see the event itself,
// e.g. {{.Type}} or {{.Payload.site}}.
func (r *Rule) Render(e *model.ActivityEvent, now time.Time) (*model.NotificationDraft, error) {
	recipient := r.recipient(e)
	if recipient == "" {
		return nil, errNoRecipient
	}
	var title, message bytes.Buffer
	if err := r.title.Execute(&title, e); err != nil {
		return nil, errs.Validation("title", "render rule %s: %v", r.cfg.Name, err)
	}
	if err := r.message.Execute(&message, e); err != nil {
		return nil, errs.Validation("message", "render rule %s: %v", r.cfg.Name, err)
	}

	id := e.ID
	d := &model.NotificationDraft{
		TenantID:      e.TenantID,
		RecipientKind: r.cfg.RecipientKind,
		RecipientID:   recipient,
		Type:          e.Type,
		Category:      r.cfg.Category,
		Priority:      r.cfg.Priority,
		Title:         title.String(),
		Message:       message.String(),
		Content: map[string]interface{}{
			"event_id":   e.ID.String(),
			"event_type": e.Type,
			"rule":       r.cfg.Name,
		},
		Channels:      append([]string(nil), r.cfg.Channels...),
		SourceEventID: &id,
	}
	if e.Entity != nil {
		typ, eid := e.Entity.Type, e.Entity.ID
		d.RelatedType, d.RelatedID = &typ, &eid
	}
	if r.cfg.ExpiresIn > 0 {
		exp := now.Add(r.cfg.ExpiresIn)
		d.ExpiresAt = &exp
	}
	return d, nil
}
