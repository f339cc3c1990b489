package pat

import (
	"context"
	"log"
	"slices"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/joelkehle/pat/internal/assistant"
	"github.com/joelkehle/pat/internal/telemetry"
)

// EnsureAssistant makes sure exactly one assistant with the configured name
// exists and carries the session's files, model and instructions. It creates
// the assistant only when absent and updates it only when it differs. Extra
// assistants sharing the name are deleted, oldest one kept.
func (s *Session) EnsureAssistant(ctx context.Context) (id string, err error) {
	spec := assistant.Spec{
		Name:         s.cfg.AssistantName,
		Model:        s.cfg.Model,
		Instructions: s.cfg.Instructions,
		FileIDs:      s.PatentFiles(),
	}
	ctx, span := telemetry.StartSpan(ctx, "pat.ensure_assistant", attribute.String("pat.assistant", spec.Name))
	defer func() { telemetry.EndSpan(span, err) }()

	all, err := s.api.ListAssistants(ctx)
	if err != nil {
		return "", err
	}
	var named []assistant.Assistant
	for _, a := range all {
		if a.Name == spec.Name {
			named = append(named, a)
		}
	}
	sort.SliceStable(named, func(i, j int) bool { return named[i].CreatedAt < named[j].CreatedAt })

	var current assistant.Assistant
	switch {
	case len(named) == 0:
		current, err = s.api.CreateAssistant(ctx, spec)
		if err != nil {
			return "", err
		}
		log.Printf("pat created assistant %q (%s)", spec.Name, current.ID)
	default:
		current = named[0]
		for _, extra := range named[1:] {
			if err := s.api.DeleteAssistant(ctx, extra.ID); err != nil && !assistant.IsNotFound(err) {
				return "", err
			}
			log.Printf("pat removed duplicate assistant %q (%s)", spec.Name, extra.ID)
		}
		if assistantDiffers(current, spec) {
			current, err = s.api.UpdateAssistant(ctx, current.ID, spec)
			if err != nil {
				return "", err
			}
			log.Printf("pat updated assistant %q (%s) files=%v", spec.Name, current.ID, spec.FileIDs)
		}
	}

	s.mu.Lock()
	s.assistantID = current.ID
	s.mu.Unlock()
	return current.ID, nil
}

// CreateAssistant is EnsureAssistant under its historical name.
func (s *Session) CreateAssistant(ctx context.Context) (string, error) {
	return s.EnsureAssistant(ctx)
}

func assistantDiffers(a assistant.Assistant, spec assistant.Spec) bool {
	if a.Model != spec.Model || a.Instructions != spec.Instructions {
		return true
	}
	have := slices.Clone(a.FileIDs)
	want := slices.Clone(spec.FileIDs)
	slices.Sort(have)
	slices.Sort(want)
	return !slices.Equal(slices.Compact(have), slices.Compact(want))
}
