package pipeline

import (
	"fmt"
	"unicode/utf8"

	"careerline/internal/domain"
)

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 500
	MaxImpactLength      = 300
	MaxMetricsLength     = 200
	MaxTechnologies      = 10
	MaxContributions     = 5
)

// ValidateCard checks a decoded candidate against the artifact schema.
// A nil result means the card is valid.
func ValidateCard(card map[string]any) []domain.ValidationError {
	if card == nil {
		return []domain.ValidationError{{Field: "root", Message: "AssetCard data must be an object"}}
	}
	var errs []domain.ValidationError
	add := func(field, msg string) {
		errs = append(errs, domain.ValidationError{Field: field, Message: msg})
	}

	requiredString(card, "title", "Title", MaxTitleLength, add)
	requiredString(card, "description", "Description", MaxDescriptionLength, add)
	requiredString(card, "impact", "Impact", MaxImpactLength, add)
	stringList(card, "technologies", "Technologies", "technologies", MaxTechnologies, add)
	stringList(card, "contributions", "Contributions", "contributions", MaxContributions, add)

	// null is treated like an absent key
	if raw, ok := card["metrics"]; ok && raw != nil {
		s, isString := raw.(string)
		switch {
		case !isString:
			add("metrics", "Metrics must be a string if provided")
		case utf8.RuneCountInString(s) > MaxMetricsLength:
			add("metrics", fmt.Sprintf("Metrics must be %d characters or less", MaxMetricsLength))
		}
	}
	return errs
}

func requiredString(card map[string]any, field, label string, limit int, add func(string, string)) {
	s, ok := card[field].(string)
	if !ok || s == "" {
		add(field, label+" is required and must be a string")
		return
	}
	if utf8.RuneCountInString(s) > limit {
		add(field, fmt.Sprintf("%s must be %d characters or less", label, limit))
	}
}

func stringList(card map[string]any, field, label, plural string, limit int, add func(string, string)) {
	items, ok := card[field].([]any)
	if !ok {
		add(field, label+" must be an array")
		return
	}
	switch {
	case len(items) == 0:
		add(field, label+" must contain at least one item")
	case len(items) > limit:
		add(field, fmt.Sprintf("%s must contain %d items or less", label, limit))
	default:
		for _, item := range items {
			if _, ok := item.(string); !ok {
				add(field, "All "+plural+" must be strings")
				return
			}
		}
	}
}

// FormatErrors renders errors as "field: message".
func FormatErrors(errs []domain.ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field+": "+e.Message)
	}
	return out
}

// Card is a candidate coerced onto typed fields. Missing or mistyped
// values become zero values.
type Card struct {
	Title         string
	Description   string
	Impact        string
	Technologies  []string
	Contributions []string
	Metrics       *string
}

func Coerce(card map[string]any) Card {
	c := Card{
		Title:         asString(card["title"]),
		Description:   asString(card["description"]),
		Impact:        asString(card["impact"]),
		Technologies:  asStrings(card["technologies"]),
		Contributions: asStrings(card["contributions"]),
	}
	if m, ok := card["metrics"].(string); ok && m != "" {
		c.Metrics = &m
	}
	return c
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
