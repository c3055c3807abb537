// Package risk classifies intents by static keyword rules.
package risk

import (
	"encoding/json"
	"strings"

	"careerline/internal/domain"
)

type Input struct {
	Goal         string
	Constraints  map[string]any
	RepoFullName string
}

type Result struct {
	Level            string `json:"riskLevel"`
	Reason           string `json:"reason"`
	RequiresApproval bool   `json:"requiresApproval"`
}

// Evaluate is pure: equal inputs always produce equal results.
func Evaluate(in Input) Result {
	goal := strings.ToLower(in.Goal)
	repo := strings.ToLower(in.RepoFullName)
	constraints := constraintsText(in.Constraints)

	if strings.Contains(goal, "security") || strings.Contains(repo, "security") || strings.Contains(constraints, "security") {
		return Result{Level: domain.RiskHigh, Reason: "Security-related goal or repo", RequiresApproval: true}
	}
	for _, kw := range []string{"compliance", "audit"} {
		if strings.Contains(goal, kw) || strings.Contains(constraints, kw) {
			return Result{Level: domain.RiskMed, Reason: "Compliance or audit scope", RequiresApproval: true}
		}
	}
	return Result{Level: domain.RiskLow, Reason: "Default", RequiresApproval: false}
}

// RequiresApproval reports whether a stored risk level is gated.
func RequiresApproval(level string) bool {
	return level == domain.RiskMed || level == domain.RiskHigh
}

// constraintsText lowercases the JSON form of c. encoding/json sorts map
// keys, so the text is stable.
func constraintsText(c map[string]any) string {
	if c == nil {
		return "{}"
	}
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(b))
}
