package pipeline

import (
	"fmt"

	"careerline/internal/domain"
)

func extractPrompt(in Input) string {
	desc := in.Event.PRDescription
	if desc == "" {
		desc = "No description"
	}
	return fmt.Sprintf(`You are analyzing a GitHub Pull Request to extract structured facts.

PR Title: %s
PR Description: %s
PR Author: %s
PR URL: %s

Diff Statistics:
- Files Changed: %d
- Additions: %d
- Deletions: %d
- Total Lines: %d

Diff Content:
`+"```"+`
%s
`+"```"+`

Extract the following structured facts:
1. What technologies, frameworks, or tools were used or modified?
2. What specific changes or contributions were made?
3. What was the business or technical impact?
4. Are there any quantifiable metrics (performance improvements, bug fixes, etc.)?

Provide a structured summary of these facts in JSON format:
{
  "technologies": ["tech1", "tech2"],
  "contributions": ["contribution1", "contribution2"],
  "impact": "description of impact",
  "metrics": "quantifiable metrics if available"
}`,
		in.Event.PRTitle, desc, in.Event.PRAuthor, in.Event.PRURL,
		in.Stats.FilesChanged, in.Stats.Additions, in.Stats.Deletions, in.Stats.TotalLines,
		in.Diff)
}

func synthesizePrompt(event domain.InboundEvent, facts string) string {
	return fmt.Sprintf(`You are creating a structured career asset from extracted PR facts.

PR Context:
- Title: %s
- Author: %s
- URL: %s

Extracted Facts:
%s

Create a structured AssetCard that:
1. Has a concise title (max 100 chars) summarizing the work
2. Has a detailed description (max 500 chars) of what was accomplished
3. Describes the impact (max 300 chars) - business or technical value
4. Lists technologies used (max 10 items)
5. Lists specific contributions (max 5 items)
6. Includes metrics if available (max 200 chars, optional)

Return ONLY valid JSON matching this exact schema:
{
  "title": "string (max 100 chars)",
  "description": "string (max 500 chars)",
  "impact": "string (max 300 chars)",
  "technologies": ["string", ...] (max 10 items),
  "contributions": ["string", ...] (max 5 items),
  "metrics": "string (max 200 chars, optional)"
}

Do not include any additional text or explanation, only the JSON object.`,
		event.PRTitle, event.PRAuthor, event.PRURL, facts)
}
