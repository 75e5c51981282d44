package detection

import (
	"strings"

	"github.com/menta2k/photo-enricher/pkg/types"
)

// SelectNewCategory is the selected_category value that asks for a new category
const SelectNewCategory = "new"

// analysisSchema is the JSON shape the model is asked to return
const analysisSchema = `{
  "ai_name": "Descriptive name for the image",
  "ai_description": "Detailed description of what you see in the image",
  "ai_tags": ["tag1", "tag2", "tag3", "tag4", "tag5"],
  "ai_objects": ["object1", "object2", "object3"],
  "ai_scene_description": "Description of the overall scene and setting",
  "ai_color_palette": ["#rrggbb", "#rrggbb", "#rrggbb", "#rrggbb", "#rrggbb"],
  "ai_emotions": ["emotion1", "emotion2"],
  "ai_confidence_score": 0.95,
  "ai_user_suggested_name": "Short user-friendly name",
  "ai_user_suggested_description": "User-friendly description",
  "ai_user_suggested_tags": ["tag1", "tag2", "tag3"],
  "category_selection": {
    "selected_category": "Category name from the existing list, or \"new\"",
    "new_category_name": "Only when selected_category is \"new\"",
    "new_category_description": "Only when selected_category is \"new\""
  }
}`

const analysisRules = `RULES
1. Describe the image content in detail and factually. Do not guess real identities.
2. Give 5-10 relevant tags.
3. List the 3-5 main objects.
4. Describe the overall scene and setting.
5. Give the 5 dominant colors as hex codes.
6. Give 2-3 emotions or moods the image conveys.
7. ai_confidence_score is a number between 0.0 and 1.0.
8. Suggest a user-friendly name, description and tags.
9. Pick the most appropriate category from EXISTING CATEGORIES using its exact name.
10. Only if none fits, set selected_category to "new" and provide new_category_name and new_category_description.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// BuildPrompt returns the analysis prompt listing the known categories
func BuildPrompt(categories []types.KnownCategory) string {
	var b strings.Builder
	b.WriteString("You are an expert image analyst. Analyze the provided image and return JSON only, with this structure:\n\n")
	b.WriteString(analysisSchema)
	b.WriteString("\n\nEXISTING CATEGORIES: ")

	names := make([]string, 0, len(categories))
	for _, c := range categories {
		if name := strings.TrimSpace(c.Name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		b.WriteString("None")
	} else {
		b.WriteString(strings.Join(names, ", "))
	}

	b.WriteString("\n\n")
	b.WriteString(analysisRules)
	return b.String()
}
