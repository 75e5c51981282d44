package detection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/menta2k/photo-enricher/pkg/types"
)

// analysisPayload mirrors the analysis JSON schema. Every field type decodes
// leniently so a well-formed object never fails on a wrongly typed value.
type analysisPayload struct {
	Name                 lenientString   `json:"ai_name"`
	Description          lenientString   `json:"ai_description"`
	Tags                 lenientStrings  `json:"ai_tags"`
	Objects              lenientStrings  `json:"ai_objects"`
	SceneDescription     lenientString   `json:"ai_scene_description"`
	ColorPalette         lenientStrings  `json:"ai_color_palette"`
	Emotions             lenientStrings  `json:"ai_emotions"`
	Confidence           lenientFloat    `json:"ai_confidence_score"`
	SuggestedName        lenientString   `json:"ai_user_suggested_name"`
	SuggestedDescription lenientString   `json:"ai_user_suggested_description"`
	SuggestedTags        lenientStrings  `json:"ai_user_suggested_tags"`
	Category             categoryPayload `json:"category_selection"`
}

type categoryPayload struct {
	valid          bool
	Selected       lenientString `json:"selected_category"`
	NewName        lenientString `json:"new_category_name"`
	NewDescription lenientString `json:"new_category_description"`
}

// UnmarshalJSON accepts only an object; anything else leaves the selection unset.
func (c *categoryPayload) UnmarshalJSON(data []byte) error {
	if !isJSONObject(data) {
		return nil
	}
	type plain categoryPayload
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	*c = categoryPayload(p)
	c.valid = true
	return nil
}

type lenientString string

// UnmarshalJSON keeps strings, renders numbers and booleans as text and drops
// everything else.
func (s *lenientString) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		*s = lenientString(strings.TrimSpace(t))
	case float64:
		*s = lenientString(strconv.FormatFloat(t, 'f', -1, 64))
	case bool:
		*s = lenientString(strconv.FormatBool(t))
	}
	return nil
}

type lenientStrings []string

// UnmarshalJSON keeps the string elements of an array. A non-array value
// decodes as an empty list.
func (l *lenientStrings) UnmarshalJSON(data []byte) error {
	var items []interface{}
	if err := json.Unmarshal(data, &items); err != nil {
		*l = nil
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

type lenientFloat float64

// UnmarshalJSON accepts numbers and numeric strings; anything else is 0.
// Values beyond the float64 range decode to ±Inf.
func (f *lenientFloat) UnmarshalJSON(data []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case json.Number:
		if n, ok := parseFloat(t.String()); ok {
			*f = lenientFloat(n)
		}
	case string:
		if n, ok := parseFloat(strings.TrimSpace(t)); ok {
			*f = lenientFloat(n)
		}
	}
	return nil
}

func parseFloat(s string) (float64, bool) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	return n, true
}

// Validate turns raw model output into an AnalysisResult. It never fails:
// unparsable output yields a failure result carrying the parse error.
func Validate(raw string) types.AnalysisResult {
	payload, err := parse(raw)
	if err != nil {
		return Failure(fmt.Sprintf("failed to parse JSON from AI response: %v", err))
	}

	return types.AnalysisResult{
		Name:                 string(payload.Name),
		Description:          string(payload.Description),
		Tags:                 cleanList(payload.Tags),
		Objects:              cleanList(payload.Objects),
		SceneDescription:     string(payload.SceneDescription),
		ColorPalette:         cleanList(payload.ColorPalette),
		Emotions:             cleanList(payload.Emotions),
		Confidence:           clamp(float64(payload.Confidence), 0, 1),
		SuggestedName:        string(payload.SuggestedName),
		SuggestedDescription: string(payload.SuggestedDescription),
		SuggestedTags:        cleanList(payload.SuggestedTags),
		Category:             selection(payload.Category),
		Success:              true,
	}
}

// Failure builds a fully populated failed result
func Failure(message string) types.AnalysisResult {
	if strings.TrimSpace(message) == "" {
		message = "analysis failed"
	}
	return types.AnalysisResult{
		Tags:          []string{},
		Objects:       []string{},
		ColorPalette:  []string{},
		Emotions:      []string{},
		SuggestedTags: []string{},
		Category:      types.Existing(types.FallbackCategory),
		Success:       false,
		ErrorMessage:  message,
	}
}

func parse(raw string) (analysisPayload, error) {
	var payload analysisPayload
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return payload, errors.New("empty response")
	}

	err := decodeObject([]byte(trimmed), &payload)
	if err == nil {
		return payload, nil
	}

	cleaned := sanitizeModelJSON(trimmed)
	if cleaned == trimmed {
		return payload, err
	}
	payload = analysisPayload{}
	if err2 := decodeObject([]byte(cleaned), &payload); err2 != nil {
		return payload, err2
	}
	return payload, nil
}

func decodeObject(data []byte, payload *analysisPayload) error {
	if !isJSONObject(data) {
		if json.Valid(data) {
			return errors.New("response is not a JSON object")
		}
		var v interface{}
		return json.Unmarshal(data, &v)
	}
	return json.Unmarshal(data, payload)
}

func isJSONObject(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '{'
}

// selection maps the payload's category block onto a CategorySelection
func selection(c categoryPayload) types.CategorySelection {
	if !c.valid {
		return types.Existing(types.FallbackCategory)
	}
	selected := string(c.Selected)
	if strings.EqualFold(selected, SelectNewCategory) {
		name := string(c.NewName)
		if name == "" {
			return types.Existing(types.FallbackCategory)
		}
		return types.New(name, string(c.NewDescription))
	}
	if selected == "" {
		return types.Existing(types.FallbackCategory)
	}
	return types.Existing(selected)
}

// cleanList trims entries and drops blanks and case-insensitive duplicates
func cleanList(items []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
