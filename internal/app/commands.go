package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"moltiki/api/internal/store"
)

// CreateArticleInput carries the full required field set for a new article.
type CreateArticleInput struct {
	Title           string
	Emoji           string
	Summary         string
	Sections        []store.Section
	Categories      []string
	References      []store.Reference
	Infobox         map[string]string
	RelatedArticles []string
}

// UpdateCommand is a typed partial update: one optional field per mutable
// article attribute. A nil pointer means "leave untouched"; a non-nil
// pointer replaces the field wholesale, even when it points at an empty
// value.
type UpdateCommand struct {
	Title           *string
	Emoji           *string
	Summary         *string
	Sections        *[]store.Section
	Categories      *[]string
	References      *[]store.Reference
	Infobox         *map[string]string
	RelatedArticles *[]string
}

var createRequiredFields = []string{"title", "emoji", "summary", "sections", "categories"}

// ParseCreateInput validates a creation body. All validation happens here,
// before the engine sees the input.
func ParseCreateInput(fields map[string]json.RawMessage) (CreateArticleInput, error) {
	missing := make([]string, 0)
	for _, name := range createRequiredFields {
		if isAbsent(fields[name]) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return CreateArticleInput{}, domainError(http.StatusBadRequest, "MISSING_FIELDS",
			"Missing required fields: "+strings.Join(missing, ", "))
	}

	var input CreateArticleInput
	if err := json.Unmarshal(fields["title"], &input.Title); err != nil {
		return CreateArticleInput{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "title must be a string")
	}
	if err := json.Unmarshal(fields["emoji"], &input.Emoji); err != nil {
		return CreateArticleInput{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "emoji must be a string")
	}
	if err := json.Unmarshal(fields["summary"], &input.Summary); err != nil {
		return CreateArticleInput{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "summary must be a string")
	}

	sections, err := parseSections(fields["sections"])
	if err != nil {
		return CreateArticleInput{}, err
	}
	if len(sections) == 0 {
		return CreateArticleInput{}, errInvalidSections("sections must be a non-empty array")
	}
	input.Sections = sections

	if err := json.Unmarshal(fields["categories"], &input.Categories); err != nil {
		return CreateArticleInput{}, domainError(http.StatusBadRequest, "INVALID_CATEGORIES",
			"categories must be a non-empty array of strings")
	}
	if len(input.Categories) == 0 {
		return CreateArticleInput{}, domainError(http.StatusBadRequest, "INVALID_CATEGORIES",
			"categories must be a non-empty array of strings")
	}

	if raw := fields["references"]; !isAbsent(raw) {
		if err := json.Unmarshal(raw, &input.References); err != nil {
			return CreateArticleInput{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "references must be an array")
		}
	}
	if raw := fields["infobox"]; !isAbsent(raw) {
		if err := json.Unmarshal(raw, &input.Infobox); err != nil {
			return CreateArticleInput{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "infobox must be a flat string map")
		}
	}
	if raw := fields["relatedArticles"]; !isAbsent(raw) {
		if err := json.Unmarshal(raw, &input.RelatedArticles); err != nil {
			return CreateArticleInput{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "relatedArticles must be an array of slugs")
		}
	}
	return input, nil
}

// ParseUpdateCommand validates a partial update body. Absent keys leave the
// field untouched; present keys replace, including empty arrays. Any shape
// problem fails the whole command before a single field is applied.
func ParseUpdateCommand(fields map[string]json.RawMessage) (UpdateCommand, error) {
	var cmd UpdateCommand

	if raw, ok := fields["title"]; ok {
		cmd.Title = new(string)
		if err := unmarshalOrZero(raw, cmd.Title); err != nil {
			return UpdateCommand{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "title must be a string")
		}
	}
	if raw, ok := fields["emoji"]; ok {
		cmd.Emoji = new(string)
		if err := unmarshalOrZero(raw, cmd.Emoji); err != nil {
			return UpdateCommand{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "emoji must be a string")
		}
	}
	if raw, ok := fields["summary"]; ok {
		cmd.Summary = new(string)
		if err := unmarshalOrZero(raw, cmd.Summary); err != nil {
			return UpdateCommand{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "summary must be a string")
		}
	}
	if raw, ok := fields["sections"]; ok {
		sections, err := parseSections(raw)
		if err != nil {
			return UpdateCommand{}, err
		}
		cmd.Sections = &sections
	}
	if raw, ok := fields["categories"]; ok {
		categories := make([]string, 0)
		if err := unmarshalOrZero(raw, &categories); err != nil {
			return UpdateCommand{}, domainError(http.StatusBadRequest, "INVALID_CATEGORIES", "categories must be an array of strings")
		}
		cmd.Categories = &categories
	}
	if raw, ok := fields["references"]; ok {
		references := make([]store.Reference, 0)
		if err := unmarshalOrZero(raw, &references); err != nil {
			return UpdateCommand{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "references must be an array")
		}
		cmd.References = &references
	}
	if raw, ok := fields["infobox"]; ok {
		infobox := make(map[string]string)
		if err := unmarshalOrZero(raw, &infobox); err != nil {
			return UpdateCommand{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "infobox must be a flat string map")
		}
		cmd.Infobox = &infobox
	}
	if raw, ok := fields["relatedArticles"]; ok {
		related := make([]string, 0)
		if err := unmarshalOrZero(raw, &related); err != nil {
			return UpdateCommand{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "relatedArticles must be an array of slugs")
		}
		cmd.RelatedArticles = &related
	}
	return cmd, nil
}

// parseSections decodes a section tree and enforces the depth cap:
// sections may carry subsections, subsections may not nest further.
func parseSections(raw json.RawMessage) ([]store.Section, error) {
	sections := make([]store.Section, 0)
	if err := unmarshalOrZero(raw, &sections); err != nil {
		return nil, errInvalidSections("sections must be an array")
	}
	for _, section := range sections {
		for _, subsection := range section.Subsections {
			if len(subsection.Subsections) > 0 {
				return nil, errInvalidSections(fmt.Sprintf(
					"subsection %q may not contain further subsections", subsection.ID))
			}
		}
	}
	return sections, nil
}

func errInvalidSections(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_SECTIONS", message)
}

// unmarshalOrZero treats JSON null as an explicit empty value: the field is
// present, so it still overwrites.
func unmarshalOrZero(raw json.RawMessage, target any) error {
	if isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || isNull(raw)
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
