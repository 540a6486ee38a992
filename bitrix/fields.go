package bitrix

import (
	"context"
	"fmt"
	"strings"
)

// requiredFields maps each custom task field the exchanger writes or
// reads to the portal field type it must have.
var requiredFields = map[string]string{
	FieldExternalTaskID:    "string",
	FieldElementID:         "string",
	FieldProcessInstanceID: "string",
	FieldResultAnswer:      "enumeration",
	FieldResultQuestion:    "string",
	FieldResultExpected:    "boolean",
}

// CheckRequiredFields verifies the portal exposes every custom task field
// the exchanger depends on, with the right type. Called once at startup;
// a failure must abort the process before any message is consumed.
func (c *Client) CheckRequiredFields(ctx context.Context) error {
	fields, err := c.UserFieldList(ctx)
	if err != nil {
		return fmt.Errorf("list portal task fields: %w", err)
	}

	byName := make(map[string]string, len(fields))
	for _, f := range fields {
		byName[f.FieldName] = f.UserType
	}

	var problems []string
	for name, wantType := range requiredFields {
		gotType, ok := byName[name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("%s is missing (create a %s task field)", name, wantType))
		case gotType != wantType:
			problems = append(problems, fmt.Sprintf("%s has type %s, expected %s", name, gotType, wantType))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("portal is missing required task fields:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
