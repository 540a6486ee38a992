package engine

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Metadata is the diagram-level information the exchanger extracts for one
// BPMN element: extension properties, documentation and display name.
type Metadata struct {
	Name                string            `json:"name"`
	Documentation       string            `json:"documentation"`
	ExtensionProperties map[string]string `json:"extensionProperties"`
}

// Activity element types whose metadata is collected. Flow elements like
// gateways and events carry no task templates and are skipped.
var supportedActivities = map[string]bool{
	"task":             true,
	"userTask":         true,
	"serviceTask":      true,
	"sendTask":         true,
	"receiveTask":      true,
	"scriptTask":       true,
	"manualTask":       true,
	"businessRuleTask": true,
	"callActivity":     true,
}

// ParseDiagram extracts per-element metadata from BPMN 2.0 XML. Namespace
// prefixes vary between modelers, so elements are matched by local name.
func ParseDiagram(bpmnXML string) (map[string]Metadata, error) {
	decoder := xml.NewDecoder(strings.NewReader(bpmnXML))
	elements := make(map[string]Metadata)

	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse BPMN XML: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || !supportedActivities[start.Name.Local] {
			continue
		}

		id := attr(start, "id")
		if id == "" {
			if err := decoder.Skip(); err != nil {
				return nil, fmt.Errorf("parse BPMN XML: %w", err)
			}
			continue
		}

		meta, err := parseActivity(decoder, start)
		if err != nil {
			return nil, err
		}
		elements[id] = meta
	}

	return elements, nil
}

// parseActivity consumes one activity element, collecting documentation
// and camunda extension properties until the matching end tag.
func parseActivity(decoder *xml.Decoder, start xml.StartElement) (Metadata, error) {
	meta := Metadata{
		Name:                attr(start, "name"),
		ExtensionProperties: make(map[string]string),
	}
	depth := 1

	for depth > 0 {
		tok, err := decoder.Token()
		if err != nil {
			return meta, fmt.Errorf("parse activity %s: %w", attr(start, "id"), err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "documentation":
				// Documentation only counts on the activity itself, not on
				// nested elements of a call activity.
				if depth == 1 {
					var text string
					if err := decoder.DecodeElement(&text, &el); err != nil {
						return meta, fmt.Errorf("decode documentation: %w", err)
					}
					meta.Documentation = strings.TrimSpace(text)
					continue
				}
				depth++
			case "property":
				name := attr(el, "name")
				if name != "" {
					meta.ExtensionProperties[name] = attr(el, "value")
				}
				depth++
			default:
				depth++
			}
		case xml.EndElement:
			depth--
		}
	}

	return meta, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
