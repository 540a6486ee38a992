// Package bitrix is the HTTP client for the downstream work-management
// system: task creation and inspection, templates, checklists,
// questionnaires and the vendor diagram endpoints.
package bitrix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Custom task fields the exchanger depends on. CheckRequiredFields
// verifies them at startup.
const (
	FieldExternalTaskID    = "UF_EXTERNAL_TASK_ID"
	FieldElementID         = "UF_ELEMENT_ID"
	FieldProcessInstanceID = "UF_PROCESS_INSTANCE_ID"
	FieldResultAnswer      = "UF_RESULT_ANSWER"
	FieldResultQuestion    = "UF_RESULT_QUESTION"
	FieldResultExpected    = "UF_RESULT_EXPECTED"
)

// FlexInt is an integer that the API may serialize as a number or a
// string. Zero when absent or empty.
type FlexInt int64

// UnmarshalJSON accepts 7, "7", "" and null.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse flexible int %q: %w", s, err)
		}
		*f = FlexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexInt(int64(n))
	return nil
}

// Int returns the plain value.
func (f FlexInt) Int() int {
	return int(f)
}

// Valid reports whether the value is a usable positive id.
func (f FlexInt) Valid() bool {
	return f > 0
}

// Truthy reports whether a flag-ish raw value means yes. The portal mixes
// "Y", "1", 1, true and localized variants.
func Truthy(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "y", "yes", "true", "да":
			return true
		}
	}
	return false
}

// Task is the downstream work item as the exchanger observes it.
type Task struct {
	ID                FlexInt `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	Status            FlexInt `json:"status"`
	CreatedBy         FlexInt `json:"createdBy"`
	ResponsibleID     FlexInt `json:"responsibleId"`
	GroupID           FlexInt `json:"groupId"`
	ParentID          FlexInt `json:"parentId"`
	ExternalTaskID    string  `json:"ufExternalTaskId"`
	ElementID         string  `json:"ufElementId"`
	ProcessInstanceID string  `json:"ufProcessInstanceId"`
	ResultAnswer      FlexInt `json:"ufResultAnswer"`
	ResultExpected    any     `json:"ufResultExpected"`
	// ResultAnswerText is filled by the tracker after resolving the
	// answer enum id; it never comes from the API directly.
	ResultAnswerText string `json:"resultAnswerText,omitempty"`
}

// TemplateMember is a user reference inside a template audience list.
type TemplateMember struct {
	ID   FlexInt `json:"ID"`
	Name string  `json:"NAME"`
}

// TemplateTag is a tag attached to a template.
type TemplateTag struct {
	Name string `json:"NAME"`
}

// TemplateFile references a portal file object embedded in a template.
type TemplateFile struct {
	ID   FlexInt `json:"ID"`
	Name string  `json:"NAME"`
}

// ChecklistNode is one row of a template checklist tree.
type ChecklistNode struct {
	ID    FlexInt `json:"ID"`
	Title string  `json:"TITLE"`
	Tree  struct {
		Level    FlexInt `json:"level"`
		ParentID FlexInt `json:"parent_id"`
	} `json:"TREE"`
}

// Question is one question of a questionnaire.
type Question struct {
	Code    string         `json:"CODE"`
	Name    string         `json:"NAME"`
	Type    string         `json:"TYPE"`
	Answer  any            `json:"answer,omitempty"`
	Options map[string]any `json:"OPTIONS,omitempty"`
}

// Questionnaire is a named set of questions.
type Questionnaire struct {
	ID        FlexInt    `json:"ID"`
	Code      string     `json:"CODE"`
	Title     string     `json:"TITLE"`
	Questions []Question `json:"QUESTIONS"`
}

// QuestionnaireSet wraps questionnaire collections in API payloads.
type QuestionnaireSet struct {
	Items []Questionnaire `json:"items"`
}

// Template is the downstream blueprint for a concrete task.
type Template struct {
	ID                      FlexInt          `json:"ID"`
	Title                   string           `json:"TITLE"`
	Description             string           `json:"DESCRIPTION"`
	Priority                FlexInt          `json:"PRIORITY"`
	GroupID                 FlexInt          `json:"GROUP_ID"`
	CreatedBy               FlexInt          `json:"CREATED_BY"`
	CreatedByUseSupervisor  string           `json:"CREATED_BY_USE_SUPERVISOR"`
	ResponsibleID           FlexInt          `json:"RESPONSIBLE_ID"`
	ResponsibleUseSuperv    string           `json:"RESPONSIBLE_USE_SUPERVISOR"`
	DeadlineAfter           FlexInt          `json:"DEADLINE_AFTER"`
	Accomplices             []TemplateMember `json:"ACCOMPLICES"`
	AccomplicesUseSuperv    string           `json:"ACCOMPLICES_USE_SUPERVISOR"`
	Auditors                []TemplateMember `json:"AUDITORS"`
	AuditorsUseSuperv       string           `json:"AUDITORS_USE_SUPERVISOR"`
	CreatedByMembers        []TemplateMember `json:"CREATED_BY_MEMBERS"`
	ResponsibleMembers      []TemplateMember `json:"RESPONSIBLE_MEMBERS"`
	Tags                    []TemplateTag    `json:"TAGS"`
	Files                   []TemplateFile   `json:"FILES"`
	Checklists              []ChecklistNode  `json:"CHECKLISTS"`
	Questionnaires          QuestionnaireSet `json:"QUESTIONNAIRES"`
	QuestionnairesInDescrip QuestionnaireSet `json:"QUESTIONNAIRES_IN_DESCRIPTION"`
}

// DiagramProperty is one process-variable description from the diagram
// properties endpoint.
type DiagramProperty struct {
	Code string  `json:"CODE"`
	Name string  `json:"NAME"`
	Sort FlexInt `json:"SORT"`
}

// Responsible is the vendor responsible endpoint payload: the element's
// assignee, its predecessor element ids and its template id.
type Responsible struct {
	ResponsibleID FlexInt  `json:"RESPONSIBLE_ID"`
	TemplateID    FlexInt  `json:"TEMPLATE_ID"`
	Predecessors  []string `json:"PREDECESSORS"`
}

// Attachment is a file attached to a result comment.
type Attachment struct {
	ID          FlexInt `json:"FILE_ID"`
	Name        string  `json:"NAME"`
	Size        FlexInt `json:"SIZE"`
	DownloadURL string  `json:"DOWNLOAD_URL"`
}

// TaskResult is one entry of a task's result list, enriched with its
// comment's attachments.
type TaskResult struct {
	ID          FlexInt      `json:"ID"`
	CommentID   FlexInt      `json:"COMMENT_ID"`
	Text        string       `json:"TEXT"`
	Attachments []Attachment `json:"ATTACHMENTS,omitempty"`
}

// User is the subset of a portal user the exchanger reads.
type User struct {
	ID       FlexInt `json:"ID"`
	Name     string  `json:"NAME"`
	LastName string  `json:"LAST_NAME"`
}

// DisplayName renders the user for task descriptions.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.Name + " " + u.LastName)
	if name == "" {
		return strconv.FormatInt(int64(u.ID), 10)
	}
	return name
}

// UserField describes one custom task field of the portal.
type UserField struct {
	FieldName string `json:"FIELD_NAME"`
	UserType  string `json:"USER_TYPE_ID"`
}

// ListElement is one element of a universal list.
type ListElement struct {
	ID   FlexInt `json:"ID"`
	Name string  `json:"NAME"`
}

// NewTaskFields is the field map sent to task.add. Keys follow the
// portal's upper-case naming.
type NewTaskFields map[string]any

// Dependency is a Finish-Start predecessor link on a new task.
type Dependency struct {
	DependsOnID FlexInt `json:"DEPENDS_ON_ID"`
	Type        int     `json:"TYPE"`
}

// DependencyFinishStart is the portal's Finish-Start link type.
const DependencyFinishStart = 2
