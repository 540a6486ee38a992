package creator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/engine"
	"github.com/imena/camunda-exchanger/mq"
)

// errValidation marks payloads that cannot legally become a downstream
// task. They go to the errors queue, never back onto the work queue.
var errValidation = errors.New("creator: validation failed")

// fallbackAssignee is the portal admin account used when no responsible
// user can be derived at all.
const fallbackAssignee = 1

// Well-known process variables the builder reads.
const (
	varStartedBy    = "startedBy"
	varDeadline     = "deadline"
	varGroupID      = "groupId"
	varParentTaskID = "parentTaskId"
	varDiagramOwner = "diagramOwner"
)

// build is everything assembled for one creation: the task.add field map
// plus the template and predecessor ids the side effects need afterwards.
type build struct {
	fields                 bitrix.NewTaskFields
	template               *bitrix.Template
	predecessorIDs         []int
	predecessorAttachments []bitrix.Attachment
}

// assemble resolves the template, derives the task fields and renders the
// description for one payload.
func (c *Creator) assemble(ctx context.Context, payload *mq.TaskPayload, logger *slog.Logger) (*build, error) {
	responsible, err := c.portal.ResponsibleGet(ctx, payload.ProcessDefinitionKey, payload.ActivityID)
	if err != nil {
		if errors.Is(err, bitrix.ErrUnavailable) {
			return nil, fmt.Errorf("resolve responsible: %w", err)
		}
		logger.Warn("No responsible data for element", "error", err)
		responsible = nil
	}

	template, err := c.resolveTemplate(ctx, payload, responsible, logger)
	if err != nil {
		return nil, err
	}

	initiator := intFromVariable(payload.ProcessVariables[varStartedBy])
	fields := bitrix.NewTaskFields{}

	var deadlineAfter time.Duration
	if template != nil {
		fields["TITLE"] = template.Title
		c.applyTemplateFields(ctx, fields, template, initiator, logger)
		if template.DeadlineAfter.Valid() {
			deadlineAfter = time.Duration(template.DeadlineAfter.Int()) * time.Second
		}
	} else {
		logger.Info("No template for element, using fallback task shape")
		fields["TITLE"] = fallbackTitle(payload)
		fields["CREATED_BY"] = c.resolveRole(ctx, nil, 0, "", initiator, "CREATED_BY", logger)
		fields["RESPONSIBLE_ID"] = c.resolveRole(ctx, nil, 0, "", initiator, "RESPONSIBLE_ID", logger)
		if c.priority > 0 {
			fields["PRIORITY"] = c.priority
		}
	}

	c.applyProcessFields(fields, payload, deadlineAfter, logger)

	if id, ok := fields["RESPONSIBLE_ID"].(int); !ok || id <= 0 {
		return nil, fmt.Errorf("%w: no RESPONSIBLE_ID for task %s element %s",
			errValidation, payload.TaskID, payload.ActivityID)
	}

	predecessorIDs := c.resolvePredecessors(ctx, payload, responsible, logger)
	if len(predecessorIDs) > 0 {
		fields["DEPENDS_ON"] = predecessorIDs
	}

	description, predecessorAttachments := c.buildDescription(ctx, payload, template, predecessorIDs, logger)
	fields["DESCRIPTION"] = description

	// The task must not be closed without a filled result.
	fields["SE_PARAMETER"] = []map[string]any{{"VALUE": "Y", "CODE": 3}}

	return &build{
		fields:                 fields,
		template:               template,
		predecessorIDs:         predecessorIDs,
		predecessorAttachments: predecessorAttachments,
	}, nil
}

// resolveTemplate fetches the element's template, falling back to a lookup
// by template id from the responsible endpoint. nil means fallback shape.
func (c *Creator) resolveTemplate(ctx context.Context, payload *mq.TaskPayload, responsible *bitrix.Responsible, logger *slog.Logger) (*bitrix.Template, error) {
	template, err := c.portal.TemplateGet(ctx, payload.ProcessDefinitionKey, payload.ActivityID)
	if err == nil {
		return template, nil
	}
	if !errors.Is(err, bitrix.ErrNotFound) {
		return nil, fmt.Errorf("fetch template: %w", err)
	}

	if responsible == nil || !responsible.TemplateID.Valid() {
		return nil, nil
	}

	template, err = c.portal.TemplateGetByID(ctx, responsible.TemplateID.Int())
	if err != nil {
		if errors.Is(err, bitrix.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch template %d: %w", responsible.TemplateID.Int(), err)
	}
	return template, nil
}

// applyTemplateFields derives the audience, priority, group, deadline and
// tags from a template.
func (c *Creator) applyTemplateFields(ctx context.Context, fields bitrix.NewTaskFields, template *bitrix.Template, initiator int, logger *slog.Logger) {
	fields["CREATED_BY"] = c.resolveRole(ctx,
		template.CreatedByMembers, template.CreatedBy, template.CreatedByUseSupervisor,
		initiator, "CREATED_BY", logger)
	fields["RESPONSIBLE_ID"] = c.resolveRole(ctx,
		template.ResponsibleMembers, template.ResponsibleID, template.ResponsibleUseSuperv,
		initiator, "RESPONSIBLE_ID", logger)

	if accomplices := c.resolveAudience(ctx, template.Accomplices, template.AccomplicesUseSuperv, initiator, logger); len(accomplices) > 0 {
		fields["ACCOMPLICES"] = accomplices
	}
	if auditors := c.resolveAudience(ctx, template.Auditors, template.AuditorsUseSuperv, initiator, logger); len(auditors) > 0 {
		fields["AUDITORS"] = auditors
	}

	if template.Priority.Valid() {
		fields["PRIORITY"] = template.Priority.Int()
	} else if c.priority > 0 {
		fields["PRIORITY"] = c.priority
	}

	if template.GroupID.Valid() {
		fields["GROUP_ID"] = template.GroupID.Int()
	}

	if len(template.Tags) > 0 {
		names := make([]string, 0, len(template.Tags))
		for _, tag := range template.Tags {
			if tag.Name != "" {
				names = append(names, tag.Name)
			}
		}
		if len(names) > 0 {
			fields["TAGS"] = strings.Join(names, ",")
		}
	}
}

// applyProcessFields derives fields owned by the process context rather
// than the template: linkage custom fields, deadline, group and parent
// fallbacks, and custom fields lifted from extension properties.
func (c *Creator) applyProcessFields(fields bitrix.NewTaskFields, payload *mq.TaskPayload, deadlineAfter time.Duration, logger *slog.Logger) {
	fields[bitrix.FieldExternalTaskID] = payload.TaskID
	fields[bitrix.FieldElementID] = payload.ActivityID
	fields[bitrix.FieldProcessInstanceID] = payload.ProcessInstanceID

	if deadline := deriveDeadline(payload.ProcessVariables[varDeadline], deadlineAfter, time.Now(), logger); !deadline.IsZero() {
		fields["DEADLINE"] = deadline.Format(time.RFC3339)
	}

	// A process that names a diagram owner gets them as the watching
	// auditor when neither template nor promotion produced any.
	if _, ok := fields["AUDITORS"]; !ok {
		if owner := intFromVariable(payload.ProcessVariables[varDiagramOwner]); owner > 0 {
			fields["AUDITORS"] = []int{owner}
		}
	}

	if _, ok := fields["GROUP_ID"]; !ok {
		if groupID := intFromVariable(payload.ProcessVariables[varGroupID]); groupID > 0 {
			fields["GROUP_ID"] = groupID
		}
	}

	if parentID := intFromVariable(payload.ProcessVariables[varParentTaskID]); parentID > 0 {
		fields["PARENT_ID"] = parentID
		fields["SUBORDINATE"] = "Y"
	}

	for name, value := range payload.Metadata.ExtensionProperties {
		if strings.HasPrefix(name, "UF_") && fields[name] == nil {
			fields[name] = value
		}
	}
}

// resolveRole picks the user for CREATED_BY or RESPONSIBLE_ID: concrete
// member, then template scalar, then supervisor promotion, then the
// initiator, then the admin fallback.
func (c *Creator) resolveRole(ctx context.Context, members []bitrix.TemplateMember, scalar bitrix.FlexInt, useSupervisor string, initiator int, role string, logger *slog.Logger) int {
	for _, m := range members {
		if m.ID.Valid() {
			return m.ID.Int()
		}
	}
	if scalar.Valid() {
		return scalar.Int()
	}
	if bitrix.Truthy(useSupervisor) && initiator > 0 {
		if supervisor := c.supervisorOf(ctx, initiator, logger); supervisor > 0 {
			return supervisor
		}
		return initiator
	}
	if initiator > 0 {
		return initiator
	}
	logger.Warn("No user derivable for role, using admin fallback", "role", role)
	return fallbackAssignee
}

// resolveAudience builds an accomplices or auditors list: template members
// plus, on request, the initiator's supervisor.
func (c *Creator) resolveAudience(ctx context.Context, members []bitrix.TemplateMember, useSupervisor string, initiator int, logger *slog.Logger) []int {
	ids := make([]int, 0, len(members)+1)
	seen := make(map[int]bool, len(members)+1)
	for _, m := range members {
		if m.ID.Valid() && !seen[m.ID.Int()] {
			ids = append(ids, m.ID.Int())
			seen[m.ID.Int()] = true
		}
	}
	if bitrix.Truthy(useSupervisor) && initiator > 0 {
		if supervisor := c.supervisorOf(ctx, initiator, logger); supervisor > 0 && !seen[supervisor] {
			ids = append(ids, supervisor)
		}
	}
	return ids
}

func (c *Creator) supervisorOf(ctx context.Context, userID int, logger *slog.Logger) int {
	supervisor, err := c.portal.SupervisorGet(ctx, userID)
	if err != nil {
		logger.Warn("Failed to resolve supervisor", "user_id", userID, "error", err)
		return 0
	}
	return supervisor
}

// resolvePredecessors maps the element's predecessor element ids to the
// downstream tasks created for them in this process instance.
func (c *Creator) resolvePredecessors(ctx context.Context, payload *mq.TaskPayload, responsible *bitrix.Responsible, logger *slog.Logger) []int {
	if responsible == nil || len(responsible.Predecessors) == 0 {
		return nil
	}

	ids := make([]int, 0, len(responsible.Predecessors))
	for _, elementID := range responsible.Predecessors {
		task, err := c.portal.FindByElement(ctx, elementID, payload.ProcessInstanceID)
		if err != nil {
			logger.Warn("Predecessor lookup failed",
				"predecessor_element", elementID,
				"error", err)
			continue
		}
		if task == nil {
			logger.Warn("No downstream task for predecessor element",
				"predecessor_element", elementID)
			continue
		}
		ids = append(ids, task.ID.Int())
	}
	return ids
}

// deriveDeadline picks min(process deadline, now+after); either alone
// wins; neither leaves the deadline unset.
func deriveDeadline(v engine.Variable, after time.Duration, now time.Time, logger *slog.Logger) time.Time {
	var fromProcess time.Time
	if s, ok := v.Value.(string); ok && s != "" {
		t, err := parseDeadline(s)
		if err != nil {
			logger.Warn("Unparseable deadline process variable", "deadline", s, "error", err)
		} else {
			fromProcess = t
		}
	}

	var fromTemplate time.Time
	if after > 0 {
		fromTemplate = now.Add(after)
	}

	switch {
	case fromProcess.IsZero():
		return fromTemplate
	case fromTemplate.IsZero():
		return fromProcess
	case fromTemplate.Before(fromProcess):
		return fromTemplate
	default:
		return fromProcess
	}
}

// parseDeadline accepts engine timestamps and bare local date-times.
func parseDeadline(s string) (time.Time, error) {
	if t, err := engine.ParseTime(s); err == nil {
		return t, nil
	}
	for _, format := range []string{"2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(format, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported deadline format %q", s)
}

// fallbackTitle derives a title when no template exists.
func fallbackTitle(payload *mq.TaskPayload) string {
	if payload.Metadata.Name != "" {
		return payload.Metadata.Name
	}
	return "Задача: " + payload.Topic
}

// intFromVariable reads an integer out of an engine variable, tolerating
// string and float encodings.
func intFromVariable(v engine.Variable) int {
	switch val := v.Value.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// stringFromVariable renders an engine variable value for display.
func stringFromVariable(v engine.Variable) string {
	switch val := v.Value.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "Да"
		}
		return "Нет"
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
