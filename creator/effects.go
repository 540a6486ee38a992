package creator

import (
	"context"
	"log/slog"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/metrics"
)

// applySideEffects runs the post-creation steps: predecessor links,
// template file attachments, predecessor result attachments, checklists
// and questionnaires. All of them are best-effort; the task already
// exists and a failed extra must not unwind it.
func (c *Creator) applySideEffects(ctx context.Context, taskID int, b *build, logger *slog.Logger) {
	for _, predecessorID := range b.predecessorIDs {
		if err := c.portal.DependencyAdd(ctx, taskID, predecessorID); err != nil {
			metrics.SideEffectFailures.WithLabelValues("dependency").Inc()
			logger.Warn("Failed to link predecessor",
				"predecessor_task_id", predecessorID,
				"error", err)
		}
	}

	if b.template != nil {
		c.attachTemplateFiles(ctx, taskID, b.template, logger)
	}
	c.attachPredecessorFiles(ctx, taskID, b.predecessorAttachments, logger)
	if b.template != nil {
		c.createChecklists(ctx, taskID, b.template.Checklists, logger)
		c.addQuestionnaires(ctx, taskID, b.template.Questionnaires, logger)
	}
}

func (c *Creator) attachTemplateFiles(ctx context.Context, taskID int, template *bitrix.Template, logger *slog.Logger) {
	for _, file := range template.Files {
		if !file.ID.Valid() {
			continue
		}
		if err := c.portal.AttachFile(ctx, taskID, file.ID.Int()); err != nil {
			metrics.SideEffectFailures.WithLabelValues("template_file").Inc()
			logger.Warn("Failed to attach template file",
				"file_id", file.ID.Int(),
				"file_name", file.Name,
				"error", err)
		}
	}
}

func (c *Creator) attachPredecessorFiles(ctx context.Context, taskID int, attachments []bitrix.Attachment, logger *slog.Logger) {
	for _, a := range attachments {
		if !a.ID.Valid() {
			continue
		}
		if err := c.portal.AttachFile(ctx, taskID, a.ID.Int()); err != nil {
			metrics.SideEffectFailures.WithLabelValues("predecessor_file").Inc()
			logger.Warn("Failed to attach predecessor result file",
				"file_id", a.ID.Int(),
				"file_name", a.Name,
				"error", err)
		}
	}
}

// createChecklists materializes the template checklist tree: every level-0
// node becomes a group, its direct children become items. Deeper nesting
// is not supported downstream and is skipped.
func (c *Creator) createChecklists(ctx context.Context, taskID int, nodes []bitrix.ChecklistNode, logger *slog.Logger) {
	// template node id -> created downstream group id
	groups := make(map[int]int)

	for _, node := range nodes {
		if node.Tree.Level != 0 {
			continue
		}
		groupID, err := c.portal.ChecklistItemAdd(ctx, taskID, node.Title, 0)
		if err != nil {
			metrics.SideEffectFailures.WithLabelValues("checklist").Inc()
			logger.Warn("Failed to create checklist group",
				"title", node.Title,
				"error", err)
			continue
		}
		groups[node.ID.Int()] = groupID
	}

	for _, node := range nodes {
		if node.Tree.Level == 0 {
			continue
		}
		groupID, ok := groups[node.Tree.ParentID.Int()]
		if !ok {
			// Child of an item, or of a group that failed to create.
			continue
		}
		if _, err := c.portal.ChecklistItemAdd(ctx, taskID, node.Title, groupID); err != nil {
			metrics.SideEffectFailures.WithLabelValues("checklist").Inc()
			logger.Warn("Failed to create checklist item",
				"title", node.Title,
				"group_id", groupID,
				"error", err)
		}
	}
}

func (c *Creator) addQuestionnaires(ctx context.Context, taskID int, set bitrix.QuestionnaireSet, logger *slog.Logger) {
	for _, q := range set.Items {
		if !q.ID.Valid() {
			continue
		}
		if err := c.portal.QuestionnaireAdd(ctx, taskID, q.ID.Int()); err != nil {
			metrics.SideEffectFailures.WithLabelValues("questionnaire").Inc()
			logger.Warn("Failed to add questionnaire",
				"questionnaire_id", q.ID.Int(),
				"error", err)
		}
	}
}
