package creator

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/engine"
	"github.com/imena/camunda-exchanger/mq"
)

// blockSeparator is the horizontal rule between description blocks.
const blockSeparator = "\n\n----------------------------------------\n\n"

// dateLayout is how dates render in descriptions.
const dateLayout = "02.01.2006"

// buildDescription renders the task description: template text,
// questionnaire preview, process variables and predecessor results. Also
// returns the predecessor result attachments for the post-create attach
// pass.
func (c *Creator) buildDescription(ctx context.Context, payload *mq.TaskPayload, template *bitrix.Template, predecessorIDs []int, logger *slog.Logger) (string, []bitrix.Attachment) {
	var blocks []string

	if template != nil && strings.TrimSpace(template.Description) != "" {
		blocks = append(blocks, strings.TrimSpace(template.Description))
	} else if template == nil {
		// Fallback shape: the title doubles as the lead of the description.
		blocks = append(blocks, fallbackTitle(payload))
	}

	if template != nil {
		if block := c.questionnaireBlock(ctx, payload, template.QuestionnairesInDescrip, logger); block != "" {
			blocks = append(blocks, block)
		}
	}

	if block := c.processVariablesBlock(ctx, payload, logger); block != "" {
		blocks = append(blocks, block)
	}

	predecessorBlock, attachments := c.predecessorBlock(ctx, predecessorIDs, logger)
	if predecessorBlock != "" {
		blocks = append(blocks, predecessorBlock)
	}

	return strings.Join(blocks, blockSeparator), attachments
}

// questionnaireBlock previews the template's description questionnaires,
// one bold title per questionnaire and one bullet per question.
func (c *Creator) questionnaireBlock(ctx context.Context, payload *mq.TaskPayload, set bitrix.QuestionnaireSet, logger *slog.Logger) string {
	var b strings.Builder
	for _, q := range set.Items {
		if len(q.Questions) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[B]%s[/B]\n", q.Title)
		for _, question := range q.Questions {
			answer := findAnswer(payload.ProcessVariables, q.Code, question.Code)
			fmt.Fprintf(&b, "• %s: %s\n", question.Name, c.formatAnswer(ctx, question, answer, logger))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// findAnswer locates the answer variable for a question. The key is
// matched by suffix only: the same questionnaire may have been filled on
// an earlier step under a different element id.
func findAnswer(variables map[string]engine.Variable, questionnaireCode, questionCode string) any {
	suffix := "_" + questionnaireCode + "_" + questionCode
	for name, v := range variables {
		if strings.HasSuffix(name, suffix) {
			return v.Value
		}
	}
	return nil
}

// formatAnswer renders one raw answer by question type.
func (c *Creator) formatAnswer(ctx context.Context, question bitrix.Question, raw any, logger *slog.Logger) string {
	switch strings.ToLower(question.Type) {
	case "boolean":
		if raw == nil || raw == "" {
			return "-"
		}
		if bitrix.Truthy(raw) {
			return "Да"
		}
		return "Нет"

	case "date":
		s := rawString(raw)
		if s == "" {
			return "-"
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format(dateLayout)
			}
		}
		return s

	case "user":
		id := rawInt(raw)
		if id <= 0 {
			return rawString(raw)
		}
		user, err := c.portal.UserGet(ctx, id)
		if err != nil {
			logger.Warn("Failed to resolve user for description", "user_id", id, "error", err)
			return strconv.Itoa(id)
		}
		return user.DisplayName()

	case "universal_list":
		id := rawString(raw)
		if id == "" {
			return "-"
		}
		iblockID := optionInt(question.Options, "IBLOCK_ID")
		if iblockID <= 0 {
			return id
		}
		element, err := c.portal.ListElementGet(ctx, iblockID, id)
		if err != nil {
			logger.Warn("Failed to resolve list element for description",
				"iblock_id", iblockID,
				"element_id", id,
				"error", err)
			return id
		}
		return element.Name

	case "integer":
		if n, ok := raw.(float64); ok {
			return strconv.FormatInt(int64(n), 10)
		}
		return rawString(raw)

	default:
		if raw == nil {
			return "-"
		}
		return rawString(raw)
	}
}

// processVariablesBlock lists the process variables the diagram declares
// as display-worthy, in the diagram's sort order.
func (c *Creator) processVariablesBlock(ctx context.Context, payload *mq.TaskPayload, logger *slog.Logger) string {
	props, err := c.portal.DiagramProperties(ctx, payload.ProcessDefinitionKey)
	if err != nil {
		logger.Warn("Failed to load diagram properties for description", "error", err)
		return ""
	}
	if len(props) == 0 {
		return ""
	}

	sort.SliceStable(props, func(i, j int) bool {
		return props[i].Sort < props[j].Sort
	})

	var b strings.Builder
	for _, prop := range props {
		v, ok := payload.ProcessVariables[prop.Code]
		if !ok {
			continue
		}
		value := stringFromVariable(v)
		if value == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", prop.Name, value)
	}
	if b.Len() == 0 {
		return ""
	}
	return "[B]Параметры процесса:[/B]\n" + strings.TrimRight(b.String(), "\n")
}

// predecessorBlock renders the result texts of the predecessor tasks and
// collects their attachments.
func (c *Creator) predecessorBlock(ctx context.Context, predecessorIDs []int, logger *slog.Logger) (string, []bitrix.Attachment) {
	if len(predecessorIDs) == 0 {
		return "", nil
	}

	var b strings.Builder
	var attachments []bitrix.Attachment

	for _, id := range predecessorIDs {
		results, err := c.portal.TaskResults(ctx, id)
		if err != nil {
			logger.Warn("Failed to load predecessor results",
				"predecessor_task_id", id,
				"error", err)
			continue
		}
		if len(results) == 0 {
			continue
		}

		fmt.Fprintf(&b, "\n[B]Задача №%d:[/B]\n", id)
		for _, result := range results {
			if text := strings.TrimSpace(html.UnescapeString(result.Text)); text != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
			for _, a := range result.Attachments {
				fmt.Fprintf(&b, "Файл: %s\n", a.Name)
				attachments = append(attachments, a)
			}
		}
	}

	if b.Len() == 0 {
		return "", nil
	}
	return "[B]Результаты предшествующих задач:[/B]\n" + strings.TrimRight(b.String(), "\n"), attachments
}

func rawString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func rawInt(raw any) int {
	switch v := raw.(type) {
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// optionInt reads an integer option, tolerating case variants and string
// encodings.
func optionInt(options map[string]any, key string) int {
	for _, k := range []string{key, strings.ToLower(key)} {
		if v, ok := options[k]; ok {
			return rawInt(v)
		}
	}
	return 0
}
