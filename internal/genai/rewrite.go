package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// DefaultPolicyBrief is the fixed safety brief for the sensitive-question
// rewrite step. It preserves clinical intent while steering the wording away
// from regulated-substance and record-falsification phrasing.
const DefaultPolicyBrief = `請扮演臨床安全顧問，協助護理人員將問題改寫為符合醫療政策且尊重病患的表達。
- 僅處理合法、安全的醫療照護請求。
- 禁止提供違規藥品、違反醫囑或更改病歷的指示。
- 若原始提問已合規，sensitivity_flag 回覆 NO 並保持空白的改寫欄位。
- 如需改寫，保留原意並加入明確的安全說明。
- 保持語氣溫和，避免指責。`

const rewriteSystemPromptTemplate = `%s

僅輸出一個 JSON 物件，格式如下：
{"analysis": "...", "sensitivity_flag": "YES 或 NO", "rewritten_question": "...", "sensitivity_reason": "...", "reassurance_message": "..."}`

const rewriteUserPromptTemplate = `原始提問：%s
近期對話摘要：%s
病患姓名：%s
病患角色描述：%s`

// rewriteReply mirrors the JSON contract of the rewrite prompt.
type rewriteReply struct {
	Analysis          string `json:"analysis"`
	SensitivityFlag   string `json:"sensitivity_flag"`
	RewrittenQuestion string `json:"rewritten_question"`
	SensitivityReason string `json:"sensitivity_reason"`
	Reassurance       string `json:"reassurance_message"`
}

// RewriteSensitiveQuestion audits a refused caregiver question and proposes a
// policy-compliant rephrasing plus a caregiver-facing reassurance message.
// This is a single-shot call with no internal retry.
func (c *Client) RewriteSensitiveQuestion(ctx context.Context, originalQuestion, conversationSummary, characterName, characterPersona string) (*models.RewriteResult, error) {
	originalQuestion = strings.TrimSpace(originalQuestion)
	if originalQuestion == "" {
		return nil, fmt.Errorf("%w: empty original question", models.ErrEmptyInput)
	}

	summary := strings.TrimSpace(conversationSummary)
	if summary == "" {
		summary = "(無近期對話摘要)"
	}
	if characterName == "" {
		characterName = "病患"
	}
	if characterPersona == "" {
		characterPersona = "住院中的病患"
	}

	slog.Debug("genai.RewriteSensitiveQuestion: rewriting", "questionLength", len(originalQuestion), "character", characterName)

	systemPrompt := fmt.Sprintf(rewriteSystemPromptTemplate, DefaultPolicyBrief)
	userPrompt := fmt.Sprintf(rewriteUserPromptTemplate, originalQuestion, summary, characterName, characterPersona)

	content, err := c.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("rewrite completion failed: %w", err)
	}

	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in rewrite completion")
	}
	var reply rewriteReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("failed to decode rewrite result: %w", err)
	}

	result := &models.RewriteResult{
		Sensitive:         parseSensitivityFlag(reply.SensitivityFlag),
		RewrittenQuestion: strings.TrimSpace(reply.RewrittenQuestion),
		Reason:            strings.TrimSpace(reply.SensitivityReason),
		Reassurance:       strings.TrimSpace(reply.Reassurance),
		Analysis:          strings.TrimSpace(reply.Analysis),
	}
	slog.Debug("genai.RewriteSensitiveQuestion: rewrite complete", "sensitive", result.Sensitive, "hasRewrite", result.RewrittenQuestion != "")
	return result, nil
}

// parseSensitivityFlag interprets the model's YES/NO flag leniently.
func parseSensitivityFlag(flag string) bool {
	switch strings.ToUpper(strings.TrimSpace(flag)) {
	case "YES", "Y", "TRUE", "是":
		return true
	default:
		return false
	}
}
