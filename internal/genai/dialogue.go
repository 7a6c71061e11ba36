package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// dialogueSystemPromptTemplate instructs the model to stay in character and
// answer with a strict JSON object. The patient always replies in zh-TW.
const dialogueSystemPromptTemplate = `你是一位住院病患的角色扮演者，正在與護理人員對話。

角色資訊：
姓名：%s
角色描述：%s
背景故事：%s
對話目標：%s
%s
規則：
- 每次提供 3 到 5 個不同的、符合角色設定的回應選項。
- 以病患的第一人稱口吻回答，不要自我介紹，不要提及自己是 AI。
- 同時判斷目前的對話狀態（NORMAL、TRANSITIONING、CONFUSED、TERMINATED）
  與對話情境（例如：醫師查房、身體評估、檢查相關）。
- 僅輸出一個 JSON 物件，格式如下：
  {"responses": ["...", "..."], "state": "NORMAL", "dialogue_context": "醫師查房"}`

// GenerateCandidates asks the model for candidate patient utterances given
// the character profile, the bounded history window, and the new caregiver
// input. A policy refusal is reported as models.ErrPolicyRefusal so the
// caller can invoke the sensitive-question guard; any other failure is a
// plain collaborator error.
func (c *Client) GenerateCandidates(ctx context.Context, req models.GenerationRequest) (*models.GenerationResult, error) {
	if req.Profile == nil {
		return nil, fmt.Errorf("generation request missing character profile")
	}
	slog.Debug("genai.GenerateCandidates: generating", "character", req.Profile.Name, "historyLines", len(req.History), "inputLength", len(req.Input))

	systemPrompt := buildDialogueSystemPrompt(req.Profile)
	userPrompt := buildDialogueUserPrompt(req.History, req.Input)

	content, err := c.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	result, err := parseGenerationResult(content)
	if err != nil {
		slog.Warn("genai.GenerateCandidates: unparseable completion, treating as single candidate", "error", err)
		// A non-JSON reply is still a usable utterance; downstream quality
		// checks decide whether a lone candidate is acceptable.
		return &models.GenerationResult{
			Candidates: []string{strings.TrimSpace(content)},
			State:      models.DialogueStateNormal,
			Context:    models.GenericContextLabel,
		}, nil
	}

	slog.Debug("genai.GenerateCandidates: generated", "candidates", len(result.Candidates), "state", result.State, "context", result.Context)
	return result, nil
}

func buildDialogueSystemPrompt(profile *models.CharacterProfile) string {
	var details strings.Builder
	if len(profile.FixedSettings) > 0 {
		details.WriteString("固定設定（不可改變的臨床事實）：\n")
		writeSettings(&details, profile.FixedSettings)
	}
	if len(profile.FloatingSettings) > 0 {
		details.WriteString("浮動設定（目前狀態）：\n")
		writeSettings(&details, profile.FloatingSettings)
	}
	return fmt.Sprintf(dialogueSystemPromptTemplate,
		profile.Name, profile.Persona, profile.Backstory, profile.Goal, details.String())
}

// writeSettings emits key:value lines in a stable order so identical profiles
// always produce identical prompts.
func writeSettings(b *strings.Builder, settings map[string]string) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", k, settings[k])
	}
}

func buildDialogueUserPrompt(history []string, input string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("最近的對話紀錄：\n")
		for _, line := range history {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("護理人員: ")
	b.WriteString(input)
	return b.String()
}

// parseGenerationResult decodes the model's JSON reply. Models occasionally
// wrap the object in markdown fences or prose, so the first balanced object
// is extracted before decoding.
func parseGenerationResult(content string) (*models.GenerationResult, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in completion")
	}

	var result models.GenerationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to decode generation result: %w", err)
	}

	cleaned := result.Candidates[:0]
	for _, cand := range result.Candidates {
		cand = strings.TrimSpace(cand)
		if cand != "" {
			cleaned = append(cleaned, cand)
		}
	}
	result.Candidates = cleaned
	if len(result.Candidates) == 0 {
		return nil, models.ErrNoChoicesReturned
	}
	if len(result.Candidates) > models.MaxCandidateCount {
		result.Candidates = result.Candidates[:models.MaxCandidateCount]
	}

	if result.State == "" {
		result.State = models.DialogueStateNormal
	}
	if result.Context == "" {
		result.Context = models.GenericContextLabel
	}
	return &result, nil
}

// extractJSONObject returns the first top-level {...} span in s, or "".
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
