package dialogue

import (
	"strings"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// RecoveryAction is what the policy decides to do about a degraded round.
type RecoveryAction int

const (
	// ActionRegenerate retries generation once with a stripped-down history
	// window.
	ActionRegenerate RecoveryAction = iota
	// ActionSubstitute replaces the degraded candidates with canned
	// in-character responses keyed on the caregiver's input.
	ActionSubstitute
	// ActionFlag gives up: the session transitions to CONFUSED and the
	// caregiver receives a single apologetic fallback, annotated with the
	// original indicators.
	ActionFlag
)

// substitutableIndicators are content-level failures a canned response set
// can paper over. Structural failures (confused state, collapsed context,
// truncated generation) cannot be fixed by swapping utterances.
var substitutableIndicators = map[models.Indicator]bool{
	models.IndicatorSelfIntroduction: true,
	models.IndicatorGenericResponses: true,
	models.IndicatorFallbackOveruse:  true,
}

// RecoveryPolicy decides, per degraded verdict, whether to regenerate,
// substitute, or flag.
type RecoveryPolicy struct{}

// NewRecoveryPolicy creates the default recovery policy.
func NewRecoveryPolicy() *RecoveryPolicy {
	return &RecoveryPolicy{}
}

// Decide returns the action for the given verdict. attempt counts completed
// generation attempts for this turn: the first degraded result earns one
// bounded regeneration; after that, content-level failures are substituted
// and anything else is flagged.
func (p *RecoveryPolicy) Decide(verdict models.DegradationVerdict, attempt int) RecoveryAction {
	if !verdict.IsDegraded {
		return ActionFlag
	}
	if attempt == 0 {
		return ActionRegenerate
	}
	for _, ind := range verdict.Indicators {
		if !substitutableIndicators[ind] {
			return ActionFlag
		}
	}
	return ActionSubstitute
}

// recoveredContextLabel replaces the reported dialogue context after a
// substitution, so the next round's detector does not see a collapsed label.
const recoveredContextLabel = "已修復的醫療對話"

// SubstituteResponses produces canned in-character patient responses keyed
// on the caregiver's input. These mirror the utterances a post-operative
// patient would plausibly give for the common question categories.
func SubstituteResponses(input string) []string {
	switch {
	case strings.Contains(input, "感覺") || strings.Contains(input, "怎麼樣"):
		return []string{
			"還可以，傷口有點緊繃。",
			"恢復得還不錯，就是有點累。",
			"還行，但有時會覺得不太舒服。",
			"目前狀況還穩定。",
			"感覺比昨天好一些了。",
		}
	case strings.Contains(input, "發燒") || strings.Contains(input, "不舒服"):
		return []string{
			"目前沒有發燒，但傷口周圍有點腫脹。",
			"沒有發燒，但偶爾會覺得有點痛。",
			"體溫正常，就是有些疲勞。",
			"沒有明顯發燒症狀。",
			"目前沒有發燒，但休息不太好。",
		}
	case strings.Contains(input, "症狀"):
		return []string{
			"主要就是傷口有點緊繃感。",
			"偶爾會覺得有點疼痛，其他還好。",
			"就是吃東西時有點困難。",
			"沒有其他特別不舒服的地方。",
			"除了傷口，其他都還正常。",
		}
	case strings.Contains(input, "檢查"):
		return []string{
			"好，都聽你們的安排。",
			"可以，檢查是必要的。",
			"沒問題，什麼時候檢查？",
			"好的，我會配合。",
			"需要做什麼準備嗎？",
		}
	default:
		return []string{
			"好的，我知道了。",
			"嗯，聽起來合理。",
			"我會配合治療的。",
			"謝謝你的關心。",
			"那就麻煩你們了。",
		}
	}
}

// apologeticFallback is the single response returned when recovery gives up
// and the session transitions to CONFUSED.
const apologeticFallback = "抱歉，我現在有點疲倦，想不太起來。可以請您再問一次嗎？"

// audioFailureFallback is the canned response when transcription fails. A
// raw transport error is never surfaced to the caregiver.
const audioFailureFallback = "抱歉，我聽不清楚您剛才說的話，可以再說一次嗎？"
