package dialogue

import (
	"strings"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// DetectorInput is everything the degradation detector looks at for one
// round. The detector is a pure function of this value: identical inputs
// always yield an identical verdict.
type DetectorInput struct {
	Round      int
	Candidates []string
	// State is the dialogue state reported by the generation collaborator.
	State string
	// Context is the dialogue context reported by the generation collaborator.
	Context string
}

// ---- Phrase tables ----

// selfIntroPatterns mark the model re-announcing its identity instead of
// continuing in character, a sign of lost context.
var selfIntroPatterns = []string{
	"我是Patient",
	"您好，我是",
	"我是病患",
}

// genericPatterns mark filler/deflection utterances with no clinical content.
var genericPatterns = []string{
	"我可能沒有完全理解",
	"能請您換個方式說明",
	"您需要什麼幫助嗎",
}

// fallbackPatterns mark stock apology/clarification responses. One per round
// is tolerated; two or more in the same round means the model has nothing
// useful to say.
var fallbackPatterns = []string{
	"抱歉",
	"不好意思",
	"請您再說一次",
	"我需要一點時間思考",
}

// criticalEarlyRounds is the window in which a lone candidate indicates
// truncated generation; multiple options are expected by design early on.
const criticalEarlyRounds = 3

// genericContextAfterRound is the round after which a collapsed generic
// context counts as regression. Context should specialize, not regress, as
// a conversation progresses.
const genericContextAfterRound = 2

// detectorRule pairs an indicator tag with its predicate. The predicate
// returns the candidate strings (or reported values) that triggered the tag,
// or nil when the rule does not fire. A flat table keeps the heuristics
// independently testable; is_degraded is true if any rule fires.
type detectorRule struct {
	tag  models.Indicator
	eval func(in DetectorInput) []string
}

var detectorRules = []detectorRule{
	{
		tag: models.IndicatorSelfIntroduction,
		eval: func(in DetectorInput) []string {
			return matchingCandidates(in.Candidates, selfIntroPatterns, 1)
		},
	},
	{
		tag: models.IndicatorConfusedState,
		eval: func(in DetectorInput) []string {
			if in.State == models.DialogueStateConfused {
				return []string{in.State}
			}
			return nil
		},
	},
	{
		tag: models.IndicatorGenericResponses,
		eval: func(in DetectorInput) []string {
			return matchingCandidates(in.Candidates, genericPatterns, 1)
		},
	},
	{
		tag: models.IndicatorFallbackOveruse,
		eval: func(in DetectorInput) []string {
			return matchingCandidates(in.Candidates, fallbackPatterns, 2)
		},
	},
	{
		tag: models.IndicatorContextDegradation,
		eval: func(in DetectorInput) []string {
			if in.Round > genericContextAfterRound && in.Context == models.GenericContextLabel {
				return []string{in.Context}
			}
			return nil
		},
	},
	{
		tag: models.IndicatorSingleResponse,
		eval: func(in DetectorInput) []string {
			if in.Round <= criticalEarlyRounds && len(in.Candidates) == 1 {
				return []string{in.Candidates[0]}
			}
			return nil
		},
	},
}

// matchingCandidates returns the candidates containing any of the given
// patterns, or nil when fewer than min matched.
func matchingCandidates(candidates, patterns []string, min int) []string {
	var matched []string
	for _, cand := range candidates {
		for _, pattern := range patterns {
			if strings.Contains(cand, pattern) {
				matched = append(matched, cand)
				break
			}
		}
	}
	if len(matched) < min {
		return nil
	}
	return matched
}

// Detect audits one round's raw candidate list and the model-reported state
// and context, and returns the verdict with per-indicator evidence. Each
// failure mode has a distinct remediation, so the verdict reports which
// indicators fired rather than a single score.
func Detect(in DetectorInput) models.DegradationVerdict {
	verdict := models.DegradationVerdict{}
	for _, rule := range detectorRules {
		evidence := rule.eval(in)
		if evidence == nil {
			continue
		}
		verdict.IsDegraded = true
		verdict.Indicators = append(verdict.Indicators, rule.tag)
		if verdict.Evidence == nil {
			verdict.Evidence = make(map[models.Indicator][]string)
		}
		verdict.Evidence[rule.tag] = evidence
	}
	return verdict
}
