package llm

import (
	"regexp"
	"strconv"
	"strings"
)

// signalPattern matches SIGNAL lines emitted by the model, with an optional
// value after a second colon.
var signalPattern = regexp.MustCompile(`(?m)^SIGNAL:\s*(\w+)(?::(.+))?$`)

// confidencePattern matches the model's self-rated confidence in a captured
// answer, on its own line next to the SIGNAL lines.
var confidencePattern = regexp.MustCompile(`(?m)^CONFIDENCE:\s*([0-9]*\.?[0-9]+)\s*$`)

// defaultConfidence is assumed when an answer is captured without an
// explicit CONFIDENCE line.
const defaultConfidence = 0.5

var signalNames = map[string]ControlSignal{
	"CONSENT_ACCEPTED":      SignalConsentAccepted,
	"CONSENT_REFUSED":       SignalConsentRefused,
	"MOVE_TO_NEXT_QUESTION": SignalMoveToNext,
	"REPEAT_QUESTION":       SignalRepeatQuestion,
	"ANSWER_CAPTURED":       SignalAnswerCaptured,
	"SURVEY_COMPLETE":       SignalSurveyComplete,
	"UNCLEAR_RESPONSE":      SignalUnclearResponse,
}

// ParsedResponse is a model response split into spoken content and signals.
type ParsedResponse struct {
	Content            string
	Signals            []ControlSignal
	CapturedAnswer     string
	CapturedConfidence float64
}

// ParseResponse extracts control signals from a raw model response and strips
// the signal lines from the spoken content. When the model emitted no explicit
// signals, a small set of signals is inferred from the content itself.
func ParseResponse(raw string) ParsedResponse {
	var (
		signals        []ControlSignal
		capturedAnswer string
	)

	for _, match := range signalPattern.FindAllStringSubmatch(raw, -1) {
		name := strings.ToUpper(strings.TrimSpace(match[1]))
		signal, ok := signalNames[name]
		if !ok {
			continue
		}
		signals = append(signals, signal)
		if signal == SignalAnswerCaptured && match[2] != "" {
			capturedAnswer = strings.TrimSpace(match[2])
		}
	}

	confidence := defaultConfidence
	if match := confidencePattern.FindStringSubmatch(raw); match != nil {
		if v, err := strconv.ParseFloat(match[1], 64); err == nil {
			confidence = clampConfidence(v)
		}
	}

	content := strings.TrimSpace(signalPattern.ReplaceAllString(raw, ""))
	content = strings.TrimSpace(confidencePattern.ReplaceAllString(content, ""))

	if len(signals) == 0 {
		signals = inferSignals(content)
	}

	return ParsedResponse{
		Content:            content,
		Signals:            signals,
		CapturedAnswer:     capturedAnswer,
		CapturedConfidence: confidence,
	}
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var consentPositive = []string{
	"thank you for agreeing",
	"great, let's begin",
	"wonderful, i'll start",
	"perfect, here's the first",
}

var consentNegative = []string{
	"thank you for your time",
	"i understand",
	"no problem",
	"have a good day",
}

func inferSignals(content string) []ControlSignal {
	var signals []ControlSignal
	lower := strings.ToLower(content)

	for _, pattern := range consentPositive {
		if strings.Contains(lower, pattern) {
			signals = append(signals, SignalConsentAccepted)
			break
		}
	}

	for _, pattern := range consentNegative {
		if strings.Contains(lower, pattern) && !strings.Contains(lower, "first question") {
			signals = append(signals, SignalConsentRefused)
			break
		}
	}

	if strings.Contains(lower, "let me repeat") || strings.Contains(lower, "i'll ask again") {
		signals = append(signals, SignalRepeatQuestion)
	}

	if strings.Contains(lower, "thank you for completing") || strings.Contains(lower, "survey is complete") {
		signals = append(signals, SignalSurveyComplete)
	}

	return signals
}
