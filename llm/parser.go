package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxSeverity is the upper bound of the finding severity scale.
const MaxSeverity = 5

// ParseError indicates the model returned output that could not be
// interpreted as the expected JSON structure. The raw payload is kept
// for diagnostics.
type ParseError struct {
	Raw []byte
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable model output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// findingsEnvelope is the JSON shape the generation prompt asks for.
type findingsEnvelope struct {
	Findings []Finding `json:"findings"`
}

// evaluationEnvelope is the JSON shape the evaluation prompt asks for.
type evaluationEnvelope struct {
	Scores  map[string]float64 `json:"scores"`
	Summary string             `json:"summary"`
}

// ParseFindings parses a generation response into validated findings.
// Invalid output returns a *ParseError carrying the raw text.
func ParseFindings(response string) ([]Finding, error) {
	cleaned := cleanResponse(response)

	var envelope findingsEnvelope
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return nil, &ParseError{Raw: []byte(response), Err: fmt.Errorf("failed to parse findings JSON: %w", err)}
	}

	for i, f := range envelope.Findings {
		if f.Path == "" {
			return nil, &ParseError{Raw: []byte(response), Err: fmt.Errorf("finding %d has empty path", i)}
		}
		if f.Line <= 0 {
			return nil, &ParseError{Raw: []byte(response), Err: fmt.Errorf("finding %d has invalid line number: %d", i, f.Line)}
		}
		if f.Comment == "" {
			return nil, &ParseError{Raw: []byte(response), Err: fmt.Errorf("finding %d has empty comment", i)}
		}
		if f.Severity < 0 || f.Severity > MaxSeverity {
			return nil, &ParseError{Raw: []byte(response), Err: fmt.Errorf("finding %d has severity %d outside 0-%d", i, f.Severity, MaxSeverity)}
		}
	}

	return envelope.Findings, nil
}

// ParseEvaluation parses an evaluation response. Key validation against
// the agent's dimensions happens in the engine, which owns that contract.
func ParseEvaluation(response string) (map[string]float64, string, error) {
	cleaned := cleanResponse(response)

	var envelope evaluationEnvelope
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return nil, "", &ParseError{Raw: []byte(response), Err: fmt.Errorf("failed to parse evaluation JSON: %w", err)}
	}
	if envelope.Scores == nil {
		return nil, "", &ParseError{Raw: []byte(response), Err: fmt.Errorf("evaluation response has no scores object")}
	}

	return envelope.Scores, envelope.Summary, nil
}

// cleanResponse removes markdown code blocks and other formatting.
func cleanResponse(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
	}

	response = strings.TrimSuffix(response, "```")

	return strings.TrimSpace(response)
}
