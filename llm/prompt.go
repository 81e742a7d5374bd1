package llm

import "fmt"

const generationSystemPrompt = `You are an automated code review agent. You review pull request diffs according to the reviewer configuration below and report findings as structured JSON.

Severity scale (integer):
- 0: informational note
- 1: nitpick
- 2: minor issue
- 3: notable issue worth fixing
- 4: serious problem (likely bug, security or correctness risk)
- 5: critical defect (must not ship)

Be concise and specific. Only report issues visible in the diff itself.

## Reviewer Configuration

%s`

const generationPromptTemplate = `Review the following diff for pull request #%d at commit %s.

Respond in this exact JSON format:
{
  "findings": [
    {
      "path": "path/to/file.go",
      "line": 42,
      "severity": 3,
      "comment": "Your comment explaining the issue and suggested fix."
    }
  ]
}

Rules for the response:
1. "path" must exactly match a file path from the diff
2. "line" must be a new-file line number inside a diff hunk
3. "severity" must be an integer from 0 to 5 per the scale in the system prompt
4. If there are no issues, return an empty findings array
5. Return ONLY valid JSON, no markdown code blocks or other text

<diff>
%s
</diff>`

const evaluationSystemPrompt = `You are a review-quality evaluator. You score an already-posted code review comment against the dimensions below and report the result as structured JSON.

Score each dimension from 0 (worst) to 10 (best).

## Evaluator Configuration

%s`

const evaluationPromptTemplate = `Evaluate the following review comment.

The code under review:
<code>
%s
</code>

The review comment:
<comment>
%s
</comment>

Respond in this exact JSON format, scoring every dimension listed and no others:
{
  "scores": {%s},
  "summary": "One or two sentences on the overall quality of this review comment."
}

Dimensions to score: %s

Return ONLY valid JSON, no markdown code blocks or other text.`

// BuildGenerationPrompts returns the system and user prompts for a
// generation call.
func BuildGenerationPrompts(req *GenerationRequest) (system, user string) {
	system = fmt.Sprintf(generationSystemPrompt, req.Prompt)
	user = fmt.Sprintf(generationPromptTemplate, req.PRNumber, req.CommitSHA, req.Diff)
	return system, user
}

// BuildEvaluationPrompts returns the system and user prompts for an
// evaluation call.
func BuildEvaluationPrompts(req *EvaluationRequest) (system, user string) {
	system = fmt.Sprintf(evaluationSystemPrompt, req.Prompt)

	dimsList := ""
	dimsExample := ""
	for i, d := range req.Dims {
		if i > 0 {
			dimsList += ", "
			dimsExample += ", "
		}
		dimsList += d
		dimsExample += fmt.Sprintf("%q: 0", d)
	}

	user = fmt.Sprintf(evaluationPromptTemplate, req.CodeChunk, req.CommentText, dimsExample, dimsList)
	return system, user
}
