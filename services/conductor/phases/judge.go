// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phases

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// JudgeRequest is one artifact submitted for internal review.
type JudgeRequest struct {
	// System frames what is being judged (a plan, a story diff).
	System string

	// Content is the artifact under review.
	Content string

	// Criteria are the acceptance conditions to evaluate against.
	Criteria []string
}

// JudgeVerdict is the judge's structured answer.
type JudgeVerdict struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
	Score    int    `json:"score"`
}

// Judge evaluates phase artifacts before they are surfaced to a human
// reviewer. Unparseable judge output is an agent error, not a verdict.
type Judge interface {
	Evaluate(ctx context.Context, req JudgeRequest) (*JudgeVerdict, error)
}

// OpenAIJudge runs verdicts through a chat-completion model.
type OpenAIJudge struct {
	client *openai.Client
	model  string
}

// NewOpenAIJudge builds a judge. An empty model defaults to GPT-4o.
func NewOpenAIJudge(client *openai.Client, model string) *OpenAIJudge {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIJudge{client: client, model: model}
}

const judgeSystemSuffix = `
Answer with a single JSON object: {"approved": bool, "feedback": string, "score": 0-100}.
Approve only when every criterion is met. Feedback must name concrete fixes when not approved.`

// Evaluate submits the artifact and parses the structured verdict.
func (j *OpenAIJudge) Evaluate(ctx context.Context, req JudgeRequest) (*JudgeVerdict, error) {
	user := req.Content
	if len(req.Criteria) > 0 {
		crit, _ := json.Marshal(req.Criteria)
		user = fmt.Sprintf("Acceptance criteria: %s\n\n%s", crit, req.Content)
	}

	resp, err := j.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: j.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System + judgeSystemSuffix},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("judge completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("judge returned no choices")
	}

	raw, err := extractJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("judge output: %w", err)
	}
	var verdict JudgeVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, fmt.Errorf("judge verdict: %w", err)
	}
	return &verdict, nil
}
