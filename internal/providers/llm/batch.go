package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// OpenAILLM is a batch (non-streaming) provider, adapted from the teacher's
// pkg/providers/llm/openai.go. Used when the llm_provider setting names a
// non-streaming provider (cmd/agentd); callsession falls back to speaking
// the full completion once available rather than pacing TTS off deltas.
type OpenAILLM struct {
	apiKey string
	url    string
	model  string
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{apiKey: apiKey, url: "https://api.openai.com/v1/chat/completions", model: model}
}

func (l *OpenAILLM) Name() string { return "openai-llm" }

func (l *OpenAILLM) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
	}
	if temperature > 0 {
		payload["temperature"] = temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("openai llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from openai")
	}
	return result.Choices[0].Message.Content, nil
}

// GroqLLM speaks the OpenAI chat-completions wire format against Groq's
// endpoint, adapted from the teacher's groq_test.go expectations (no
// groq.go was present in the teacher beyond its test, so this follows the
// same shape as OpenAILLM with Groq's base URL and default model).
type GroqLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{apiKey: apiKey, url: "https://api.groq.com/openai/v1/chat/completions", model: model}
}

func (l *GroqLLM) Name() string { return "groq-llm" }

func (l *GroqLLM) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
	}
	if temperature > 0 {
		payload["temperature"] = temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("groq llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from groq")
	}
	return result.Choices[0].Message.Content, nil
}

// GoogleLLM is adapted from the teacher's pkg/providers/llm/google.go,
// including its role-remapping workaround for Gemini's system/assistant
// role naming.
type GoogleLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":generateContent",
		model:  model,
	}
}

func (l *GoogleLLM) Name() string { return "google-llm" }

func (l *GoogleLLM) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	type googlePart struct {
		Text string `json:"text"`
	}
	type googleMessage struct {
		Role  string       `json:"role"`
		Parts []googlePart `json:"parts"`
	}

	var googleMessages []googleMessage
	for _, m := range messages {
		role := m.Role
		if role == "system" {
			role = "user"
		}
		if role == "assistant" {
			role = "model"
		}
		googleMessages = append(googleMessages, googleMessage{Role: role, Parts: []googlePart{{Text: m.Content}}})
	}

	payload := map[string]interface{}{"contents": googleMessages}
	if temperature > 0 {
		payload["generationConfig"] = map[string]interface{}{"temperature": temperature}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from google llm")
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}
