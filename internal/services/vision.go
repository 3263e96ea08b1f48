package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/models"
)

// ErrExtractorDisabled is returned when no vision API key is configured
var ErrExtractorDisabled = errors.New("vision API key not configured")

const (
	defaultVisionEndpoint = "https://api.groq.com/openai/v1"
	defaultVisionModel    = "meta-llama/llama-4-scout-17b-16e-instruct"
	identifierTemperature = 0.3
)

// VisionService talks to an OpenAI-compatible chat completions API.
// It extracts identifiers for the match finder and suggests listing
// details for uploaded photos.
type VisionService struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
}

// NewVisionService creates a new Vision API service
func NewVisionService(apiKey, endpoint, model string) *VisionService {
	if model == "" {
		model = defaultVisionModel
	}
	if endpoint == "" {
		endpoint = defaultVisionEndpoint
	}

	return &VisionService{
		apiKey:   apiKey,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		model:    model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Enabled reports whether an API key is configured
func (v *VisionService) Enabled() bool {
	return v.apiKey != ""
}

// ChatRequest is the chat completions request body
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// ChatMessage is a single message in a ChatRequest
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ChatContent `json:"content"`
}

// ChatContent is one part of a multimodal message
type ChatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

// ChatImageURL references an image by URL or data URL
type ChatImageURL struct {
	URL string `json:"url"`
}

// ChatResponse is the subset of the chat completions response we read
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

const identifierPrompt = `Analyze this item and extract any unique identifiers from the image and description.
Focus on extracting:
1. IMEI numbers (for phones/devices)
2. NIC/ID card numbers
3. License plate numbers
4. Serial numbers
5. Any other unique identifiers specific to the category

Image URL: %s
Description: %s
Category: %s

Return ONLY the extracted identifiers as a comma-separated list. If no identifiers are found, return "None".`

// ExtractIdentifiers asks the model for serial numbers, IMEIs, document
// numbers and plates visible in the photo or mentioned in text.
// An empty slice means nothing was detected.
func (v *VisionService) ExtractIdentifiers(ctx context.Context, imageURL, text, category string) ([]string, error) {
	if !v.Enabled() {
		return nil, ErrExtractorDisabled
	}

	content := []ChatContent{{
		Type: "text",
		Text: fmt.Sprintf(identifierPrompt, imageURL, text, category),
	}}
	if imageURL != "" {
		content = append(content, ChatContent{Type: "image_url", ImageURL: &ChatImageURL{URL: imageURL}})
	}

	temperature := identifierTemperature
	reply, err := v.complete(ctx, ChatRequest{
		Model:       v.model,
		Messages:    []ChatMessage{{Role: "user", Content: content}},
		Temperature: &temperature,
	})
	if err != nil {
		return nil, err
	}

	identifiers := parseIdentifiers(reply)
	log.Debug().
		Str("image_url", imageURL).
		Strs("identifiers", identifiers).
		Msg("Identifiers extracted")
	return identifiers, nil
}

// parseIdentifiers turns the model's comma-separated reply into a list.
// Any reply mentioning "none" counts as no identifiers.
func parseIdentifiers(reply string) []string {
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.Contains(strings.ToLower(reply), "none") {
		return []string{}
	}

	seen := make(map[string]bool)
	out := []string{}
	for _, part := range strings.Split(reply, ",") {
		id := strings.TrimSpace(part)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

const analyzePrompt = `You are an expert in cataloguing lost property. Look at this photo and provide:
1. A short listing title (4-8 words, e.g. "Black leather wallet")
2. A detailed description of the item (2-3 sentences)
3. A category, exactly one of: %s

Reply ONLY with JSON:
{
  "title": "short listing title",
  "description": "detailed description",
  "category": "category name",
  "confidence": "high/medium/low"
}`

// AnalyzeImage suggests a title, description and category for a photo
func (v *VisionService) AnalyzeImage(ctx context.Context, imageURL string) (*models.VisionAnalysisResponse, error) {
	if !v.Enabled() {
		return nil, ErrExtractorDisabled
	}

	categories := make([]string, 0, len(models.Categories))
	for _, c := range models.Categories {
		categories = append(categories, string(c))
	}

	reply, err := v.complete(ctx, ChatRequest{
		Model: v.model,
		Messages: []ChatMessage{{
			Role: "user",
			Content: []ChatContent{
				{Type: "text", Text: fmt.Sprintf(analyzePrompt, strings.Join(categories, ", "))},
				{Type: "image_url", ImageURL: &ChatImageURL{URL: imageURL}},
			},
		}},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, err
	}

	analysis := parseAnalysis(reply)
	log.Info().
		Str("title", analysis.Title).
		Str("category", analysis.Category).
		Str("confidence", analysis.Confidence).
		Msg("Image analyzed successfully")

	return analysis, nil
}

// AnalyzeImageBase64 analyzes a base64-encoded JPEG
func (v *VisionService) AnalyzeImageBase64(ctx context.Context, imageBase64 string) (*models.VisionAnalysisResponse, error) {
	return v.AnalyzeImage(ctx, "data:image/jpeg;base64,"+imageBase64)
}

// parseAnalysis reads the model's JSON reply, tolerating markdown fences.
// Unparseable replies become the description of an "Other" suggestion.
func parseAnalysis(reply string) *models.VisionAnalysisResponse {
	var analysis models.VisionAnalysisResponse
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &analysis); err != nil {
		log.Warn().Err(err).Str("content", reply).Msg("Failed to parse AI response as JSON, using raw content")
		return &models.VisionAnalysisResponse{
			Title:       "Found item",
			Description: strings.TrimSpace(reply),
			Category:    string(models.CategoryOther),
			Confidence:  "low",
		}
	}

	if !models.ItemCategory(analysis.Category).Valid() {
		analysis.Category = string(models.CategoryOther)
	}
	return &analysis
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// complete sends one chat completion and returns the first choice's text
func (v *VisionService) complete(ctx context.Context, body ChatRequest) (string, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Error().
			Int("status_code", resp.StatusCode).
			Str("body", string(respBody)).
			Msg("Vision API returned error")
		return "", fmt.Errorf("vision API returned status %d", resp.StatusCode)
	}

	var chat ChatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if chat.Error != nil {
		return "", fmt.Errorf("vision API error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from vision API")
	}

	return chat.Choices[0].Message.Content, nil
}

// HealthCheck reports whether the extractor is configured.
// It does not call the remote API.
func (v *VisionService) HealthCheck(ctx context.Context) error {
	if !v.Enabled() {
		return ErrExtractorDisabled
	}
	return nil
}
