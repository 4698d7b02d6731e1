package incidents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Classifier derives an incident category from free text.
type Classifier interface {
	Classify(ctx context.Context, title, text string) string
}

// Keyword rules, evaluated in order. First match wins.
type categoryRule struct {
	category string
	keywords []string
}

var keywordRules = []categoryRule{
	{CategoryAccidents, []string{"accident", "crash", "collision"}},
	{CategoryRoadWorks, []string{"construction", "roadwork"}},
	{CategoryClosures, []string{"closure", "blocked"}},
	{CategoryWeather, []string{"flood", "fog", "storm"}},
	{CategoryProtests, []string{"protest", "rally"}},
}

// KeywordClassifier matches free text against ordered keyword groups,
// case-insensitive, falling back to "other".
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(_ context.Context, title, text string) string {
	combined := strings.ToLower(title + " " + text)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(combined, kw) {
				return rule.category
			}
		}
	}
	return CategoryOther
}

func validCategory(c string) bool {
	switch c {
	case CategoryAccidents, CategoryRoadWorks, CategoryClosures,
		CategoryWeather, CategoryProtests, CategoryOther:
		return true
	}
	return false
}

// LLMClassifier asks an OpenAI-compatible chat endpoint to pick the
// category, falling back to keyword rules whenever the call fails or
// returns something outside the known set.
type LLMClassifier struct {
	apiURL   string
	apiKey   string
	client   *http.Client
	fallback KeywordClassifier
}

func NewLLMClassifier(apiURL, apiKey string, timeout time.Duration) *LLMClassifier {
	return &LLMClassifier{
		apiURL: apiURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *LLMClassifier) Classify(ctx context.Context, title, text string) string {
	category, err := c.classify(ctx, title, text)
	if err != nil || !validCategory(category) {
		return c.fallback.Classify(ctx, title, text)
	}
	return category
}

func (c *LLMClassifier) classify(ctx context.Context, title, text string) (string, error) {
	prompt := fmt.Sprintf(
		"Classify this road incident report into exactly one category: "+
			"accidents, road_works, closures, weather, protests, other.\n"+
			"Title: %s\nText: %s\n"+
			"Reply with the category word only.", title, text)

	body, err := json.Marshal(chatRequest{
		Model:       "llama-3.3-70b-versatile",
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.1,
		MaxTokens:   16,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier endpoint status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("classifier returned no choices")
	}
	return strings.ToLower(strings.TrimSpace(out.Choices[0].Message.Content)), nil
}
