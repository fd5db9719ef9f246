package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultImageBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultImageModel   = "gemini-2.5-flash-image"
	imageTimeout        = 60 * time.Second
)

type ImageClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewImageClient(baseURL, apiKey string) *ImageClient {
	if baseURL == "" {
		baseURL = defaultImageBaseURL
	}
	return &ImageClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: imageTimeout},
	}
}

type ImageRequest struct {
	Prompt  string
	Quality string // "2K" or "4K"
}

type ImageResult struct {
	ImageBase64 string
	MimeType    string
}

type generatePart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []generatePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate renders one image. Generation is slow; the client timeout is the
// hard wall-clock budget, and callers treat its expiry like any other failure.
func (c *ImageClient) Generate(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	prompt := req.Prompt
	if req.Quality != "" {
		prompt = fmt.Sprintf("%s\n\nOutput resolution: %s.", prompt, req.Quality)
	}
	body, err := json.Marshal(map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]any{{"text": prompt}}},
		},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, defaultImageModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("image provider request: %w", err)
	}
	defer resp.Body.Close()

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("image provider returned invalid JSON (status %d)", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return nil, fmt.Errorf("image provider: %s (status %d)", parsed.Error.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("image provider returned status %d", resp.StatusCode)
	}

	for _, candidate := range parsed.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				return &ImageResult{ImageBase64: part.InlineData.Data, MimeType: part.InlineData.MimeType}, nil
			}
		}
	}
	return nil, fmt.Errorf("image provider returned no image data")
}
