// Package providers implements embedding provider adapters.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/c360studio/sitesync/llm"
)

// OpenAIProvider implements the OpenAI embeddings API and compatible
// gateways (Azure-style proxies, OpenRouter, vLLM).
type OpenAIProvider struct{}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the embeddings endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/embeddings") {
		return baseURL
	}

	return baseURL + "/embeddings"
}

// SetHeaders adds bearer authentication, falling back to OPENAI_API_KEY.
func (o *OpenAIProvider) SetHeaders(req *http.Request, apiKey string) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type openAIRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format"`
}

// BuildRequestBody creates the embeddings request body.
func (o *OpenAIProvider) BuildRequestBody(model string, inputs []string, dimensions int) ([]byte, error) {
	return json.Marshal(openAIRequest{
		Model:          model,
		Input:          inputs,
		Dimensions:     dimensions,
		EncodingFormat: "float",
	})
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts vectors ordered by their input index.
func (o *OpenAIProvider) ParseResponse(body []byte) ([][]float32, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}

	sort.SliceStable(resp.Data, func(i, j int) bool {
		return resp.Data[i].Index < resp.Data[j].Index
	})

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", d.Index)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
