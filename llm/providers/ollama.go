package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/sitesync/llm"
)

// OllamaProvider implements Ollama's native /api/embed endpoint.
type OllamaProvider struct{}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the embed endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/api/embed") {
		return baseURL
	}

	return baseURL + "/api/embed"
}

// SetHeaders adds a bearer token when Ollama sits behind an authenticating proxy.
func (o *OllamaProvider) SetHeaders(req *http.Request, apiKey string) {
	if apiKey == "" {
		apiKey = os.Getenv("OLLAMA_API_KEY")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type ollamaRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// BuildRequestBody creates the embed request body.
func (o *OllamaProvider) BuildRequestBody(model string, inputs []string, dimensions int) ([]byte, error) {
	return json.Marshal(ollamaRequest{
		Model:      model,
		Input:      inputs,
		Dimensions: dimensions,
	})
}

type ollamaResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// ParseResponse extracts vectors in input order.
func (o *OllamaProvider) ParseResponse(body []byte) ([][]float32, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}
	return resp.Embeddings, nil
}
