package flavor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	DefaultEndpoint    = "https://generativelanguage.googleapis.com"
	DefaultModel       = "gemini-3-flash-preview"
	DefaultTemperature = 0.8
	DefaultTopP        = 0.95
	DefaultTimeout     = 10 * time.Second
	DefaultFallback    = "今天在裡面翻了一個筋斗，我是滿寶，大家都要想我喔！"

	// Prompt asks for a short note from the unborn baby to its sponsors.
	Prompt = "你是一個還在肚子裡的胎兒，小名叫「滿寶」，大約12週大。請用可愛、溫暖且充滿福氣的口吻寫一段話給未來的乾爹乾媽們，字數約100字以內。一定要包含對乾爹乾媽支持的感謝，並提到「滿寶」這個名字。"

	apiKeyHeader    = "x-goog-api-key"
	contentTypeJSON = "application/json"
)

// ErrGenerationFailed reports that no usable text came back from the model.
var ErrGenerationFailed = errors.New("flavor: generation failed")

type Config struct {
	APIKey      string
	Endpoint    string
	Model       string
	Temperature float64
	TopP        float64
	Timeout     time.Duration
	Fallback    string
	Client      *fasthttp.Client
	Logger      *zap.Logger
}

// Generator produces decorative text. Its output is never persisted.
type Generator struct {
	apiKey      string
	url         string
	temperature float64
	topP        float64
	timeout     time.Duration
	fallback    string
	client      *fasthttp.Client
	logger      *zap.Logger
}

func NewGenerator(cfg Config) *Generator {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	topP := cfg.TopP
	if topP <= 0 {
		topP = DefaultTopP
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fallback := strings.TrimSpace(cfg.Fallback)
	if fallback == "" {
		fallback = DefaultFallback
	}
	client := cfg.Client
	if client == nil {
		client = &fasthttp.Client{Name: "blessing-api"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		url:         fmt.Sprintf("%s/v1beta/models/%s:generateContent", endpoint, model),
		temperature: temperature,
		topP:        topP,
		timeout:     timeout,
		fallback:    fallback,
		client:      client,
		logger:      logger,
	}
}

// Generate returns model text, or the fallback sentence on any failure.
func (g *Generator) Generate(ctx context.Context) string {
	text, err := g.Request(ctx)
	if err != nil {
		g.logger.Warn("flavor generation failed, using fallback", zap.Error(err))
		return g.fallback
	}
	return text
}

// Request performs one generateContent call. Failures wrap ErrGenerationFailed.
func (g *Generator) Request(ctx context.Context) (string, error) {
	if g.apiKey == "" {
		return "", fmt.Errorf("%w: api key not configured", ErrGenerationFailed)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	payload, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: Prompt}}}},
		GenerationConfig: generationConfig{
			Temperature: g.temperature,
			TopP:        g.topP,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	request := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(request)
	response := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(response)

	request.SetRequestURI(g.url)
	request.Header.SetMethod(fasthttp.MethodPost)
	request.Header.SetContentType(contentTypeJSON)
	request.Header.Set(apiKeyHeader, g.apiKey)
	request.SetBody(payload)

	deadline := time.Now().Add(g.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := g.client.DoDeadline(request, response, deadline); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if status := response.StatusCode(); status != fasthttp.StatusOK {
		return "", fmt.Errorf("%w: upstream status %d", ErrGenerationFailed, status)
	}

	var decoded generateResponse
	if err := json.Unmarshal(response.Body(), &decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGenerationFailed, err)
	}
	text := strings.TrimSpace(decoded.text())
	if text == "" {
		return "", fmt.Errorf("%w: empty candidate text", ErrGenerationFailed)
	}
	return text, nil
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var builder strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		builder.WriteString(p.Text)
	}
	return builder.String()
}
