// Package gemini implements consulta.ModelClient against the Google Gemini
// generateContent API, including the SSE streaming variant.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aliviolabs/consulta"
)

var defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client implements consulta.ModelClient for Google Gemini models.
// The model id is taken per request from GenerateRequest.Model, falling back
// to the client's default.
type Client struct {
	apiKey       string
	defaultModel string
	baseURL      string
	httpClient   *http.Client
	googleSearch bool
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API base URL, for tests and proxies.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithGoogleSearch enables grounding with Google Search. Grounding URLs from
// the response surface as grounding chunks and on GenerateResponse.
func WithGoogleSearch(enabled bool) Option {
	return func(c *Client) { c.googleSearch = enabled }
}

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Gemini client with functional options.
func New(apiKey, defaultModel string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		defaultModel: defaultModel,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// Name returns "gemini".
func (c *Client) Name() string { return "gemini" }

func (c *Client) model(req consulta.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

// Generate sends a non-streaming generateContent request.
func (c *Client) Generate(ctx context.Context, req consulta.GenerateRequest) (consulta.GenerateResponse, error) {
	model := c.model(req)
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)

	respBody, err := c.post(ctx, url, c.buildBody(req))
	if err != nil {
		return consulta.GenerateResponse{}, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return consulta.GenerateResponse{}, c.wrapErr("parse response: " + err.Error())
	}
	if reason := parsed.blockReason(); reason != "" {
		return consulta.GenerateResponse{}, &consulta.ErrBlocked{Stage: "output", Reason: reason}
	}

	out := consulta.GenerateResponse{Model: model}
	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		for _, part := range cand.Content.Parts {
			if part.Text != nil {
				out.Content += *part.Text
			}
			if part.FunctionCall != nil {
				out.FunctionCalls = append(out.FunctionCalls, consulta.FunctionCall{
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
		out.GroundingURLs = cand.groundingURLs()
	}
	if parsed.UsageMetadata != nil {
		out.Usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		out.Usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

// StreamGenerate streams chunks into ch and returns the accumulated
// response. The channel is closed when streaming completes. On caller
// cancellation the partial content accumulated so far is returned with
// Incomplete=true alongside the context error.
func (c *Client) StreamGenerate(ctx context.Context, req consulta.GenerateRequest, ch chan<- consulta.Chunk) (consulta.GenerateResponse, error) {
	defer close(ch)

	model := c.model(req)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, model, c.apiKey)

	payload, err := json.Marshal(c.buildBody(req))
	if err != nil {
		return consulta.GenerateResponse{}, c.wrapErr("marshal body: " + err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return consulta.GenerateResponse{}, c.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return consulta.GenerateResponse{Model: model, Incomplete: true}, ctxErr
		}
		return consulta.GenerateResponse{}, c.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return consulta.GenerateResponse{}, c.statusErr(resp, string(b))
	}

	acc := consulta.GenerateResponse{Model: model}
	seenURLs := make(map[string]bool)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}
		var parsed geminiResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue
		}
		if reason := parsed.blockReason(); reason != "" {
			blockErr := &consulta.ErrBlocked{Stage: "output", Reason: reason}
			ch <- consulta.Chunk{Type: consulta.ChunkError, Err: blockErr.Error()}
			return acc, blockErr
		}
		if len(parsed.Candidates) > 0 {
			cand := parsed.Candidates[0]
			for _, part := range cand.Content.Parts {
				if part.Text != nil && *part.Text != "" {
					acc.Content += *part.Text
					ch <- consulta.Chunk{Type: consulta.ChunkTextDelta, Text: *part.Text}
				}
				if part.FunctionCall != nil {
					fc := consulta.FunctionCall{Name: part.FunctionCall.Name, Args: part.FunctionCall.Args}
					acc.FunctionCalls = append(acc.FunctionCalls, fc)
					ch <- consulta.Chunk{Type: consulta.ChunkFunctionCall, Call: &fc}
				}
			}
			for _, u := range cand.groundingURLs() {
				if !seenURLs[u] {
					seenURLs[u] = true
					acc.GroundingURLs = append(acc.GroundingURLs, u)
					ch <- consulta.Chunk{Type: consulta.ChunkGroundingRef, URL: u}
				}
			}
		}
		if parsed.UsageMetadata != nil {
			// Last chunk wins.
			acc.Usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
			acc.Usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			acc.Incomplete = true
			return acc, ctxErr
		}
		return acc, c.wrapErr("read stream: " + err.Error())
	}

	ch <- consulta.Chunk{Type: consulta.ChunkEnd, Usage: &acc.Usage}
	return acc, nil
}

// post runs one JSON POST and returns the raw body, mapping error statuses.
func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, c.wrapErr("marshal body: " + err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, c.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrapErr("read response body: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusErr(resp, string(respBody))
	}
	return respBody, nil
}

func (c *Client) wrapErr(msg string) error {
	return &consulta.ErrModel{Provider: "gemini", Message: msg}
}

// statusErr maps an HTTP failure to the error taxonomy: request bodies the
// API rejects for size become *ErrTooLarge, everything else *ErrHTTP with
// the retry delay extracted from the Retry-After header or the
// google.rpc.RetryInfo detail.
func (c *Client) statusErr(resp *http.Response, body string) error {
	if resp.StatusCode == http.StatusRequestEntityTooLarge ||
		(resp.StatusCode == http.StatusBadRequest && strings.Contains(body, "token count exceeds")) {
		return &consulta.ErrTooLarge{}
	}
	ra := parseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	c.logger.Warn("gemini request failed", "status", resp.StatusCode, "retry_after", ra)
	return &consulta.ErrHTTP{Status: resp.StatusCode, Body: body, RetryAfter: ra}
}

// parseRetryAfter parses an HTTP Retry-After header value, either
// delta-seconds or an HTTP date. Returns 0 when absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the generateContent request body.
func (c *Client) buildBody(req consulta.GenerateRequest) map[string]any {
	var systemParts []string
	if req.SystemInstruction != "" {
		systemParts = append(systemParts, req.SystemInstruction)
	}
	var contents []map[string]any
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		contents = append(contents, map[string]any{
			"role":  mapRole(m.Role),
			"parts": []map[string]any{{"text": m.Content}},
		})
	}

	body := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}

	var toolEntries []map[string]any
	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		toolEntries = append(toolEntries, map[string]any{"functionDeclarations": declarations})
	}
	if c.googleSearch {
		toolEntries = append(toolEntries, map[string]any{"googleSearch": map[string]any{}})
	}
	if len(toolEntries) > 0 {
		body["tools"] = toolEntries
	}

	if len(req.Safety) > 0 {
		settings := make([]map[string]any, 0, len(req.Safety))
		for _, s := range req.Safety {
			settings = append(settings, map[string]any{
				"category":  s.Category,
				"threshold": s.Threshold,
			})
		}
		body["safetySettings"] = settings
	}

	genConfig := map[string]any{"temperature": req.Temperature}
	if req.TopP > 0 {
		genConfig["topP"] = req.TopP
	}
	if req.TopK > 0 {
		genConfig["topK"] = req.TopK
	}
	if req.MaxOutputTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxOutputTokens
	}
	body["generationConfig"] = genConfig

	return body
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	UsageMetadata  *geminiUsage      `json:"usageMetadata"`
	PromptFeedback *promptFeedback   `json:"promptFeedback"`
}

// blockReason returns the safety block reason, or "" for allowed responses.
func (r *geminiResponse) blockReason() string {
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return r.PromptFeedback.BlockReason
	}
	if len(r.Candidates) > 0 && r.Candidates[0].FinishReason == "SAFETY" {
		return "SAFETY"
	}
	return ""
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiCandidate struct {
	Content           geminiContent      `json:"content"`
	FinishReason      string             `json:"finishReason"`
	GroundingMetadata *groundingMetadata `json:"groundingMetadata"`
}

// groundingURLs extracts the web URIs of the candidate's grounding chunks.
func (c *geminiCandidate) groundingURLs() []string {
	if c.GroundingMetadata == nil {
		return nil
	}
	var urls []string
	for _, gc := range c.GroundingMetadata.GroundingChunks {
		if gc.Web != nil && gc.Web.URI != "" {
			urls = append(urls, gc.Web.URI)
		}
	}
	return urls
}

type groundingMetadata struct {
	GroundingChunks []groundingChunk `json:"groundingChunks"`
}

type groundingChunk struct {
	Web *struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string         `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

var _ consulta.ModelClient = (*Client)(nil)
