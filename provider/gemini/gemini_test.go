package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aliviolabs/consulta"
)

// fakeAPI captures the last request body and serves a scripted handler.
type fakeAPI struct {
	lastPath string
	lastBody map[string]any
	handler  http.HandlerFunc
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.lastPath = r.URL.Path
	body, _ := io.ReadAll(r.Body)
	f.lastBody = nil
	_ = json.Unmarshal(body, &f.lastBody)
	f.handler(w, r)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{handler: handler}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL)}, opts...)
	return New("test-key", "gemini-2.5-flash", opts...), api
}

func serveJSON(t *testing.T, status int, v any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if s, ok := v.(string); ok {
			io.WriteString(w, s)
			return
		}
		_ = json.NewEncoder(w).Encode(v)
	}
}

func TestGenerateParsesResponse(t *testing.T) {
	c, api := newTestClient(t, serveJSON(t, http.StatusOK, `{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "Hola "},
				{"text": "mundo"},
				{"functionCall": {"name": "generar_nota_clinica", "args": {"tipo": "soap"}}}
			]},
			"groundingMetadata": {"groundingChunks": [
				{"web": {"uri": "https://example.org/estudio", "title": "Estudio"}}
			]}
		}],
		"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 34}
	}`))

	resp, err := c.Generate(context.Background(), consulta.GenerateRequest{
		Model: "gemini-2.5-pro",
		Messages: []consulta.ChatMessage{
			consulta.UserMessage("redacta la nota"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hola mundo" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.FunctionCalls) != 1 || resp.FunctionCalls[0].Name != "generar_nota_clinica" {
		t.Errorf("function calls = %+v", resp.FunctionCalls)
	}
	if len(resp.GroundingURLs) != 1 || resp.GroundingURLs[0] != "https://example.org/estudio" {
		t.Errorf("grounding = %+v", resp.GroundingURLs)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 34 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q", resp.Model)
	}
	if !strings.Contains(api.lastPath, "gemini-2.5-pro:generateContent") {
		t.Errorf("path = %q", api.lastPath)
	}
}

func TestGenerateUsesDefaultModel(t *testing.T) {
	c, api := newTestClient(t, serveJSON(t, http.StatusOK, `{"candidates": []}`))
	if _, err := c.Generate(context.Background(), consulta.GenerateRequest{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(api.lastPath, "gemini-2.5-flash:generateContent") {
		t.Errorf("path = %q", api.lastPath)
	}
}

func TestBuildBodyShape(t *testing.T) {
	c, api := newTestClient(t, serveJSON(t, http.StatusOK, `{"candidates": []}`),
		WithGoogleSearch(true))

	_, err := c.Generate(context.Background(), consulta.GenerateRequest{
		SystemInstruction: "Eres el agente clínico.",
		Messages: []consulta.ChatMessage{
			consulta.SystemMessage("Contexto de la sesión: TCC."),
			consulta.UserMessage("hola"),
			{Role: "assistant", Content: "buenas"},
		},
		Tools:           []consulta.ToolDefinition{{Name: "plan_tratamiento", Description: "d"}},
		Safety:          consulta.DefaultSafetySettings(),
		Temperature:     0.3,
		MaxOutputTokens: 4096,
	})
	if err != nil {
		t.Fatal(err)
	}
	body := api.lastBody

	// System messages fold into systemInstruction, not contents.
	contents := body["contents"].([]any)
	if len(contents) != 2 {
		t.Fatalf("contents = %+v", contents)
	}
	second := contents[1].(map[string]any)
	if second["role"] != "model" {
		t.Errorf("assistant role mapped to %q", second["role"])
	}
	si := body["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(si, "agente clínico") || !strings.Contains(si, "Contexto de la sesión") {
		t.Errorf("systemInstruction = %q", si)
	}

	tools := body["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("tools = %+v", tools)
	}
	if _, ok := tools[1].(map[string]any)["googleSearch"]; !ok {
		t.Error("googleSearch entry missing")
	}
	if len(body["safetySettings"].([]any)) != 4 {
		t.Errorf("safetySettings = %+v", body["safetySettings"])
	}
	gc := body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.3 || gc["maxOutputTokens"] != float64(4096) {
		t.Errorf("generationConfig = %+v", gc)
	}
}

func TestGenerateBlocked(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"prompt feedback", `{"promptFeedback": {"blockReason": "PROHIBITED_CONTENT"}}`},
		{"finish reason", `{"candidates": [{"finishReason": "SAFETY", "content": {"parts": []}}]}`},
	}
	for _, tc := range cases {
		c, _ := newTestClient(t, serveJSON(t, http.StatusOK, tc.body))
		_, err := c.Generate(context.Background(), consulta.GenerateRequest{})
		var blocked *consulta.ErrBlocked
		if !errors.As(err, &blocked) {
			t.Errorf("%s: err = %v, want blocked", tc.name, err)
		}
	}
}

func TestGenerateRateLimitedWithRetryAfterHeader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": {"message": "quota"}}`)
	})
	_, err := c.Generate(context.Background(), consulta.GenerateRequest{})
	var httpErr *consulta.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v", err)
	}
	if httpErr.Status != 429 || httpErr.RetryAfter != 30*time.Second {
		t.Errorf("err = %+v", httpErr)
	}
	if !consulta.IsRateLimited(err) {
		t.Error("429 must be retriable")
	}
}

func TestGenerateRetryInfoFallback(t *testing.T) {
	body := `{"error": {"details": [
		{"@type": "type.googleapis.com/google.rpc.ErrorInfo"},
		{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "17s"}
	]}}`
	c, _ := newTestClient(t, serveJSON(t, http.StatusTooManyRequests, body))
	_, err := c.Generate(context.Background(), consulta.GenerateRequest{})
	var httpErr *consulta.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v", err)
	}
	if httpErr.RetryAfter != 17*time.Second {
		t.Errorf("retry after = %v", httpErr.RetryAfter)
	}
}

func TestGenerateTooLarge(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"413", http.StatusRequestEntityTooLarge, `{}`},
		{"400 token count", http.StatusBadRequest, `{"error": {"message": "input token count exceeds the maximum"}}`},
	}
	for _, tc := range cases {
		c, _ := newTestClient(t, serveJSON(t, tc.status, tc.body))
		_, err := c.Generate(context.Background(), consulta.GenerateRequest{})
		var tooLarge *consulta.ErrTooLarge
		if !errors.As(err, &tooLarge) {
			t.Errorf("%s: err = %v, want too large", tc.name, err)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"0", 0},
		{"basura", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	// HTTP-date form yields a positive delay for a future date.
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Errorf("parseRetryAfter(date) = %v", got)
	}
}

func sseBody(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: " + e + "\n\n")
	}
	return b.String()
}

func TestStreamGenerate(t *testing.T) {
	body := sseBody(
		`{"candidates": [{"content": {"parts": [{"text": "Hola "}]}}]}`,
		`{"candidates": [{"content": {"parts": [{"text": "mundo"}]}, "groundingMetadata": {"groundingChunks": [{"web": {"uri": "https://example.org/a"}}]}}]}`,
		`{"candidates": [{"content": {"parts": []}, "groundingMetadata": {"groundingChunks": [{"web": {"uri": "https://example.org/a"}}]}}], "usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 7}}`,
	)
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	})

	ch := make(chan consulta.Chunk, 16)
	resp, err := c.StreamGenerate(context.Background(), consulta.GenerateRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(api.lastPath, ":streamGenerateContent") {
		t.Errorf("path = %q", api.lastPath)
	}
	if resp.Content != "Hola mundo" {
		t.Errorf("content = %q", resp.Content)
	}
	// The duplicate grounding URL is emitted once.
	if len(resp.GroundingURLs) != 1 {
		t.Errorf("grounding = %+v", resp.GroundingURLs)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	var types []consulta.ChunkType
	for chunk := range ch {
		types = append(types, chunk.Type)
	}
	want := []consulta.ChunkType{
		consulta.ChunkTextDelta, consulta.ChunkTextDelta,
		consulta.ChunkGroundingRef, consulta.ChunkEnd,
	}
	if len(types) != len(want) {
		t.Fatalf("chunks = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("chunk %d = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestStreamGenerateBlockedMidStream(t *testing.T) {
	body := sseBody(
		`{"candidates": [{"content": {"parts": [{"text": "empiezo"}]}}]}`,
		`{"promptFeedback": {"blockReason": "SAFETY"}}`,
	)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	})

	ch := make(chan consulta.Chunk, 16)
	resp, err := c.StreamGenerate(context.Background(), consulta.GenerateRequest{}, ch)
	var blocked *consulta.ErrBlocked
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want blocked", err)
	}
	if resp.Content != "empiezo" {
		t.Errorf("partial content = %q", resp.Content)
	}

	var last consulta.Chunk
	for chunk := range ch {
		last = chunk
	}
	if last.Type != consulta.ChunkError || last.Err == "" {
		t.Errorf("last chunk = %+v", last)
	}
}

func TestStreamGenerateHTTPError(t *testing.T) {
	c, _ := newTestClient(t, serveJSON(t, http.StatusServiceUnavailable, `{"error": {}}`))
	ch := make(chan consulta.Chunk, 16)
	_, err := c.StreamGenerate(context.Background(), consulta.GenerateRequest{}, ch)
	var httpErr *consulta.ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Fatalf("err = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel must be closed without chunks")
	}
}
