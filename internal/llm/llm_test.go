package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"
)

func TestOpenAIClientComplete(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Fatalf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  {\"sql_query\":\"SELECT 1\"}  "}}]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "key-1", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	out, err := client.Complete(context.Background(), Request{
		System:   "You write SQL.",
		Messages: []Message{{Role: RoleUser, Content: "list all students"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != `{"sql_query":"SELECT 1"}` {
		t.Fatalf("Complete() = %q", out)
	}
	messages, _ := payload["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %v", payload["messages"])
	}
	if _, ok := payload["response_format"]; !ok {
		t.Fatal("expected response_format in JSON mode")
	}
}

func TestOpenAIClientStatusErrorIsTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "q"}}})
	if err == nil {
		t.Fatal("expected status error")
	}
	if len(err.Error()) > 700 {
		t.Fatalf("error length = %d, want truncated body", len(err.Error()))
	}
}

func TestOpenAIClientEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	if _, err := client.Complete(context.Background(), Request{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("Complete() error = %v, want ErrEmptyResponse", err)
	}
}

func TestNewOpenAIClientValidates(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
	if _, err := NewOpenAIClient(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestLangChainModelMapsMessagesAndOptions(t *testing.T) {
	fake := &fakeLLM{reply: " narrative "}
	model := NewLangChainModel(fake, 0.2)
	out, err := model.Complete(context.Background(), Request{
		System:   "sys",
		Messages: []Message{{Role: RoleUser, Content: "u"}, {Role: RoleAssistant, Content: "a"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != "narrative" {
		t.Fatalf("Complete() = %q", out)
	}
	if len(fake.messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(fake.messages))
	}
	if fake.messages[0].Role != llms.ChatMessageTypeSystem || fake.messages[2].Role != llms.ChatMessageTypeAI {
		t.Fatalf("roles = %v, %v", fake.messages[0].Role, fake.messages[2].Role)
	}
	if !fake.options.JSONMode || fake.options.Temperature != 0.2 {
		t.Fatalf("options = %+v", fake.options)
	}
}

func TestLangChainModelEmptyChoices(t *testing.T) {
	model := NewLangChainModel(&fakeLLM{}, 0)
	if _, err := model.Complete(context.Background(), Request{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("Complete() error = %v, want ErrEmptyResponse", err)
	}
}

func TestOllamaModelTimesOutOnStalledServer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	model, err := NewOllamaModel(ProviderConfig{
		Provider: ProviderOllama,
		BaseURL:  srv.URL,
		Model:    "llama3",
		Timeout:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOllamaModel() error = %v", err)
	}

	start := time.Now()
	_, err = model.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "q"}}})
	if err == nil {
		t.Fatal("expected timeout error from stalled server")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Complete() returned after %s, want the configured timeout", elapsed)
	}
}

func TestLangChainModelAppliesTimeout(t *testing.T) {
	model := NewLangChainModel(blockingLLM{}, 0)
	model.timeout = 20 * time.Millisecond
	_, err := model.Complete(context.Background(), Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Complete() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestNewEmbedderRejectsUnknownProvider(t *testing.T) {
	if _, err := NewEmbedder(ProviderConfig{Provider: "bogus", Model: "m"}); err == nil {
		t.Fatal("expected unsupported provider error")
	}
}

func TestLimitedHonoursContext(t *testing.T) {
	limiter := NewLimiter(0.001, 1)
	model := NewLimited(&fakeModel{reply: "ok"}, limiter)
	if _, err := model.Complete(context.Background(), Request{Purpose: PurposeGeneration}); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := model.Complete(ctx, Request{Purpose: PurposeGeneration}); err == nil {
		t.Fatal("expected rate limit wait to fail once the bucket is empty")
	}
}

func TestLimitedUnthrottled(t *testing.T) {
	if NewLimiter(0, 5) != nil {
		t.Fatal("expected nil limiter for rps <= 0")
	}
	embedder := NewLimitedEmbedder(fakeEmbedder{}, nil)
	for i := 0; i < 10; i++ {
		if _, err := embedder.EmbedQuery(context.Background(), "q"); err != nil {
			t.Fatalf("EmbedQuery() error = %v", err)
		}
	}
}

type fakeModel struct {
	reply string
}

func (f *fakeModel) Complete(context.Context, Request) (string, error) {
	return f.reply, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1}, nil
}

type fakeLLM struct {
	reply    string
	messages []llms.MessageContent
	options  llms.CallOptions
}

func (f *fakeLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, option := range options {
		option(&f.options)
	}
	if f.reply == "" {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

type blockingLLM struct{}

func (blockingLLM) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingLLM) Call(ctx context.Context, _ string, _ ...llms.CallOption) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
