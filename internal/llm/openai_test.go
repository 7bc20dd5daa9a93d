package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// completionServer returns a chat-completions stub that replies with the
// given content and records the last request.
func completionServer(t *testing.T, content string, lastReq *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if lastReq != nil {
			if err := json.NewDecoder(r.Body).Decode(lastReq); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(baseURL string) *OpenAIClient {
	return NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		BaseURL: baseURL,
	})
}

func TestAcknowledge(t *testing.T) {
	var req chatRequest
	srv := completionServer(t, "  That sounds like a lovely walk!  ", &req)
	defer srv.Close()

	ack, err := newTestClient(srv.URL).Acknowledge(context.Background(), "Any plans today?", "Going for a walk")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if ack != "That sounds like a lovely walk!" {
		t.Errorf("ack = %q, want trimmed content", ack)
	}

	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(req.Messages))
	}
	if req.Messages[1].Role != "assistant" || req.Messages[1].Content != "Any plans today?" {
		t.Errorf("prompt message = %+v", req.Messages[1])
	}
	if req.Messages[2].Role != "user" || req.Messages[2].Content != "Going for a walk" {
		t.Errorf("reply message = %+v", req.Messages[2])
	}
}

func TestAcknowledge_EmptyContent(t *testing.T) {
	srv := completionServer(t, "   ", nil)
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Acknowledge(context.Background(), "p", "r"); err == nil {
		t.Error("blank completion should be an error")
	}
}

func TestScoreSentiment(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bare json", `{"label":"positive","score":0.8,"summary":"Cheerful and chatty."}`},
		{"fenced json", "```json\n{\"label\":\"positive\",\"score\":0.8,\"summary\":\"Cheerful and chatty.\"}\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req chatRequest
			srv := completionServer(t, tt.content, &req)
			defer srv.Close()

			got, err := newTestClient(srv.URL).ScoreSentiment(context.Background(), []Exchange{
				{Prompt: "How did you sleep?", Reply: "Very well"},
				{Prompt: "Any plans?"},
			})
			if err != nil {
				t.Fatalf("ScoreSentiment: %v", err)
			}
			if got.Label != "positive" || got.Score != 0.8 {
				t.Errorf("sentiment = %+v", got)
			}
			if got.Summary == "" {
				t.Error("summary missing")
			}

			// Unanswered turns still appear in the transcript sent up.
			found := false
			for _, m := range req.Messages {
				if m.Content == "(no response)" {
					found = true
				}
			}
			if !found {
				t.Error("unanswered turn not represented in the request")
			}
		})
	}
}

func TestScoreSentiment_BadJSON(t *testing.T) {
	srv := completionServer(t, "I feel the session went well.", nil)
	defer srv.Close()

	_, err := newTestClient(srv.URL).ScoreSentiment(context.Background(), []Exchange{{Prompt: "p", Reply: "r"}})
	if err == nil || !strings.Contains(err.Error(), "parse sentiment") {
		t.Errorf("err = %v, want a parse failure", err)
	}
}

func TestComplete_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Acknowledge(context.Background(), "p", "r"); err == nil {
		t.Error("non-200 response should be an error")
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Acknowledge(context.Background(), "p", "r"); err == nil {
		t.Error("empty choices should be an error")
	}
}
