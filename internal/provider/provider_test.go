package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Promptline/internal/domain"
)

func TestResolveKind(t *testing.T) {
	tests := []struct {
		provider string
		want     Kind
	}{
		{"unbound", KindUnbound},
		{" Unbound ", KindUnbound},
		{"", KindMock},
		{"mock", KindMock},
		{"openai", KindMock},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveKind(tt.provider))
		})
	}
}

func TestMockGenerator(t *testing.T) {
	m := &MockGenerator{}
	out, err := m.Generate(context.Background(), "Analyze hello", domain.ModelConfig{})
	require.NoError(t, err)
	assert.Equal(t, "[Mock AI Response] Processed: Analyze hello", out)
}

func TestMockGenerator_LatencyRespectsCancel(t *testing.T) {
	m := &MockGenerator{Latency: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Generate(ctx, "x", domain.ModelConfig{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnboundClient_Success(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  generated text \n"}}]}`))
	}))
	defer server.Close()

	client := NewUnboundClient(server.URL+"/v1/", "secret")
	temp := 0.2
	out, err := client.Generate(context.Background(), "hello", domain.ModelConfig{Model: "kimi-k2p5", Temperature: &temp})
	require.NoError(t, err)

	assert.Equal(t, "generated text", out)
	assert.Equal(t, "kimi-k2p5", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
}

func TestUnboundClient_Defaults(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	maxTokens := 64
	client := NewUnboundClient(server.URL, "secret")
	_, err := client.Generate(context.Background(), "hi", domain.ModelConfig{Model: "m", MaxTokens: &maxTokens})
	require.NoError(t, err)

	assert.InDelta(t, DefaultTemperature, got.Temperature, 1e-9)
	assert.Equal(t, 64, got.MaxTokens)
}

func TestUnboundClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"server error", http.StatusInternalServerError, "upstream down", "Unbound API error 500: upstream down"},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, "Unbound API error 401"},
		{"malformed json", http.StatusOK, "not json", "decode response"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices[0].message.content"},
		{"no content", http.StatusOK, `{"choices":[{"message":{}}]}`, "no choices[0].message.content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewUnboundClient(server.URL, "secret")
			_, err := client.Generate(context.Background(), "hi", domain.ModelConfig{Model: "m"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProvider)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.True(t, IsRetryable(err))
		})
	}
}

func TestUnboundClient_LongErrorBodyStaysValidUTF8(t *testing.T) {
	body := strings.Repeat("a", maxErrorBody-1) + "ошибка сервера"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	_, err := NewUnboundClient(server.URL, "secret").Generate(context.Background(), "hi", domain.ModelConfig{Model: "m"})
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()), err.Error())
	assert.True(t, strings.HasSuffix(err.Error(), "a..."), err.Error())
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "ok", 10, "ok"},
		{"ascii cut", "abcdef", 3, "abc..."},
		{"inside rune", "aaaaош", 5, "aaaa..."},
		{"on rune boundary", "aaaaош", 6, "aaaaо..."},
		{"invalid bytes", "a\xffb", 10, "a\uFFFDb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestUnboundClient_MissingKeyIsPermanent(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewUnboundClient(server.URL, "")
	_, err := client.Generate(context.Background(), "hi", domain.ModelConfig{Model: "m"})

	assert.ErrorIs(t, err, ErrConfiguration)
	assert.False(t, IsRetryable(err))
	assert.False(t, called, "no request without credentials")
}

func TestUnboundClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewUnboundClient(url, "secret")
	_, err := client.Generate(context.Background(), "hi", domain.ModelConfig{Model: "m"})
	assert.ErrorIs(t, err, ErrProvider)
	assert.True(t, IsRetryable(err))
}

type stubGenerator struct {
	out string
	err error
}

func (s stubGenerator) Generate(context.Context, string, domain.ModelConfig) (string, error) {
	return s.out, s.err
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry(nil, &MockGenerator{})
	r.Register(KindUnbound, stubGenerator{out: "real"})

	out, err := r.Generate(context.Background(), "p", domain.ModelConfig{Provider: "unbound"})
	require.NoError(t, err)
	assert.Equal(t, "real", out)

	out, err = r.Generate(context.Background(), "p", domain.ModelConfig{Provider: "something-else"})
	require.NoError(t, err)
	assert.Equal(t, MockResponsePrefix+"p", out)
}

func TestRegistry_Unregistered(t *testing.T) {
	r := NewRegistry(nil, &MockGenerator{})
	_, err := r.Generate(context.Background(), "p", domain.ModelConfig{Provider: "unbound"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.Join(ErrProvider, ErrConfiguration)))
	assert.True(t, IsRetryable(ErrProvider))
	assert.True(t, IsRetryable(ErrIncompleteOutput))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}
