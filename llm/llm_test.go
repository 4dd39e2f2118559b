package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/metrics"
)

type roundTripFunc func(*http.Request) *http.Response

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestOllamaClientAsk(t *testing.T) {
	client := NewOllamaClient("http://fake/", "sqlcoder")
	client.Temperature = 0.2
	client.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			assert.Equal(t, "/api/generate", req.URL.Path)
			var payload map[string]interface{}
			assert.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "hello", payload["prompt"])
			assert.Equal(t, "sqlcoder", payload["model"])
			assert.Equal(t, false, payload["stream"])
			assert.Contains(t, payload, "options")
			return jsonResponse(200, `{"response":"select 1","done_reason":"stop"}`)
		}),
	}

	reply, err := client.Ask(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "select 1", reply)
}

func TestOllamaClientFallsBackToMessageContent(t *testing.T) {
	client := NewOllamaClient("http://fake", "")
	client.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			var payload map[string]interface{}
			assert.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, DefaultOllamaModel, payload["model"])
			return jsonResponse(200, `{"message":{"role":"assistant","content":"ok"}}`)
		}),
	}

	reply, err := client.Ask(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
}

func TestOllamaClientHTTPError(t *testing.T) {
	client := NewOllamaClient("http://fake", "m")
	client.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			return jsonResponse(404, `model "m" not found`)
		}),
	}

	_, err := client.Ask(context.Background(), "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama error")
	assert.Contains(t, err.Error(), `model "m" not found`)
}

func TestOllamaClientUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	client := NewOllamaClient(endpoint, "m")
	_, err := client.Ask(context.Background(), "ping")
	require.Error(t, err)
	assert.ErrorIs(t, err, framework.ErrBackendUnavailable)
	assert.True(t, framework.IsTransient(err))
}

func TestOllamaClientAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"response":"- stage tables first"}`))
	}))
	defer srv.Close()

	reply, err := NewOllamaClient(srv.URL, "m").Ask(context.Background(), "advise")
	require.NoError(t, err)
	assert.Equal(t, "- stage tables first", reply)
}

type fakeChatModel struct {
	reply    string
	err      error
	received []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.received = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func TestChatClientAsk(t *testing.T) {
	cm := &fakeChatModel{reply: "```sql\nselect 1\n```"}
	client := NewChatClient(cm, "be terse")

	reply, err := client.Ask(context.Background(), "convert")
	require.NoError(t, err)
	assert.Equal(t, "```sql\nselect 1\n```", reply)
	require.Len(t, cm.received, 2)
	assert.Equal(t, schema.System, cm.received[0].Role)
	assert.Equal(t, "be terse", cm.received[0].Content)
	assert.Equal(t, schema.User, cm.received[1].Role)
	assert.Equal(t, "convert", cm.received[1].Content)
}

func TestChatClientPropagatesError(t *testing.T) {
	client := NewChatClient(&fakeChatModel{err: errors.New("rate limited")}, "")
	_, err := client.Ask(context.Background(), "x")
	assert.EqualError(t, err, "rate limited")

	_, err = (&ChatClient{}).Ask(context.Background(), "x")
	assert.Error(t, err)
}

func TestParseProvider(t *testing.T) {
	cases := map[string]Provider{
		"":          ProviderNone,
		"none":      ProviderNone,
		"Ollama":    ProviderOllama,
		" openai ":  ProviderOpenAI,
		"anthropic": ProviderClaude,
		"deepseek":  ProviderDeepSeek,
	}
	for in, want := range cases {
		got, err := ParseProvider(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseProvider("palm")
	var cfgErr *framework.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewAsker(t *testing.T) {
	ctx := context.Background()

	asker, err := NewAsker(ctx, ModelConfig{Provider: ProviderNone})
	require.NoError(t, err)
	assert.Nil(t, asker)

	asker, err = NewAsker(ctx, ModelConfig{Provider: ProviderOllama, Native: true, Model: "m", Timeout: time.Second})
	require.NoError(t, err)
	native, ok := asker.(*OllamaClient)
	require.True(t, ok)
	assert.Equal(t, time.Second, native.client.Timeout)

	_, err = NewAsker(ctx, ModelConfig{Provider: ProviderOpenAI})
	var cfgErr *framework.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewAsker(ctx, ModelConfig{Provider: ProviderClaude})
	assert.ErrorAs(t, err, &cfgErr)
}

type recordingTelemetry struct {
	mu     sync.Mutex
	events []framework.Event
}

func (r *recordingTelemetry) Emit(event framework.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestInstrumentedAskerEmitsEvents(t *testing.T) {
	telemetry := &recordingTelemetry{}
	m := metrics.New()
	inner := AskerFunc(func(ctx context.Context, prompt string) (string, error) {
		return "reply", nil
	})
	asker := NewInstrumentedAsker(inner, telemetry, m, time.Second)

	ctx := framework.WithRunContext(context.Background(), framework.RunContext{RunID: "run-1", Model: "stg_orders", Role: framework.RoleRebuilder})
	reply, err := asker.Ask(ctx, "fix it")
	require.NoError(t, err)
	assert.Equal(t, "reply", reply)

	require.Len(t, telemetry.events, 2)
	prompt, response := telemetry.events[0], telemetry.events[1]
	assert.Equal(t, framework.EventLLMPrompt, prompt.Type)
	assert.Equal(t, "run-1", prompt.TaskID)
	assert.Equal(t, 6, prompt.Metadata["prompt_chars"])
	assert.Equal(t, "stg_orders", prompt.Metadata["model"])
	assert.Equal(t, "rebuilder", prompt.Metadata["agent"])
	assert.NotContains(t, prompt.Metadata, "prompt")
	assert.Equal(t, framework.EventLLMResponse, response.Type)
	assert.Equal(t, 5, response.Metadata["reply_chars"])
	assert.NotContains(t, response.Metadata, "error")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "dbtmigrate_llm_requests_total" {
			found = true
			assert.Equal(t, "ok", f.GetMetric()[0].GetLabel()[0].GetValue())
		}
	}
	assert.True(t, found)
}

func TestInstrumentedAskerAppliesTimeout(t *testing.T) {
	inner := AskerFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	telemetry := &recordingTelemetry{}
	asker := NewInstrumentedAsker(inner, telemetry, nil, 10*time.Millisecond)

	_, err := asker.Ask(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, telemetry.events, 2)
	assert.Contains(t, telemetry.events[1].Metadata["error"], "deadline exceeded")
}

func scripted(reply string, err error) (*[]string, Asker) {
	var prompts []string
	return &prompts, AskerFunc(func(ctx context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return reply, err
	})
}

func TestReasonerAdvise(t *testing.T) {
	prompts, asker := scripted("Here you go:\n- stage Customers first\n2. review BuildSales by hand\nnot a bullet", nil)
	r := NewReasoner(asker)
	report := &framework.AssessmentReport{
		ObjectCounts: map[framework.ObjectKind]int{framework.KindTable: 1, framework.KindProcedure: 1},
		TotalObjects: 2,
		Strategy:     "layered",
		ManualReview: []string{"dbo.BuildSales"},
		Complexity: []framework.ObjectComplexity{
			{Object: "dbo.BuildSales", Kind: framework.KindProcedure, Score: 9, Level: "high", Notes: []string{"uses cursors"}},
		},
	}

	recs, err := r.Advise(context.Background(), report, &framework.Metadata{Database: "sales"})
	require.NoError(t, err)
	assert.Equal(t, []string{"stage Customers first", "review BuildSales by hand"}, recs)
	require.Len(t, *prompts, 1)
	assert.Contains(t, (*prompts)[0], "Database: sales")
	assert.Contains(t, (*prompts)[0], "dbo.BuildSales (procedure) score 9 high: uses cursors")
	assert.Contains(t, (*prompts)[0], "tables 1, views 0, procedures 1")
}

func TestReasonerConvertLogic(t *testing.T) {
	prompts, asker := scripted("Sure.\n```sql\nselect id from dbo.Customers\n```\nDone.", nil)
	r := NewReasoner(asker)
	obj := framework.SourceObject{
		Schema:     "dbo",
		Name:       "ActiveCustomers",
		Kind:       framework.KindView,
		Columns:    []framework.Column{{Name: "Id", Type: "int"}},
		Definition: "CREATE VIEW dbo.ActiveCustomers AS SELECT Id FROM dbo.Customers",
	}

	sql, err := r.ConvertLogic(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, "select id from dbo.Customers", sql)
	assert.Contains(t, (*prompts)[0], "- Id int")

	_, err = r.ConvertLogic(context.Background(), framework.SourceObject{Name: "Empty", Kind: framework.KindView})
	assert.ErrorContains(t, err, "has no definition")

	_, asker = scripted("I cannot help with that.", nil)
	_, err = NewReasoner(asker).ConvertLogic(context.Background(), obj)
	assert.ErrorContains(t, err, "no sql in reply")
}

func TestReasonerProposeFix(t *testing.T) {
	req := framework.FixRequest{
		Model:  "stg_orders",
		SQL:    "select Total from {{ source('dbo', 'Orders') }}",
		Errors: []string{"column Total type mismatch"},
		Source: framework.SourceObject{Name: "Orders", Kind: framework.KindTable, Columns: []framework.Column{{Name: "Total", Type: "money"}}},
	}

	prompts, asker := scripted("```sql\nselect cast(Total as numeric(19,4)) as Total from {{ source('dbo', 'Orders') }}\n```", nil)
	fix, err := NewReasoner(asker).ProposeFix(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"llm_rewrite"}, fix.Applied)
	assert.Equal(t, "select cast(Total as numeric(19,4)) as Total from {{ source('dbo', 'Orders') }}\n", fix.SQL)
	assert.Contains(t, (*prompts)[0], "- column Total type mismatch")
	assert.Contains(t, (*prompts)[0], "stg_orders")

	_, asker = scripted("```sql\nSELECT Total\nfrom {{ source('dbo', 'Orders') }}\n```", nil)
	fix, err = NewReasoner(asker).ProposeFix(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, fix.Applied)
	assert.Equal(t, req.SQL, fix.SQL)

	_, asker = scripted("", errors.New("timeout"))
	_, err = NewReasoner(asker).ProposeFix(context.Background(), req)
	assert.EqualError(t, err, "timeout")

	_, err = (&Reasoner{}).ProposeFix(context.Background(), req)
	assert.Error(t, err)
}

func TestExtractSQL(t *testing.T) {
	assert.Equal(t, "select 1", ExtractSQL("```sql\nselect 1\n```"))
	assert.Equal(t, "select 2", ExtractSQL("```\nselect 2\n```"))
	assert.Equal(t, "with a as (select 1) select * from a", ExtractSQL("with a as (select 1) select * from a"))
	assert.Equal(t, "", ExtractSQL("no idea"))
}
