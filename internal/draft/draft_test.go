package draft

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/apperr"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
	"github.com/sells-group/outreach-cli/pkg/anthropic/mocks"
)

func testConfig() Config {
	return Config{
		Model:      "claude-haiku-4-5-20251001",
		MaxTokens:  512,
		Language:   "fr",
		DemoURL:    "https://demo.outreach.test",
		LandingURL: "https://outreach.test",
	}
}

func testLead() model.Lead {
	return model.Lead{ID: "lead-1", Name: "Chez X", Region: "Paris", Website: "https://chezx.fr"}
}

func toolResponse(input string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:      "claude-haiku-4-5-20251001",
		StopReason: "tool_use",
		Content: []anthropic.ContentBlock{
			{Type: "tool_use", Name: ToolName, Input: json.RawMessage(input)},
		},
		Usage: anthropic.TokenUsage{InputTokens: 300, OutputTokens: 120},
	}
}

func newTestGenerator(client anthropic.Client) *Generator {
	g := NewGenerator(client, testConfig())
	g.retry.InitialBackoff = time.Millisecond
	g.retry.MaxBackoff = 2 * time.Millisecond
	return g
}

func TestGenerate_Success(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == 512 &&
			req.System != "" &&
			len(req.Messages) == 1 &&
			req.Messages[0].Role == "user"
	})).Return(toolResponse(`{"subject":" Vos appels manqués ","text":"Bonjour,\n\nNous aidons les restaurants.\n\nÀ bientôt"}`), nil)

	d, err := newTestGenerator(client).Generate(context.Background(), testLead(), model.StageInitial)
	require.NoError(t, err)
	assert.Equal(t, Draft{Subject: "Vos appels manqués", Text: "Bonjour,\n\nNous aidons les restaurants.\n\nÀ bientôt"}, d)
}

func TestGenerate_ForcesDraftTool(t *testing.T) {
	client := mocks.NewMockClient(t)
	var got anthropic.MessageRequest
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(anthropic.MessageRequest) }).
		Return(toolResponse(`{"subject":"a","text":"b"}`), nil)

	_, err := newTestGenerator(client).Generate(context.Background(), testLead(), model.StageFinalFollowup)
	require.NoError(t, err)

	assert.Equal(t, ToolName, got.ToolChoice)
	require.Len(t, got.Tools, 1)
	tool := got.Tools[0]
	assert.Equal(t, ToolName, tool.Name)
	assert.Equal(t, []string{"subject", "text"}, tool.Required)
	assert.Len(t, tool.Properties, 2)
	assert.Equal(t, map[string]any{"type": "string", "description": "Email subject line."}, tool.Properties["subject"])
	assert.Contains(t, got.System, ToolName)
}

func TestGenerate_EmptyOutput(t *testing.T) {
	tests := map[string]*anthropic.MessageResponse{
		"no tool call":  {Content: []anthropic.ContentBlock{{Type: "text", Text: `{"subject":"a","text":"b"}`}}},
		"other tool":    {Content: []anthropic.ContentBlock{{Type: "tool_use", Name: "lookup", Input: json.RawMessage(`{"subject":"a","text":"b"}`)}}},
		"null input":    toolResponse(`null`),
		"empty fields":  toolResponse(`{"subject":"","text":""}`),
		"missing text":  toolResponse(`{"subject":"Bonjour"}`),
		"blank subject": toolResponse(`{"subject":"   ","text":"Salut"}`),
	}
	for name, resp := range tests {
		t.Run(name, func(t *testing.T) {
			client := mocks.NewMockClient(t)
			client.On("CreateMessage", mock.Anything, mock.Anything).Return(resp, nil)

			d, err := newTestGenerator(client).Generate(context.Background(), testLead(), model.StageInitial)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmptyDraft)
			assert.Equal(t, Draft{}, d)
		})
	}
}

func TestGenerate_InvalidOutput(t *testing.T) {
	tests := map[string]string{
		"not an object": `"Bonjour"`,
		"extra field":   `{"subject":"a","text":"b","cta":"c"}`,
		"wrong type":    `{"subject":1,"text":"b"}`,
		"truncated":     `{"subject":"a","text":"b`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			client := mocks.NewMockClient(t)
			client.On("CreateMessage", mock.Anything, mock.Anything).Return(toolResponse(input), nil)

			_, err := newTestGenerator(client).Generate(context.Background(), testLead(), model.StageFirstFollowup)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDraft)
			assert.True(t, apperr.Is(err, apperr.KindUpstream))
		})
	}
}

func TestGenerate_NilResponse(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, nil)

	_, err := newTestGenerator(client).Generate(context.Background(), testLead(), model.StageInitial)
	assert.ErrorIs(t, err, ErrEmptyDraft)
}

func TestGenerate_UpstreamError(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Times(3)

	_, err := newTestGenerator(client).Generate(context.Background(), testLead(), model.StageInitial)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
}

func TestBuildPrompt_Stages(t *testing.T) {
	cfg := testConfig()

	p0 := BuildPrompt(testLead(), model.StageInitial, cfg)
	assert.Contains(t, p0, "80 à 140 mots")
	assert.Contains(t, p0, "Premier email de prospection.")
	assert.Contains(t, p0, "Nom: Chez X")
	assert.Contains(t, p0, "Ville: Paris")
	assert.Contains(t, p0, "Démo: https://demo.outreach.test")
	assert.Contains(t, p0, "1 seule question")
	assert.Contains(t, p0, "désinscrire")
	assert.Contains(t, p0, "pas de '!!!'")

	p1 := BuildPrompt(testLead(), model.StageFirstFollowup, cfg)
	assert.Contains(t, p1, "40 à 90 mots")
	assert.Contains(t, p1, "Relance 1")

	p2 := BuildPrompt(testLead(), model.StageFinalFollowup, cfg)
	assert.Contains(t, p2, "40 à 90 mots")
	assert.Contains(t, p2, "Relance 2")
}

func TestBuildPrompt_EnglishAndDemoFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Language = "en"
	cfg.DemoURL = ""

	p := BuildPrompt(testLead(), model.StageInitial, cfg)
	assert.Contains(t, p, "80 to 140 words")
	assert.Contains(t, p, "Demo: https://outreach.test")
	assert.Contains(t, p, "City: Paris")

	cfg.Language = "de"
	assert.Contains(t, BuildPrompt(testLead(), model.StageInitial, cfg), "Nom: Chez X")
}
