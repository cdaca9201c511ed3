// Package draft generates stage-specific outreach emails with Claude.
package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/apperr"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
)

var (
	// ErrEmptyDraft means the model returned no usable subject or body.
	ErrEmptyDraft = eris.New("draft: empty generation")
	// ErrInvalidDraft means the model output did not match {subject, text}.
	ErrInvalidDraft = eris.New("draft: invalid generation")
)

// ToolName is the tool the model is forced to call with the email.
const ToolName = "email_draft"

var draftTool = anthropic.Tool{
	Name:        ToolName,
	Description: "Return the outreach email as a subject line and a plain-text body.",
	Properties: map[string]any{
		"subject": map[string]any{"type": "string", "description": "Email subject line."},
		"text":    map[string]any{"type": "string", "description": "Plain-text email body."},
	},
	Required: []string{"subject", "text"},
}

// Draft is a generated email.
type Draft struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Config controls prompt content and the model call.
type Config struct {
	Model      string
	MaxTokens  int64
	Language   string
	DemoURL    string
	LandingURL string
	Product    string
}

// Generator produces drafts. It has no side effects besides the model call.
type Generator struct {
	client anthropic.Client
	cfg    Config
	retry  resilience.RetryConfig
}

// NewGenerator creates a Generator.
func NewGenerator(client anthropic.Client, cfg Config) *Generator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Language == "" {
		cfg.Language = "fr"
	}
	if cfg.DemoURL == "" {
		cfg.DemoURL = cfg.LandingURL
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "draft")
	return &Generator{client: client, cfg: cfg, retry: retry}
}

// Generate drafts the email for lead at stage. Failures are always returned
// as errors, never as a zero Draft.
func (g *Generator) Generate(ctx context.Context, lead model.Lead, stage model.Stage) (Draft, error) {
	p := promptFor(g.cfg.Language)
	req := anthropic.MessageRequest{
		Model:      g.cfg.Model,
		MaxTokens:  g.cfg.MaxTokens,
		System:     p.system,
		Messages:   []anthropic.Message{{Role: "user", Content: BuildPrompt(lead, stage, g.cfg)}},
		Tools:      []anthropic.Tool{draftTool},
		ToolChoice: ToolName,
	}

	resp, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return Draft{}, apperr.Upstream(err, "draft: create message")
	}
	if resp == nil {
		return Draft{}, apperr.Wrap(apperr.KindUpstream, ErrEmptyDraft, "draft: nil response")
	}
	resp.Usage.LogCost(g.cfg.Model, "draft",
		zap.String("lead_id", lead.ID),
		zap.Int("stage", int(stage)),
	)

	return parse(resp.ToolInput(ToolName))
}

// parse decodes exactly {"subject": ..., "text": ...} from the tool input.
func parse(input json.RawMessage) (Draft, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return Draft{}, apperr.Wrap(apperr.KindUpstream, ErrEmptyDraft, "draft: no tool call")
	}

	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	var d Draft
	if err := dec.Decode(&d); err != nil {
		return Draft{}, apperr.Wrap(apperr.KindUpstream, eris.Wrap(ErrInvalidDraft, err.Error()), "draft: decode")
	}
	if dec.More() {
		return Draft{}, apperr.Wrap(apperr.KindUpstream, ErrInvalidDraft, "draft: trailing content")
	}

	d.Subject = strings.TrimSpace(d.Subject)
	d.Text = strings.TrimSpace(d.Text)
	if d.Subject == "" || d.Text == "" {
		return Draft{}, apperr.Wrap(apperr.KindUpstream, ErrEmptyDraft, "draft: missing subject or text")
	}
	return d, nil
}

type prompt struct {
	system   string
	intro    string
	rules    string
	stages   [3]string
	prospect string
	links    string
}

var prompts = map[string]prompt{
	"fr": {
		system: "Tu es un SDR B2B expert. Rends l'email avec l'outil " + ToolName + " (objet et corps en texte brut).",
		intro:  "Tu écris un email B2B en français pour un RESTAURANT.\nProduit: %s\nObjectif: obtenir une démo (lien).",
		rules: "Contraintes:\n- naturel, pas spammy, pas de '!!!'\n- %s\n- 1 seule question à la fin\n" +
			"- inclure le lien de démo\n- toujours rappeler qu'ils peuvent se désinscrire (1 phrase simple)",
		stages: [3]string{
			"Premier email de prospection.",
			"Relance 1 (court, poli).",
			"Relance 2 (dernier message, très court).",
		},
		prospect: "Prospect:\nNom: %s\nVille: %s\nSite: %s",
		links:    "Liens:\nDémo: %s\nSite: %s",
	},
	"en": {
		system: "You are an expert B2B SDR. Return the email with the " + ToolName + " tool (subject and plain-text body).",
		intro:  "You are writing a B2B email in English to a RESTAURANT.\nProduct: %s\nGoal: get a demo booked (link).",
		rules: "Constraints:\n- natural, not spammy, no '!!!'\n- %s\n- exactly 1 question at the end\n" +
			"- include the demo link\n- always remind them they can unsubscribe (1 simple sentence)",
		stages: [3]string{
			"First prospecting email.",
			"Follow-up 1 (short, polite).",
			"Follow-up 2 (last message, very short).",
		},
		prospect: "Prospect:\nName: %s\nCity: %s\nWebsite: %s",
		links:    "Links:\nDemo: %s\nWebsite: %s",
	},
}

var defaultProduct = map[string]string{
	"fr": "agent IA qui répond aux appels, prend les réservations et les inscrit dans Google Calendar.",
	"en": "AI agent that answers calls, takes bookings and puts them in Google Calendar.",
}

func promptFor(lang string) prompt {
	if p, ok := prompts[lang]; ok {
		return p
	}
	return prompts["fr"]
}

// WordRange is the target body length for a stage.
func WordRange(stage model.Stage) (lo, hi int) {
	if stage == model.StageInitial {
		return 80, 140
	}
	return 40, 90
}

// BuildPrompt renders the user instructions for lead at stage.
func BuildPrompt(lead model.Lead, stage model.Stage, cfg Config) string {
	lang := cfg.Language
	if _, ok := prompts[lang]; !ok {
		lang = "fr"
	}
	p := prompts[lang]

	product := cfg.Product
	if product == "" {
		product = defaultProduct[lang]
	}
	lo, hi := WordRange(stage)
	length := fmt.Sprintf("%d à %d mots", lo, hi)
	if lang == "en" {
		length = fmt.Sprintf("%d to %d words", lo, hi)
	}
	idx := int(stage)
	if idx < 0 || idx > 2 {
		idx = 2
	}
	demo := cfg.DemoURL
	if demo == "" {
		demo = cfg.LandingURL
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, p.intro, product)
	b.WriteString("\n")
	fmt.Fprintf(&b, p.rules, length)
	b.WriteString("\n\n")
	b.WriteString(p.stages[idx])
	b.WriteString("\n\n")
	fmt.Fprintf(&b, p.prospect, lead.Name, lead.Region, lead.Website)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, p.links, demo, cfg.LandingURL)
	return b.String()
}
