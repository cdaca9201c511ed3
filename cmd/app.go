package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/contact"
	"github.com/sells-group/outreach-cli/internal/discovery"
	"github.com/sells-group/outreach-cli/internal/draft"
	"github.com/sells-group/outreach-cli/internal/mailer"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/outreach"
	"github.com/sells-group/outreach-cli/internal/store"
	anthropicpkg "github.com/sells-group/outreach-cli/pkg/anthropic"
	"github.com/sells-group/outreach-cli/pkg/google"
)

// appEnv holds the store and the engine components built for a command.
type appEnv struct {
	Store     store.Store
	Metrics   *metrics.Metrics
	Discovery *discovery.Job
	Runner    *outreach.Runner // nil in discover mode
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initApp validates c for mode, opens and migrates the store and wires the
// components. mode is "discover", "prospect" or "serve". tune adjusts the
// run settings derived from c.
func initApp(ctx context.Context, c *config.Config, mode string, tune ...func(*outreach.Config)) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	m := metrics.New()
	places := google.NewClient(c.Places.Key, google.WithBaseURL(c.Places.BaseURL))
	env := &appEnv{
		Store:     st,
		Metrics:   m,
		Discovery: discovery.NewJob(st, places, c.Places, m),
	}
	if mode == "discover" {
		return env, nil
	}

	mail, err := mailer.New(c.Mail)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	// The draft generator retries transient failures itself.
	aiOpts := []anthropicpkg.Option{anthropicpkg.WithMaxRetries(0)}
	if c.Anthropic.BaseURL != "" {
		aiOpts = append(aiOpts, anthropicpkg.WithBaseURL(c.Anthropic.BaseURL))
	}
	drafts := draft.NewGenerator(anthropicpkg.NewClient(c.Anthropic.Key, aiOpts...), draft.Config{
		Model:      c.Anthropic.Model,
		MaxTokens:  c.Anthropic.MaxTokens,
		Language:   c.Outreach.Language,
		DemoURL:    c.Outreach.DemoURL,
		LandingURL: c.Outreach.LandingURL,
	})

	runCfg := outreach.ConfigFrom(c.Outreach)
	for _, t := range tune {
		t(&runCfg)
	}
	env.Runner = outreach.NewRunner(outreach.Deps{
		Store:     st,
		Discovery: env.Discovery,
		Contacts:  contact.NewResolver(c.Contact, m),
		Drafts:    drafts,
		Mailer:    mail,
		Metrics:   m,
	}, runCfg)

	zap.L().Info("outreach engine ready",
		zap.String("store", c.Store.Driver),
		zap.String("mail", c.Mail.Driver),
		zap.Bool("dry_run", c.Outreach.DryRun),
		zap.Int("max_emails_per_run", c.Outreach.MaxEmailsPerRun),
		zap.Strings("regions", c.Outreach.Regions),
	)
	return env, nil
}
