// Package discovery finds restaurants per target region through Google Places
// text search and upserts them as leads.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/apperr"
	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/google"
)

const (
	// maxPageSize is the Places API ceiling for pageSize.
	maxPageSize = 20
	// maxPagesPerRegion bounds pagination cost per region.
	maxPagesPerRegion = 3
	defaultName       = "Restaurant"
)

// LeadWriter is the part of the lead store discovery writes to.
type LeadWriter interface {
	UpsertLeads(ctx context.Context, leads []model.Lead) (int64, error)
}

// RegionResult summarises one region.
type RegionResult struct {
	Region   string `json:"region"`
	Found    int    `json:"found"`
	Upserted int64  `json:"upserted"`
}

// RegionFailure records a region whose search or upsert failed.
type RegionFailure struct {
	Region string `json:"region"`
	Error  string `json:"error"`
}

// Result is the outcome of one discovery pass.
type Result struct {
	Regions  []RegionResult  `json:"regions"`
	Failed   []RegionFailure `json:"failed,omitempty"`
	Upserted int64           `json:"upserted"`
}

// Job runs discovery over a list of regions.
type Job struct {
	store   LeadWriter
	places  google.Client
	limiter *rate.Limiter
	cfg     config.PlacesConfig
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
}

// NewJob creates a Job. m may be nil.
func NewJob(store LeadWriter, places google.Client, cfg config.PlacesConfig, m *metrics.Metrics) *Job {
	rl := cfg.RateLimit
	if rl <= 0 {
		rl = 5
	}
	if cfg.MaxPerCity <= 0 {
		cfg.MaxPerCity = maxPageSize
	}
	if cfg.QueryTemplate == "" {
		cfg.QueryTemplate = "restaurant in %s, France"
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("google_places", "text_search")
	return &Job{
		store:   store,
		places:  places,
		limiter: rate.NewLimiter(rate.Limit(rl), 1),
		cfg:     cfg,
		retry:   retry,
		metrics: m,
	}
}

// Run discovers every region in order. A failing region is recorded in
// Result.Failed and the remaining regions still run. Only invalid input and
// context cancellation return an error.
func (j *Job) Run(ctx context.Context, regions []string) (*Result, error) {
	if len(regions) == 0 {
		return nil, apperr.Validation("discovery: no regions")
	}
	for _, r := range regions {
		if strings.TrimSpace(r) == "" {
			return nil, apperr.Validation("discovery: blank region name")
		}
	}

	log := zap.L().With(zap.String("component", "discovery"))
	result := &Result{}

	for _, region := range regions {
		if err := ctx.Err(); err != nil {
			return result, eris.Wrap(err, "discovery: cancelled")
		}
		region = strings.TrimSpace(region)

		rr, err := j.runRegion(ctx, region)
		if err != nil {
			if ctx.Err() != nil {
				return result, eris.Wrap(err, "discovery: cancelled")
			}
			log.Warn("region discovery failed", zap.String("region", region), zap.Error(err))
			result.Failed = append(result.Failed, RegionFailure{Region: region, Error: err.Error()})
			continue
		}
		result.Regions = append(result.Regions, *rr)
		result.Upserted += rr.Upserted
		log.Info("region discovered",
			zap.String("region", region),
			zap.Int("found", rr.Found),
			zap.Int64("upserted", rr.Upserted),
		)
	}

	j.metrics.Discovered(result.Upserted, len(result.Failed))
	return result, nil
}

func (j *Job) runRegion(ctx context.Context, region string) (*RegionResult, error) {
	places, err := j.search(ctx, region)
	if err != nil {
		return nil, err
	}

	leads := make([]model.Lead, 0, len(places))
	for _, p := range places {
		if l, ok := toLead(p, region); ok {
			leads = append(leads, l)
		}
	}

	rr := &RegionResult{Region: region, Found: len(leads)}
	if len(leads) == 0 {
		return rr, nil
	}
	n, err := j.store.UpsertLeads(ctx, leads)
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: upsert %s", region)
	}
	rr.Upserted = n
	return rr, nil
}

// search pages through text search results until MaxPerCity places are
// collected or the results run out.
func (j *Job) search(ctx context.Context, region string) ([]google.Place, error) {
	var (
		out       []google.Place
		pageToken string
	)
	query := fmt.Sprintf(j.cfg.QueryTemplate, region)

	for page := 0; page < maxPagesPerRegion && len(out) < j.cfg.MaxPerCity; page++ {
		if err := j.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "discovery: rate limit wait")
		}

		req := google.TextSearchRequest{
			TextQuery:    query,
			LanguageCode: j.cfg.Language,
			PageSize:     min(maxPageSize, j.cfg.MaxPerCity-len(out)),
			PageToken:    pageToken,
		}
		resp, err := resilience.DoVal(ctx, j.retry, func(ctx context.Context) (*google.TextSearchResponse, error) {
			return j.places.TextSearch(ctx, req)
		})
		if err != nil {
			return nil, apperr.Upstream(err, "discovery: text search "+region)
		}

		out = append(out, resp.Places...)
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	if len(out) > j.cfg.MaxPerCity {
		out = out[:j.cfg.MaxPerCity]
	}
	return out, nil
}

// toLead maps a place onto a new lead. Places without an id are rejected.
func toLead(p google.Place, region string) (model.Lead, bool) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return model.Lead{}, false
	}
	name := strings.TrimSpace(p.DisplayName.Text)
	if name == "" {
		name = defaultName
	}
	return model.Lead{
		ExternalID: id,
		Name:       name,
		Region:     region,
		Address:    strings.TrimSpace(p.FormattedAddress),
		Rating:     p.Rating,
		Website:    strings.TrimSpace(p.WebsiteURI),
		Phone:      strings.TrimSpace(p.InternationalPhoneNumber),
		Status:     model.StatusNew,
	}, true
}
