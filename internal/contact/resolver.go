// Package contact finds a contact email address on a restaurant's website.
package contact

import (
	"context"
	"html"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/metrics"
)

const (
	maxBodyBytes     = 1 << 20
	defaultTimeout   = 8 * time.Second
	defaultUserAgent = "Mozilla/5.0 (compatible; outreach-cli/1.0)"
)

// DefaultPaths are probed in order below the site root.
var DefaultPaths = []string{"", "/contact", "/contactez-nous", "/mentions-legales"}

// placeholderDomains never yield a usable address; sub-domains are excluded too.
var placeholderDomains = []string{"example.com", "example.org", "example.net", "sentry.io", "wixpress.com"}

// imageSuffixes catch asset names such as logo@2x.png that look like addresses.
var imageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif", ".ico"}

var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// Resolver probes a fixed list of pages on a website for an email address.
type Resolver struct {
	client    *http.Client
	limiter   *rate.Limiter
	paths     []string
	excluded  []string
	timeout   time.Duration
	userAgent string
	metrics   *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Resolver) { r.client = hc }
}

// NewResolver creates a Resolver from cfg. m may be nil.
func NewResolver(cfg config.ContactConfig, m *metrics.Metrics, opts ...Option) *Resolver {
	r := &Resolver{
		paths:     cfg.Paths,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		metrics:   m,
	}
	if len(r.paths) == 0 {
		r.paths = DefaultPaths
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.userAgent == "" {
		r.userAgent = defaultUserAgent
	}
	rl := cfg.RateLimit
	if rl <= 0 {
		rl = 2
	}
	r.limiter = rate.NewLimiter(rate.Limit(rl), 1)

	r.excluded = append(r.excluded, placeholderDomains...)
	for _, d := range cfg.ExcludedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			r.excluded = append(r.excluded, d)
		}
	}

	r.client = &http.Client{
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
		},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the first usable address found on website, probing the
// configured paths in order. Network failures move on to the next path.
func (r *Resolver) Resolve(ctx context.Context, website string) (string, bool) {
	base := normalizeBase(website)
	if base == "" {
		return "", false
	}
	log := zap.L().With(zap.String("website", base))

	for _, p := range r.paths {
		if ctx.Err() != nil {
			break
		}
		body, err := r.fetch(ctx, base+p)
		if err != nil {
			log.Debug("contact probe failed", zap.String("path", p), zap.Error(err))
			continue
		}
		if addr, ok := r.pick(ExtractEmails(body)); ok {
			r.metrics.ContactLookup(true)
			return addr, true
		}
	}

	r.metrics.ContactLookup(false)
	return "", false
}

func (r *Resolver) fetch(ctx context.Context, target string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "contact: rate limit wait")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", eris.Wrap(err, "contact: create request")
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.5")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "contact: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", eris.Errorf("contact: status %d", resp.StatusCode)
	}

	reader := io.LimitReader(resp.Body, maxBodyBytes)
	if cs := charsetOf(resp.Header.Get("Content-Type")); cs != "" {
		if enc, err := htmlindex.Get(cs); err == nil {
			reader = enc.NewDecoder().Reader(reader)
		}
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return "", eris.Wrap(err, "contact: read body")
	}
	return string(body), nil
}

// pick returns the first address outside the excluded domains.
func (r *Resolver) pick(emails []string) (string, bool) {
	for _, e := range emails {
		if r.usable(e) {
			return e, true
		}
	}
	return "", false
}

func (r *Resolver) usable(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 1 {
		return false
	}
	domain := email[at+1:]
	for _, suf := range imageSuffixes {
		if strings.HasSuffix(domain, suf) {
			return false
		}
	}
	for _, ex := range r.excluded {
		if domain == ex || strings.HasSuffix(domain, "."+ex) {
			return false
		}
	}
	return true
}

// ExtractEmails returns the lower-cased addresses found in page, deduplicated
// in first-seen order. Entity-encoded and percent-encoded mailto links are
// decoded first.
func ExtractEmails(page string) []string {
	text := html.UnescapeString(page)
	if strings.Contains(text, "%40") {
		text = strings.ReplaceAll(text, "%40", "@")
	}

	seen := make(map[string]struct{})
	var out []string
	for _, m := range emailRe.FindAllString(text, -1) {
		m = strings.ToLower(strings.Trim(m, "."))
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// normalizeBase adds https:// to bare hosts and strips trailing slashes.
func normalizeBase(website string) string {
	w := strings.TrimSpace(website)
	if w == "" {
		return ""
	}
	if !strings.Contains(w, "://") {
		w = "https://" + w
	}
	u, err := url.Parse(w)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/")
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}
