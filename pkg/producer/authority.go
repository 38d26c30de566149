package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

const (
	authorityRequestTimeout = 5 * time.Second
	authorityMaxRetries     = 3
)

// validityResponse is the shape of the Routinator validity API reply.
type validityResponse struct {
	ValidatedRoute struct {
		Validity struct {
			State  string `json:"state"`
			Reason string `json:"reason"`
		} `json:"validity"`
	} `json:"validated_route"`
}

// AuthorityProducer validates (prefix, origin) pairs against RPKI via the
// Routinator validity API. Results are cached in Redis so repeated windows
// for a stable key cost one lookup per TTL.
type AuthorityProducer struct {
	apiURL   string
	http     *http.Client
	redis    *redis.Client
	cacheTTL time.Duration
}

// NewAuthorityProducer creates the authority-based producer. The Redis
// client is optional; without it every window hits the API.
func NewAuthorityProducer(apiURL string, redisClient *redis.Client, cacheTTL time.Duration) *AuthorityProducer {
	return &AuthorityProducer{
		apiURL:   strings.TrimRight(apiURL, "/"),
		http:     &http.Client{Timeout: authorityRequestTimeout},
		redis:    redisClient,
		cacheTTL: cacheTTL,
	}
}

// Stage implements Evaluator.
func (p *AuthorityProducer) Stage() string { return models.StageProducerAuthority }

// Evaluate implements Evaluator. A valid route emits nothing; invalid and
// not-found states become detections. An unreachable validator skips the
// window rather than inventing a verdict.
func (p *AuthorityProducer) Evaluate(ctx context.Context, w models.FeatureWindow) []models.Detection {
	status, anomaly, err := p.validate(ctx, w.Prefix, w.OriginASN)
	if err != nil {
		log.Printf("%s: validate %s AS%d: %v", p.Stage(), w.Prefix, w.OriginASN, err)
		return nil
	}
	if status == models.AuthorityValid {
		return nil
	}

	severity := models.SeverityLow
	switch status {
	case models.AuthorityInvalidOrigin:
		severity = models.SeverityCritical
	case models.AuthorityInvalidLength, models.AuthorityInvalid:
		severity = models.SeverityHigh
	}

	return []models.Detection{{
		ProducedAt:       time.Now().UTC(),
		Prefix:           w.Prefix,
		OriginASN:        w.OriginASN,
		WindowStart:      w.WindowStart,
		SourceKind:       models.SourceAuthority,
		EventType:        "rpki_validation",
		Severity:         severity,
		Score:            severityScore(severity),
		AuthorityStatus:  status,
		AuthorityAnomaly: anomaly,
		Metadata: map[string]interface{}{
			"announce_count": w.AnnounceCount,
			"withdraw_count": w.WithdrawCount,
			"distinct_peers": w.DistinctPeers,
		},
	}}
}

// validate returns the authority status for a key, consulting the Redis
// cache first. Cached entries hold "status|anomaly".
func (p *AuthorityProducer) validate(ctx context.Context, prefix string, origin uint32) (string, string, error) {
	cacheKey := fmt.Sprintf("rpki:%s:%d", prefix, origin)

	if p.redis != nil {
		if cached, err := p.redis.Get(ctx, cacheKey).Result(); err == nil {
			status, anomaly, _ := strings.Cut(cached, "|")
			return status, anomaly, nil
		}
	}

	status, anomaly, err := p.query(ctx, prefix, origin)
	if err != nil {
		return "", "", err
	}

	if p.redis != nil {
		if err := p.redis.Set(ctx, cacheKey, status+"|"+anomaly, p.cacheTTL).Err(); err != nil {
			log.Printf("%s: cache set: %v", p.Stage(), err)
		}
	}
	return status, anomaly, nil
}

func (p *AuthorityProducer) query(ctx context.Context, prefix string, origin uint32) (string, string, error) {
	pfx, err := netip.ParsePrefix(prefix)
	if err != nil {
		return "", "", fmt.Errorf("parse prefix %q: %w", prefix, err)
	}
	url := fmt.Sprintf("%s/%d/%s/%d", p.apiURL, origin, pfx.Addr(), pfx.Bits())

	var resp *http.Response
	for attempt := 0; attempt < authorityMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", "", err
		}
		resp, err = p.http.Do(req)
		if err != nil {
			if attempt < authorityMaxRetries-1 {
				time.Sleep(time.Second)
				continue
			}
			return "", "", fmt.Errorf("query validator: %w", err)
		}
		// 503 means the validator is still building its ROA set.
		if resp.StatusCode == http.StatusServiceUnavailable {
			resp.Body.Close()
			if attempt < authorityMaxRetries-1 {
				time.Sleep(time.Second)
				continue
			}
			return "", "", fmt.Errorf("validator unavailable")
		}
		break
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("validator returned status %d", resp.StatusCode)
	}

	var body validityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decode validator response: %w", err)
	}

	return mapValidity(body.ValidatedRoute.Validity.State, body.ValidatedRoute.Validity.Reason)
}

// mapValidity translates validator states into authority statuses. An
// invalid reason mentioning the origin AS is a hijack signal; one
// mentioning the max length is a leak signal.
func mapValidity(state, reason string) (string, string, error) {
	lower := strings.ToLower(reason)
	switch state {
	case "valid":
		return models.AuthorityValid, "", nil
	case "invalid":
		switch {
		case strings.Contains(lower, "origin") || strings.Contains(lower, "as"):
			return models.AuthorityInvalidOrigin, "announced origin does not match any covering ROA: " + reason, nil
		case strings.Contains(lower, "length") || strings.Contains(lower, "max"):
			return models.AuthorityInvalidLength, "prefix length exceeds ROA max length: " + reason, nil
		default:
			return models.AuthorityInvalid, "RPKI invalid: " + reason, nil
		}
	case "not-found", "unknown":
		return models.AuthorityNotFound, "", nil
	default:
		return "", "", fmt.Errorf("unexpected validity state %q", state)
	}
}
