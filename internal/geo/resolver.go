package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// cachePrefix is the Redis key prefix for cached IP -> country lookups.
	cachePrefix = "geo:"

	// cacheTTL is how long a resolved country code stays cached.
	cacheTTL = 24 * time.Hour

	// lookupTimeout bounds the external lookup so connection establishment
	// is never held up by a slow provider.
	lookupTimeout = 2 * time.Second
)

// DefaultLocation is used whenever resolution fails for any reason.
var DefaultLocation = Location{Code: "us", Country: "United States", Flag: CountryFlag("us")}

// Location is a resolved display location.
type Location struct {
	Code    string
	Country string
	Flag    string
}

// Resolver looks up the country for a client IP via ip-api.com, with an
// optional Redis cache in front. The zero dependency set (nil client, nil
// cache) still works: every lookup then hits the provider directly.
type Resolver struct {
	httpClient *http.Client
	rdb        *redis.Client // optional cache, may be nil
	endpoint   string
}

// NewResolver creates a Resolver. rdb may be nil to disable caching.
func NewResolver(rdb *redis.Client) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: lookupTimeout},
		rdb:        rdb,
		endpoint:   "http://ip-api.com/json",
	}
}

// Resolve returns the display location for the given client IP. Failures of
// any kind (private address, provider error, malformed response) fall back
// to DefaultLocation and never propagate.
func (r *Resolver) Resolve(ctx context.Context, ip string) Location {
	if ip == "" {
		return DefaultLocation
	}

	if code := r.cacheGet(ctx, ip); code != "" {
		return locationFor(code)
	}

	code, err := r.lookup(ctx, ip)
	if err != nil {
		log.Printf("geo: lookup failed for %s: %v", ip, err)
		return DefaultLocation
	}

	r.cacheSet(ctx, ip, code)
	return locationFor(code)
}

// lookup queries ip-api.com for the country code of the given IP.
func (r *Resolver) lookup(ctx context.Context, ip string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s?fields=status,countryCode", r.endpoint, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo: provider returned %s", resp.Status)
	}

	var body struct {
		Status      string `json:"status"`
		CountryCode string `json:"countryCode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Status != "success" || body.CountryCode == "" {
		return "", fmt.Errorf("geo: no country for %s (status=%s)", ip, body.Status)
	}

	return strings.ToLower(body.CountryCode), nil
}

// cacheGet returns the cached country code for an IP, or "" on miss or any
// Redis error (fail open).
func (r *Resolver) cacheGet(ctx context.Context, ip string) string {
	if r.rdb == nil {
		return ""
	}
	code, err := r.rdb.Get(ctx, cachePrefix+ip).Result()
	if err == redis.Nil {
		return ""
	}
	if err != nil {
		log.Printf("geo: cache get %s: %v", ip, err)
		return ""
	}
	return code
}

// cacheSet stores the resolved country code for an IP, best effort.
func (r *Resolver) cacheSet(ctx context.Context, ip, code string) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Set(ctx, cachePrefix+ip, code, cacheTTL).Err(); err != nil {
		log.Printf("geo: cache set %s: %v", ip, err)
	}
}

// locationFor builds a Location from a lowercase country code.
func locationFor(code string) Location {
	return Location{
		Code:    code,
		Country: CountryName(code),
		Flag:    CountryFlag(code),
	}
}

// ClientIP extracts the originating client IP from proxy headers, falling
// back to the request's remote address. The IPv4-mapped IPv6 prefix is
// stripped so cache keys and provider queries stay consistent.
func ClientIP(r *http.Request) string {
	ip := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if real := r.Header.Get("X-Real-Ip"); real != "" {
		ip = real
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		} else {
			ip = host
		}
	}
	return strings.TrimPrefix(ip, "::ffff:")
}
