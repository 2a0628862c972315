// Package sheets is the client for the spreadsheet service that holds the
// authoritative club data. The service is quota-limited (roughly 60 reads a
// minute), so the client rate-limits itself and classifies 429s so the
// backoff executor can recognize them.
package sheets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
)

// DefaultTimeout bounds a single request. The backoff executor owns the
// retries, so individual attempts can stay short.
const DefaultTimeout = 5 * time.Second

// Client talks to the spreadsheet service's REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	log     logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithRateLimit sets the client-side request budget.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New returns a Client for the service at baseURL authenticating with token.
func New(log logger.Logger, baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: DefaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(1), 2),
		log:     log.WithPrefix("[sheets]"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type clubPayload struct {
	ClubID          string   `json:"club_id"`
	Name            string   `json:"name"`
	Kind            string   `json:"kind"`
	DailyQuota      int      `json:"daily_quota,omitempty"`
	LeaderID        string   `json:"leader_id"`
	OfficerIDs      []string `json:"officer_ids"`
	SourceUpdatedAt string   `json:"source_updated_at"`
}

type memberPayload struct {
	MemberName string `json:"member_name"`
	Verified   bool   `json:"verified"`
	Daily      []struct {
		Date  string `json:"date"`
		Count int64  `json:"count"`
		Gain  int64  `json:"gain"`
	} `json:"daily"`
}

type dailyDelta struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
	Gain  int64  `json:"gain"`
}

type listClubsPayload struct {
	ClubIDs []string `json:"club_ids"`
}

// FetchClub reads a club's configuration record.
func (c *Client) FetchClub(ctx context.Context, clubID string) (fancount.ClubRecord, error) {
	var payload clubPayload
	if err := c.do(ctx, http.MethodGet, "/clubs/"+url.PathEscape(clubID), nil, &payload); err != nil {
		return fancount.ClubRecord{}, errors.Wrapf(err, "fetch club %s", clubID)
	}
	return payload.toRecord()
}

// FetchMembers reads the full member roster for a club.
func (c *Client) FetchMembers(ctx context.Context, clubID string) ([]fancount.MemberRecord, error) {
	var payload []memberPayload
	if err := c.do(ctx, http.MethodGet, "/clubs/"+url.PathEscape(clubID)+"/members", nil, &payload); err != nil {
		return nil, errors.Wrapf(err, "fetch members of %s", clubID)
	}
	members := make([]fancount.MemberRecord, 0, len(payload))
	for _, mp := range payload {
		rec, err := mp.toRecord(clubID)
		if err != nil {
			// A malformed row is skipped, not fatal: one junk row in the
			// sheet must not hide the rest of the roster.
			c.log.Warn("skipping malformed member row in club %s: %v", clubID, err)
			continue
		}
		members = append(members, rec)
	}
	return members, nil
}

// WriteClub overwrites a club's configuration record.
func (c *Client) WriteClub(ctx context.Context, rec fancount.ClubRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	body := clubPayload{
		ClubID:          rec.ClubID,
		Name:            rec.Name,
		Kind:            rec.Kind.String(),
		DailyQuota:      rec.DailyQuota,
		LeaderID:        rec.LeaderID,
		OfficerIDs:      rec.OfficerIDs,
		SourceUpdatedAt: rec.SourceUpdatedAt.UTC().Format(time.RFC3339),
	}
	if err := c.do(ctx, http.MethodPut, "/clubs/"+url.PathEscape(rec.ClubID), body, nil); err != nil {
		return errors.Wrapf(err, "write club %s", rec.ClubID)
	}
	return nil
}

// WriteMemberDelta appends the member's latest daily reading.
func (c *Client) WriteMemberDelta(ctx context.Context, rec fancount.MemberRecord) error {
	latest, ok := rec.Latest()
	if !ok {
		return errors.Newf("member %s has no readings to write", rec.MemberName)
	}
	body := dailyDelta{
		Date:  latest.Date.Format("2006-01-02"),
		Count: latest.Count,
		Gain:  latest.Gain,
	}
	path := fmt.Sprintf("/clubs/%s/members/%s/daily", url.PathEscape(rec.ClubID), url.PathEscape(rec.MemberName))
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return errors.Wrapf(err, "write member delta %s/%s", rec.ClubID, rec.MemberName)
	}
	return nil
}

// ListClubIDs enumerates every configured club, for warm-up and sync.
func (c *Client) ListClubIDs(ctx context.Context) ([]string, error) {
	var payload listClubsPayload
	if err := c.do(ctx, http.MethodGet, "/clubs", nil, &payload); err != nil {
		return nil, errors.Wrap(err, "list clubs")
	}
	return payload.ClubIDs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failures and timeouts are worth retrying.
		return fancount.Transient(err)
	}
	defer resp.Body.Close()
	c.log.Trace("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(started))

	if err := classifyStatus(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode response body")
		}
	}
	return nil
}

// classifyStatus maps HTTP responses to the error taxonomy. 429 and quota
// complaints are rate limits, 5xx is transient, auth failures are neither
// and must not be retried.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	base := errors.Newf("spreadsheet service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fancount.RateLimited(base)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Mark(base, fancount.ErrNotFound)
	case resp.StatusCode >= 500:
		return fancount.Transient(base)
	case looksLikeQuota(string(snippet)):
		return fancount.RateLimited(base)
	default:
		return base
	}
}

// looksLikeQuota matches the rate-limit phrasings the service is known to
// bury in non-429 responses.
func looksLikeQuota(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit")
}

func (p clubPayload) toRecord() (fancount.ClubRecord, error) {
	kind, err := fancount.ParseClubKind(p.Kind)
	if err != nil {
		return fancount.ClubRecord{}, err
	}
	rec := fancount.ClubRecord{
		ClubID:     p.ClubID,
		Name:       p.Name,
		Kind:       kind,
		DailyQuota: p.DailyQuota,
		LeaderID:   p.LeaderID,
		OfficerIDs: p.OfficerIDs,
	}
	if p.SourceUpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339, p.SourceUpdatedAt)
		if err != nil {
			return fancount.ClubRecord{}, errors.Wrapf(err, "club %s has a bad source_updated_at", p.ClubID)
		}
		rec.SourceUpdatedAt = ts
	}
	return rec, rec.Validate()
}

func (p memberPayload) toRecord(clubID string) (fancount.MemberRecord, error) {
	rec := fancount.MemberRecord{
		ClubID:     clubID,
		MemberName: p.MemberName,
		Verified:   p.Verified,
	}
	if rec.MemberName == "" {
		return rec, errors.New("member row missing name")
	}
	for _, d := range p.Daily {
		date, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			return rec, errors.Wrapf(err, "member %s has a bad date", p.MemberName)
		}
		if err := rec.AppendDaily(date, d.Count, d.Gain); err != nil {
			return rec, err
		}
	}
	return rec, nil
}
