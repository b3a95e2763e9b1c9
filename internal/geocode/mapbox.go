package geocode

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/url"
    "time"

    "golang.org/x/time/rate"

    "fleetplan/internal/model"
    "fleetplan/internal/store"
)

// Client geocodes free-form address text against the Mapbox places API.
// Geocoding is optional everywhere it is used: callers fall back to manual
// region selection when the client is absent or the lookup fails.
type Client struct {
    Token   string
    BaseURL string
    HTTP    *http.Client
    limiter *rate.Limiter
}

// NewClient builds a client rate-limited to 10 requests/second, the
// free-tier ceiling.
func NewClient(token string) *Client {
    return &Client{
        Token:   token,
        BaseURL: "https://api.mapbox.com",
        HTTP:    &http.Client{Timeout: 5 * time.Second},
        limiter: rate.NewLimiter(rate.Limit(10), 10),
    }
}

type mapboxResponse struct {
    Features []struct {
        Center [2]float64 `json:"center"`
    } `json:"features"`
}

// Geocode resolves address text to a point. Returns store.ErrNotFound when
// the API has no match for the query.
func (c *Client) Geocode(ctx context.Context, address string) (model.GeoPoint, error) {
    var pt model.GeoPoint
    if c.Token == "" {
        return pt, fmt.Errorf("geocode: no token configured")
    }
    if err := c.limiter.Wait(ctx); err != nil {
        return pt, err
    }
    u := fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json?access_token=%s&limit=1",
        c.BaseURL, url.PathEscape(address), url.QueryEscape(c.Token))
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
    if err != nil {
        return pt, err
    }
    resp, err := c.HTTP.Do(req)
    if err != nil {
        return pt, err
    }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        return pt, fmt.Errorf("geocode: status %d", resp.StatusCode)
    }
    var body mapboxResponse
    if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
        return pt, err
    }
    if len(body.Features) == 0 {
        return pt, store.ErrNotFound
    }
    // Mapbox centers are [lng, lat].
    pt.Lng = body.Features[0].Center[0]
    pt.Lat = body.Features[0].Center[1]
    return pt, nil
}
