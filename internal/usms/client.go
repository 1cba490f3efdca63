package usms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var errNotFound = errors.New("usms: gateway resource not found")

// Client talks to the portal gateway, a small HTTP service that wraps the
// portal scraper and exposes meters and their hourly history as JSON.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a gateway client for one portal login.
func NewClient(baseURL, username, password string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "usms-gateway",
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// a day that is not published yet is a normal answer
			return err == nil || errors.Is(err, errNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c
}

type meterDTO struct {
	No              string    `json:"no"`
	Type            string    `json:"type"`
	RemainingUnit   float64   `json:"remaining_unit"`
	RemainingCredit float64   `json:"remaining_credit"`
	LastUpdated     time.Time `json:"last_updated"`
}

type accountDTO struct {
	RegNo  string     `json:"reg_no"`
	Meters []meterDTO `json:"meters"`
}

type hourlyDTO struct {
	Date  string             `json:"date"`
	Hours map[string]float64 `json:"hours"`
}

// Login authenticates against the portal and loads the account's meters.
func (c *Client) Login(ctx context.Context) (*RemoteAccount, error) {
	var dto accountDTO
	if err := c.do(ctx, http.MethodGet, "/account", nil, &dto); err != nil {
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	meters := make([]*Meter, 0, len(dto.Meters))
	for _, md := range dto.Meters {
		meterType, ok := ParseMeterType(md.Type)
		if !ok {
			c.log.Warn("skipping meter with unknown type", zap.String("meter", md.No), zap.String("type", md.Type))
			continue
		}
		meters = append(meters, NewMeter(md.No, meterType, md.snapshot()))
	}

	return &RemoteAccount{client: c, regNo: dto.RegNo, meters: meters}, nil
}

func (md meterDTO) snapshot() MeterSnapshot {
	return MeterSnapshot{
		RemainingUnit:   md.RemainingUnit,
		RemainingCredit: md.RemainingCredit,
		LastUpdated:     md.LastUpdated.In(Timezone),
	}
}

func (c *Client) refreshMeter(ctx context.Context, meterNo string) (MeterSnapshot, error) {
	var dto meterDTO
	path := "/meters/" + url.PathEscape(meterNo) + "/refresh"
	if err := c.do(ctx, http.MethodPost, path, nil, &dto); err != nil {
		return MeterSnapshot{}, err
	}
	return dto.snapshot(), nil
}

func (c *Client) hourlyConsumptions(ctx context.Context, meterNo string, day time.Time) (map[int]float64, error) {
	query := url.Values{}
	query.Set("date", StartOfDay(day).Format("2006-01-02"))

	var dto hourlyDTO
	path := "/meters/" + url.PathEscape(meterNo) + "/consumptions/hourly"
	if err := c.do(ctx, http.MethodGet, path, query, &dto); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrConsumptionHistoryNotFound
		}
		return nil, err
	}

	result := make(map[int]float64, len(dto.Hours))
	for key, value := range dto.Hours {
		hour, err := strconv.Atoi(key)
		if err != nil || hour < 1 || hour > 24 {
			return nil, fmt.Errorf("invalid hour key %q for meter %s", key, meterNo)
		}
		result[hour] = value
	}
	if len(result) == 0 {
		return nil, ErrConsumptionHistoryNotFound
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, query, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

// RemoteAccount is an Account backed by the gateway Client.
type RemoteAccount struct {
	client *Client
	regNo  string
	meters []*Meter
}

func (a *RemoteAccount) RegNo() string { return a.regNo }

func (a *RemoteAccount) Meters() []*Meter { return a.meters }

func (a *RemoteAccount) ForceUpdate(ctx context.Context, m *Meter) error {
	snapshot, err := a.client.refreshMeter(ctx, m.No)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", m, err)
	}
	m.SetSnapshot(snapshot)
	return nil
}

func (a *RemoteAccount) HourlyConsumptions(ctx context.Context, m *Meter, day time.Time) (map[int]float64, error) {
	return a.client.hourlyConsumptions(ctx, m.No, day)
}
