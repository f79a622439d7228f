// Package rates serves daily ECB reference exchange rates with a TTL cache.
// Amounts are converted with shopspring/decimal so display layers never see
// float rounding artifacts.
package rates

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/tallyd/tallyd/internal/common/errors"
	"github.com/tallyd/tallyd/internal/common/logger"
)

// DefaultECBUrl is the ECB daily reference rates feed (EUR base).
const DefaultECBUrl = "https://www.ecb.europa.eu/stats/eurofxref/eurofxref-daily.xml"

const conversionScale = 8

// Snapshot is one cached set of rates. Rates are quoted against EUR; the
// EUR rate itself is always 1.
type Snapshot struct {
	Base      string                     `json:"base"`
	Date      string                     `json:"date"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Service exposes cached exchange rates.
type Service interface {
	Rates(ctx context.Context) (*Snapshot, error)
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// ECBService fetches and caches the ECB feed. The cache is explicit state
// on the service value; refreshes are deduplicated with singleflight so a
// cold cache under concurrent load produces one upstream request.
type ECBService struct {
	url    string
	ttl    time.Duration
	client *http.Client
	log    *logger.Logger

	mu    sync.RWMutex
	snap  *Snapshot
	group singleflight.Group
}

var _ Service = (*ECBService)(nil)

func NewECBService(url string, ttl time.Duration, log *logger.Logger) *ECBService {
	if url == "" {
		url = DefaultECBUrl
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if log == nil {
		log = logger.Default()
	}
	return &ECBService{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

// Rates returns the cached snapshot, refreshing it from the feed when the
// TTL has lapsed. A refresh failure with a stale snapshot in hand serves
// the stale data rather than erroring.
func (s *ECBService) Rates(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap != nil && time.Since(snap.FetchedAt) < s.ttl {
		return snap, nil
	}

	fetched, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		// Another waiter may have refreshed while this call queued.
		s.mu.RLock()
		current := s.snap
		s.mu.RUnlock()
		if current != nil && time.Since(current.FetchedAt) < s.ttl {
			return current, nil
		}

		fresh, err := s.fetch(ctx)
		if err != nil {
			if current != nil {
				s.log.WithError(err).Warn("serving stale exchange rates")
				return current, nil
			}
			return nil, err
		}
		s.mu.Lock()
		s.snap = fresh
		s.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to fetch exchange rates")
	}
	return fetched.(*Snapshot), nil
}

// Convert translates amount between two currencies via the EUR cross rate.
func (s *ECBService) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}
	snap, err := s.Rates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	fromRate, err := snap.rate(from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := snap.rate(to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(toRate).DivRound(fromRate, conversionScale), nil
}

func (s *Snapshot) rate(currency string) (decimal.Decimal, error) {
	if currency == s.Base {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := s.Rates[currency]
	if !ok {
		return decimal.Zero, apperrors.BadRequest(fmt.Sprintf("unknown currency %q", currency))
	}
	return rate, nil
}

type ecbEnvelope struct {
	Cube struct {
		Day struct {
			Time  string `xml:"time,attr"`
			Rates []struct {
				Currency string `xml:"currency,attr"`
				Rate     string `xml:"rate,attr"`
			} `xml:"Cube"`
		} `xml:"Cube"`
	} `xml:"Cube"`
}

func (s *ECBService) fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates feed returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var envelope ecbEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode rates feed: %w", err)
	}
	if len(envelope.Cube.Day.Rates) == 0 {
		return nil, fmt.Errorf("rates feed held no rates")
	}

	snap := &Snapshot{
		Base:      "EUR",
		Date:      envelope.Cube.Day.Time,
		Rates:     make(map[string]decimal.Decimal, len(envelope.Cube.Day.Rates)),
		FetchedAt: time.Now().UTC(),
	}
	for _, entry := range envelope.Cube.Day.Rates {
		rate, err := decimal.NewFromString(entry.Rate)
		if err != nil {
			return nil, fmt.Errorf("bad rate for %s: %w", entry.Currency, err)
		}
		snap.Rates[entry.Currency] = rate
	}
	s.log.Debug("refreshed exchange rates",
		zap.String("date", snap.Date),
		zap.Int("currencies", len(snap.Rates)))
	return snap, nil
}
