package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<gesmes:Envelope xmlns:gesmes="http://www.gesmes.org/xml/2002-08-01" xmlns="http://www.ecb.int/vocabulary/2002-08-01/eurofxref">
	<Cube>
		<Cube time="2025-08-28">
			<Cube currency="USD" rate="1.0850"/>
			<Cube currency="GBP" rate="0.8400"/>
			<Cube currency="JPY" rate="160.50"/>
		</Cube>
	</Cube>
</gesmes:Envelope>`

func newTestService(t *testing.T, handler http.HandlerFunc, ttl time.Duration) (*ECBService, *int64) {
	t.Helper()
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return NewECBService(server.URL, ttl, nil), &hits
}

func serveFeed(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(sampleFeed))
}

func TestRatesFetchAndCache(t *testing.T) {
	svc, hits := newTestService(t, serveFeed, time.Hour)
	ctx := context.Background()

	snap, err := svc.Rates(ctx)
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if snap.Base != "EUR" || snap.Date != "2025-08-28" {
		t.Errorf("snapshot = %+v", snap)
	}
	if want := decimal.RequireFromString("1.0850"); !snap.Rates["USD"].Equal(want) {
		t.Errorf("USD rate = %v, want %v", snap.Rates["USD"], want)
	}

	// Second call inside the TTL must not hit the feed.
	if _, err := svc.Rates(ctx); err != nil {
		t.Fatalf("cached rates: %v", err)
	}
	if n := atomic.LoadInt64(hits); n != 1 {
		t.Errorf("feed hits = %d, want 1", n)
	}
}

func TestRatesRefreshAfterTTL(t *testing.T) {
	svc, hits := newTestService(t, serveFeed, time.Nanosecond)
	ctx := context.Background()

	if _, err := svc.Rates(ctx); err != nil {
		t.Fatalf("rates: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := svc.Rates(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := atomic.LoadInt64(hits); n != 2 {
		t.Errorf("feed hits = %d, want 2", n)
	}
}

func TestRatesServesStaleOnUpstreamFailure(t *testing.T) {
	var fail atomic.Bool
	svc, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		serveFeed(w, r)
	}, time.Nanosecond)
	ctx := context.Background()

	if _, err := svc.Rates(ctx); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	fail.Store(true)
	time.Sleep(time.Millisecond)

	snap, err := svc.Rates(ctx)
	if err != nil {
		t.Fatalf("expected stale snapshot, got error: %v", err)
	}
	if snap.Date != "2025-08-28" {
		t.Errorf("stale snapshot = %+v", snap)
	}
}

func TestRatesErrorWithoutCache(t *testing.T) {
	svc, _ := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, time.Hour)
	if _, err := svc.Rates(context.Background()); err == nil {
		t.Fatal("expected error on cold cache with failing feed")
	}
}

func TestConvert(t *testing.T) {
	svc, _ := newTestService(t, serveFeed, time.Hour)
	ctx := context.Background()

	cases := []struct {
		name   string
		amount string
		from   string
		to     string
		want   string
	}{
		{"eur to usd", "10", "EUR", "USD", "10.85"},
		{"usd to eur", "10.85", "USD", "EUR", "10"},
		{"usd to gbp", "1.0850", "USD", "GBP", "0.84"},
		{"same currency", "42", "USD", "USD", "42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount := decimal.RequireFromString(tc.amount)
			got, err := svc.Convert(ctx, amount, tc.from, tc.to)
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if want := decimal.RequireFromString(tc.want); !got.Equal(want) {
				t.Errorf("convert(%s %s -> %s) = %v, want %v", tc.amount, tc.from, tc.to, got, want)
			}
		})
	}
}

func TestConvertUnknownCurrency(t *testing.T) {
	svc, _ := newTestService(t, serveFeed, time.Hour)
	if _, err := svc.Convert(context.Background(), decimal.NewFromInt(1), "EUR", "XXX"); err == nil {
		t.Fatal("expected error for unknown currency")
	}
}
