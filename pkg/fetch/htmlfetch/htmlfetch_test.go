package htmlfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/leasesync/leasesync/pkg/fetch"
	"github.com/leasesync/leasesync/pkg/listing"
)

const nextDataPage = `<!DOCTYPE html>
<html><head><title>2026 Kia EV6 Wind lease</title>
<script id="__NEXT_DATA__" type="application/json">
{"props":{"pageProps":{"deal":{
  "price": 48975.00,
  "termMonths": 36,
  "residualPercent": "58%",
  "moneyFactors": {"740+": 0.00175, "700-739": 0.00215},
  "fees": {"acquisition": "$650", "doc": 85},
  "images": ["https://cdn.example.com/ev6-1.jpg", "https://cdn.example.com/ev6-2.jpg"]
}}}}
</script></head><body><h1>EV6</h1></body></html>`

const attributePage = `<html><body>
<section data-lease-deal data-price="$31,250.00" data-term="39" data-residual="61">
  <ul>
    <li data-mf-tier="740+" data-mf="0.00120">Tier 1</li>
    <li data-mf-tier="680-739" data-mf="0.00160">Tier 2</li>
  </ul>
  <span data-fee="acquisition" data-amount="595">Acq fee</span>
  <img data-deal-image src="https://cdn.example.com/civic.jpg">
</section>
</body></html>`

func TestExtractNextData(t *testing.T) {
	rec, err := Extract([]byte(nextDataPage), listing.KindFull)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !rec.Price.Valid || !rec.Price.Decimal.Equal(decimal.RequireFromString("48975")) {
		t.Fatalf("price = %v", rec.Price)
	}
	if rec.TermMonths != 36 {
		t.Fatalf("term = %d", rec.TermMonths)
	}
	if !rec.ResidualPercent.Valid || !rec.ResidualPercent.Decimal.Equal(decimal.NewFromInt(58)) {
		t.Fatalf("residual = %v", rec.ResidualPercent)
	}
	if mf := rec.MoneyFactors["740+"]; mf.String() != "0.00175" {
		t.Fatalf("money factor lost precision: %s", mf)
	}
	if len(rec.MoneyFactors) != 2 {
		t.Fatalf("expected 2 tiers, got %v", rec.MoneyFactors)
	}
	if fee := rec.Fees["acquisition"]; !fee.Equal(decimal.NewFromInt(650)) {
		t.Fatalf("acquisition fee = %s", fee)
	}
	want := []string{"https://cdn.example.com/ev6-1.jpg", "https://cdn.example.com/ev6-2.jpg"}
	if !reflect.DeepEqual(rec.Images, want) {
		t.Fatalf("images = %v", rec.Images)
	}
}

func TestExtractAttributes(t *testing.T) {
	rec, err := Extract([]byte(attributePage), listing.KindFull)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !rec.Price.Decimal.Equal(decimal.RequireFromString("31250")) {
		t.Fatalf("price = %s", rec.Price.Decimal)
	}
	if rec.TermMonths != 39 {
		t.Fatalf("term = %d", rec.TermMonths)
	}
	if !rec.MoneyFactors["680-739"].Equal(decimal.RequireFromString("0.0016")) {
		t.Fatalf("money factors = %v", rec.MoneyFactors)
	}
	if !reflect.DeepEqual(rec.Images, []string{"https://cdn.example.com/civic.jpg"}) {
		t.Fatalf("images = %v", rec.Images)
	}
}

func TestExtractLightweightReadsPriceOnly(t *testing.T) {
	rec, err := Extract([]byte(nextDataPage), listing.KindLightweight)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if rec.Kind != listing.KindLightweight || !rec.Price.Valid {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.MoneyFactors != nil || rec.TermMonths != 0 || rec.Images != nil {
		t.Fatalf("lightweight fetch read more than the price: %+v", rec)
	}
}

func TestExtractJSONLDPrice(t *testing.T) {
	page := `<html><head><script type="application/ld+json">
{"@type":"Product","offers":{"@type":"Offer","price":"27999.99","priceCurrency":"USD"}}
</script></head><body></body></html>`
	rec, err := Extract([]byte(page), listing.KindLightweight)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !rec.Price.Decimal.Equal(decimal.RequireFromString("27999.99")) {
		t.Fatalf("price = %s", rec.Price.Decimal)
	}
}

func TestExtractWithoutPrice(t *testing.T) {
	_, err := Extract([]byte(`<html><body><p>Sold out</p></body></html>`), listing.KindFull)
	if !errors.Is(err, fetch.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestFetchStatusMapping(t *testing.T) {
	var gotUA string
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(attributePage))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := New(Options{UserAgent: "leasesync-test"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	rec, err := f.Fetch(ctx, srv.URL+"/ok", listing.KindFull)
	if err != nil {
		t.Fatalf("fetch ok: %v", err)
	}
	if rec.TermMonths != 39 {
		t.Fatalf("term = %d", rec.TermMonths)
	}
	if gotUA != "leasesync-test" {
		t.Fatalf("user agent = %q", gotUA)
	}

	tests := []struct {
		path string
		want error
	}{
		{"/gone", fetch.ErrExtraction},
		{"/broken", fetch.ErrFetchTransport},
	}
	for _, tt := range tests {
		if _, err := f.Fetch(ctx, srv.URL+tt.path, listing.KindFull); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.path, tt.want, err)
		}
	}
}

func TestFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Fetch(context.Background(), addr, listing.KindFull); !errors.Is(err, fetch.ErrFetchTransport) {
		t.Fatalf("expected ErrFetchTransport, got %v", err)
	}
}

func TestNewRejectsBadProxy(t *testing.T) {
	if _, err := New(Options{Proxy: "://nope"}); err == nil {
		t.Fatal("expected error for invalid proxy")
	}
}
