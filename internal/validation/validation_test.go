package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-gonic/gin"
)

const pub = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"

func TestIsValidPubKey(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{pub, true},
		{strings.ToUpper(pub), false},
		{pub[:63], false},
		{pub + "00", false},
		{"", false},
		{strings.Repeat("g", 64), false},
	}
	for _, tc := range tests {
		if got := IsValidPubKey(tc.in); got != tc.valid {
			t.Errorf("IsValidPubKey(%q) = %v, want %v", tc.in, got, tc.valid)
		}
	}
}

func TestIsValidBitcoinAddress(t *testing.T) {
	const mainnet = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	if !IsValidBitcoinAddress(mainnet, &chaincfg.MainNetParams) {
		t.Error("mainnet address rejected on mainnet")
	}
	if IsValidBitcoinAddress(mainnet, &chaincfg.RegressionNetParams) {
		t.Error("mainnet address accepted on regtest")
	}
	if IsValidBitcoinAddress("not-an-address", &chaincfg.MainNetParams) {
		t.Error("garbage accepted")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  a\x00b  ", 10); got != "ab" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("ääää", 2); got != "ää" {
		t.Errorf("truncation must respect characters, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("title", " "),
		ValidPubKey("agent", "xyz"),
		MaxLength("terms", "abc", 2),
		PositiveAmount("trade_amount_sat", 0),
		OneOf("direction", "both", "sending", "receiving"),
		Required("ok", "value"),
	)
	if len(errs) != 5 {
		t.Fatalf("expected 5 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "title: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
	if Validate(ValidPubKey("agent", "")) != nil {
		t.Error("empty optional pubkey should pass")
	}
}

func TestHexParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/trades/:id", HexParamMiddleware("id"), func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{
		"/trades/" + pub:           http.StatusOK,
		"/trades/abc":              http.StatusBadRequest,
		"/trades/" + "Z" + pub[1:]: http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Errorf("%s: status %d, want %d", path, w.Code, want)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var v map[string]any
		if err := c.ShouldBindJSON(&v); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"far too long"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", w.Code)
	}
}
