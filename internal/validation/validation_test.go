package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidSessionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"sess-1", true},
		{"0b9f8e2c-6f0e-4f9e-9a57-3f9a6c1e2d44", true},
		{"01J9ZQ6R3W6X8M1Y2Z3A4B5C6D", true},
		{"tenant:42.session_7", true},

		{"", false},
		{"-leading-dash", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 129), false},
	}

	for _, tc := range tests {
		if got := IsValidSessionID(tc.id); got != tc.valid {
			t.Errorf("IsValidSessionID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestIsValidFeatureName(t *testing.T) {
	for name, want := range map[string]bool{
		"device.known":          true,
		"geo.threat_level":      true,
		"custom":                true,
		"Device.Known":          false,
		"geo..vpn":              false,
		".geo":                  false,
		"geo.vpn.":              false,
		"biometrics.face match": false,
	} {
		if got := IsValidFeatureName(name); got != want {
			t.Errorf("IsValidFeatureName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsValidRuleCode(t *testing.T) {
	if !IsValidRuleCode("HR_MALICIOUS_IP") {
		t.Error("expected HR_MALICIOUS_IP to be valid")
	}
	if IsValidRuleCode("hr_lower") || IsValidRuleCode("H") {
		t.Error("expected lower-case and single-letter codes to be rejected")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("version", ""),
		ValidSessionID("session_id", "bad id"),
		MaxLength("note", "abcdef", 3),
		ValidSessionID("other", ""),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "version: is required" {
		t.Errorf("unexpected first error %q", errs.Error())
	}
	if ValidationErrors(nil).Error() != "validation failed" {
		t.Error("empty errors should have a generic message")
	}
}

func TestValidWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]float64
		ok      bool
	}{
		{"valid", map[string]float64{"device.known": 2, "geo.tor": -2}, true},
		{"empty", map[string]float64{}, true},
		{"nil", nil, true},
		{"bad name", map[string]float64{"Geo.Tor": 1}, false},
		{"nan", map[string]float64{"geo.tor": math.NaN()}, false},
		{"too large", map[string]float64{"geo.tor": 2e6}, false},
		{"overflowing pair", map[string]float64{"geo.tor": 1.7e308, "geo.vpn": 1.7e308}, false},
	}
	for _, tc := range tests {
		err := ValidWeights("weights", tc.weights)()
		if (err == nil) != tc.ok {
			t.Errorf("%s: got %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestSessionIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/v1/sessions/:sessionId/assessments", SessionIDParamMiddleware(), func(c *gin.Context) {
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/sessions/sess-1/assessments", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: status %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/sessions/bad%20id/assessments", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: status %d, want 400", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/v1/score", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/score", strings.NewReader(`{"device":{"known_device":true}}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status %d, want 413", w.Code)
	}
}
