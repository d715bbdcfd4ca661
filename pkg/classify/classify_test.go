package classify

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassifyURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want Class
	}{
		{"emergency page", "https://app.test/emergency.html", Critical},
		{"safety alert", "https://app.test/safety-alert/42", Critical},
		{"panic button", "https://app.test/panic", Critical},
		{"api emergency resolves to critical", "https://app.test/api/emergency/report", Critical},
		{"panic under safety api", "https://app.test/api/safety/panic", Critical},
		{"safety api", "https://app.test/api/safety/sync", ApiSafety},
		{"alerts api", "https://app.test/api/alerts?since=1", ApiSafety},
		{"css dir", "https://app.test/css/app.css", StaticAsset},
		{"js dir", "https://app.test/js/app.js", StaticAsset},
		{"images dir", "https://app.test/images/logo.svg", StaticAsset},
		{"icon", "https://app.test/icons/icon-192.png", StaticAsset},
		{"jpg anywhere", "https://app.test/u/avatar.jpg", StaticAsset},
		{"safety api beats static", "https://app.test/api/safety/icons/x.png", ApiSafety},
		{"root", "https://app.test/", Generic},
		{"dashboard", "https://app.test/safety-dashboard", Generic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyURL(tt.url); got != tt.want {
				t.Errorf("ClassifyURL(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestClassify_PanicAlwaysCritical(t *testing.T) {
	urls := []string{
		"/panic",
		"/api/safety/panic",
		"/api/alerts/panic?x=1",
		"/api/emergency/panic",
		"/icons/panic.png",
	}
	for _, u := range urls {
		req := httptest.NewRequest(http.MethodPost, u, nil)
		if got := Classify(req); got != Critical {
			t.Errorf("Classify(%s) = %v, want critical", u, got)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/safety/status", nil)
	first := Classify(req)
	for i := 0; i < 10; i++ {
		if got := Classify(req); got != first {
			t.Fatalf("Classify changed result: %v then %v", first, got)
		}
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != Generic {
		t.Errorf("Classify(nil) = %v, want generic", got)
	}
}

func TestIsStateChanging(t *testing.T) {
	tests := map[string]bool{
		http.MethodGet:     false,
		http.MethodHead:    false,
		http.MethodOptions: false,
		"":                 false,
		http.MethodPost:    true,
		http.MethodPut:     true,
		http.MethodPatch:   true,
		http.MethodDelete:  true,
		"post":             true,
	}
	for method, want := range tests {
		if got := IsStateChanging(method); got != want {
			t.Errorf("IsStateChanging(%q) = %v, want %v", method, got, want)
		}
	}
}

func TestIsNavigation(t *testing.T) {
	nav := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	if !IsNavigation(nav) {
		t.Error("Sec-Fetch-Mode navigate should be a navigation")
	}

	cors := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	cors.Header.Set("Sec-Fetch-Mode", "cors")
	cors.Header.Set("Accept", "text/html")
	if IsNavigation(cors) {
		t.Error("explicit cors mode should not be a navigation")
	}

	html := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	html.Header.Set("Accept", "text/html,application/xhtml+xml")
	if !IsNavigation(html) {
		t.Error("GET accepting text/html should be a navigation")
	}

	post := httptest.NewRequest(http.MethodPost, "/dashboard", nil)
	post.Header.Set("Accept", "text/html")
	if IsNavigation(post) {
		t.Error("POST should not be a navigation")
	}
}

func TestIsImage(t *testing.T) {
	if !IsImage(httptest.NewRequest(http.MethodGet, "/icons/icon-192.png", nil)) {
		t.Error("png should be an image")
	}
	if IsImage(httptest.NewRequest(http.MethodGet, "/css/app.css", nil)) {
		t.Error("css should not be an image")
	}
}

func TestClass_String(t *testing.T) {
	if Critical.String() != "critical" || Generic.String() != "generic" {
		t.Errorf("unexpected labels: %s %s", Critical, Generic)
	}
}
