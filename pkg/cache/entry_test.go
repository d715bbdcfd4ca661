package cache

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEntry_Age(t *testing.T) {
	entry := &Entry{StoredAt: time.Now().Add(-1 * time.Minute)}
	age := entry.Age()
	if age < 59*time.Second || age > 61*time.Second {
		t.Errorf("Age() = %v, want about 1m", age)
	}
}

func TestIdentity_Key(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{
			name: "plain get",
			id:   URLIdentity("https://app.test/emergency.html"),
			want: "sw:GET:https://app.test/emergency.html",
		},
		{
			name: "with vary digest",
			id:   Identity{Method: "POST", URL: "https://app.test/api/safety", Vary: "abcd"},
			want: "sw:POST:https://app.test/api/safety:vary=abcd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewIdentity(t *testing.T) {
	req := httptest.NewRequest("get", "https://app.test/js/app.js?v=2", nil)
	id := NewIdentity(req)

	if id.Method != http.MethodGet {
		t.Errorf("Method = %q, want GET", id.Method)
	}
	if id.URL != "https://app.test/js/app.js?v=2" {
		t.Errorf("URL = %q", id.URL)
	}
	if id.Vary != "" {
		t.Errorf("Vary = %q, want empty without credentials", id.Vary)
	}
	if id != URLIdentity("https://app.test/js/app.js?v=2") {
		t.Error("anonymous GET should equal URLIdentity")
	}
}

func TestNewIdentity_CredentialsVary(t *testing.T) {
	a := httptest.NewRequest(http.MethodGet, "https://app.test/emergency", nil)
	a.Header.Set("Authorization", "Bearer alice")
	b := httptest.NewRequest(http.MethodGet, "https://app.test/emergency", nil)
	b.Header.Set("Authorization", "Bearer bob")

	idA, idB := NewIdentity(a), NewIdentity(b)
	if idA.Key() == idB.Key() {
		t.Error("different credentials produced the same key")
	}
	if strings.Contains(idA.Key(), "alice") {
		t.Error("key leaks the credential")
	}
	if idA != NewIdentity(a) {
		t.Error("NewIdentity is not deterministic")
	}
}

func TestRegion_ID(t *testing.T) {
	if got := (Region{Name: "kids-safety", Version: "v1.2.0"}).ID(); got != "kids-safety-v1.2.0" {
		t.Errorf("ID() = %q", got)
	}
	if got := (Region{Name: "scratch"}).ID(); got != "scratch" {
		t.Errorf("ID() without version = %q", got)
	}
}

func TestRegionPattern_Escapes(t *testing.T) {
	if got := regionPattern("a*b"); got != `sw:cache:a\*b:*` {
		t.Errorf("regionPattern = %q", got)
	}
}
