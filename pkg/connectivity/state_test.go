package connectivity

import (
	"testing"
	"time"
)

func TestState_ReachedThreshold(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		threshold int
		want      bool
	}{
		{"no failures", 0, 3, false},
		{"below threshold", 2, 3, false},
		{"at threshold", 3, 3, true},
		{"above threshold", 5, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &State{ConsecutiveFailures: tt.failures}
			if got := s.ReachedThreshold(tt.threshold); got != tt.want {
				t.Errorf("ReachedThreshold() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_Since(t *testing.T) {
	s := &State{}
	if s.Since() != 0 {
		t.Error("zero LastChange should give zero duration")
	}

	s.LastChange = time.Now().Add(-2 * time.Minute)
	if d := s.Since(); d < 119*time.Second || d > 121*time.Second {
		t.Errorf("Since() = %v, want about 2m", d)
	}
}
