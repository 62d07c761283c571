package proxy

import (
	"sync"
	"testing"
)

func TestNewStrategySelection(t *testing.T) {
	tests := []struct {
		name    string
		urls    []string
		want    string
		wantErr bool
	}{
		{name: "single URL is static", urls: []string{"http://localhost:9001"}, want: "static"},
		{name: "multiple URLs rotate", urls: []string{"http://a:9001", "http://b:9001"}, want: "roundrobin"},
		{name: "no URLs", urls: nil, wantErr: true},
		{name: "unsupported scheme", urls: []string{"ftp://a:21"}, wantErr: true},
		{name: "missing host", urls: []string{"http://"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStrategy("upstream", tt.urls)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStrategy: %v", err)
			}

			switch tt.want {
			case "static":
				if _, ok := s.(*Static); !ok {
					t.Errorf("strategy = %T, want *Static", s)
				}
			case "roundrobin":
				if _, ok := s.(*RoundRobin); !ok {
					t.Errorf("strategy = %T, want *RoundRobin", s)
				}
			}
		})
	}
}

func TestNewStrategyModeExplicit(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		urls    []string
		want    string
		wantErr bool
	}{
		{name: "round-robin over one URL", mode: "round-robin", urls: []string{"http://a:1"}, want: "roundrobin"},
		{name: "static single URL", mode: "static", urls: []string{"http://a:1"}, want: "static"},
		{name: "static rejects multiple URLs", mode: "static", urls: []string{"http://a:1", "http://b:1"}, wantErr: true},
		{name: "unknown mode", mode: "sticky", urls: []string{"http://a:1"}, wantErr: true},
		{name: "empty mode infers", mode: "", urls: []string{"http://a:1", "http://b:1"}, want: "roundrobin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStrategyMode("upstream", tt.mode, tt.urls)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStrategyMode: %v", err)
			}

			switch tt.want {
			case "static":
				if _, ok := s.(*Static); !ok {
					t.Errorf("strategy = %T, want *Static", s)
				}
			case "roundrobin":
				if _, ok := s.(*RoundRobin); !ok {
					t.Errorf("strategy = %T, want *RoundRobin", s)
				}
			}
		})
	}
}

func TestStaticAlwaysSameTarget(t *testing.T) {
	s, err := NewStrategy("openai", []string{"https://api.openai.com"})
	if err != nil {
		t.Fatal(err)
	}

	first := s.Next()
	for i := 0; i < 10; i++ {
		if got := s.Next(); got != first {
			t.Fatalf("call %d returned a different target", i)
		}
	}
	if first.URL.Host != "api.openai.com" {
		t.Errorf("host = %q", first.URL.Host)
	}
	if first.Endpoint != "openai" {
		t.Errorf("endpoint = %q", first.Endpoint)
	}
}

func TestRoundRobinOrder(t *testing.T) {
	s, err := NewStrategy("pool", []string{"http://a:1", "http://b:1", "http://c:1"})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"a:1", "b:1", "c:1", "a:1", "b:1", "c:1"}
	for i, host := range want {
		if got := s.Next().URL.Host; got != host {
			t.Fatalf("call %d = %q, want %q", i, got, host)
		}
	}
}

func TestRoundRobinConcurrentDistribution(t *testing.T) {
	s, err := NewStrategy("pool", []string{"http://a:1", "http://b:1", "http://c:1"})
	if err != nil {
		t.Fatal(err)
	}

	const callers = 300
	results := make(chan string, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Next().URL.Host
		}()
	}
	wg.Wait()
	close(results)

	counts := make(map[string]int)
	for host := range results {
		counts[host]++
	}

	// 300 calls over 3 targets: every slot is handed out exactly once,
	// so each target must be picked exactly 100 times.
	for _, host := range []string{"a:1", "b:1", "c:1"} {
		if counts[host] != 100 {
			t.Errorf("target %s picked %d times, want 100", host, counts[host])
		}
	}
}
