package redisstore

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/fincoord/pkg/store"
)

func TestNew_NilClient(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestNewFromURL_InvalidURL(t *testing.T) {
	if _, err := NewFromURL(context.Background(), "://not-a-url"); err == nil {
		t.Error("expected parse error")
	}
}

func TestOptions(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	s, err := New(client, WithPrefix("tenant-a:"), WithOpTimeout(time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.prefix != "tenant-a:" {
		t.Errorf("prefix = %q", s.prefix)
	}
	if s.timeout != time.Second {
		t.Errorf("timeout = %v", s.timeout)
	}
	if got := s.key("rl:sw:x"); got != "tenant-a:rl:sw:x" {
		t.Errorf("key() = %q", got)
	}
	if s.Client() != client {
		t.Error("Client() should return the wrapped client")
	}
}

func TestUnreachableRedisIsUnavailable(t *testing.T) {
	// Port 1 is reserved; the dial fails fast.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	s, _ := New(client, WithOpTimeout(200*time.Millisecond))
	defer s.Close()

	_, err := s.Get(context.Background(), "k")
	if !store.IsUnavailable(err) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
}

func TestFormatScore(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{math.Inf(1), "+inf"},
		{math.Inf(-1), "-inf"},
		{1700000000000, "1700000000000"},
		{0, "0"},
	}
	for _, tt := range tests {
		if got := formatScore(tt.in); got != tt.want {
			t.Errorf("formatScore(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToInts(t *testing.T) {
	got, err := toInts([]any{int64(1), int64(0), int64(42)})
	if err != nil {
		t.Fatalf("toInts() error = %v", err)
	}
	if len(got) != 3 || got[2] != 42 {
		t.Errorf("toInts() = %v", got)
	}

	if got, _ := toInts(int64(7)); len(got) != 1 || got[0] != 7 {
		t.Errorf("toInts(int64) = %v", got)
	}
	if _, err := toInts([]any{"x"}); err == nil {
		t.Error("expected error for string element")
	}
	if _, err := toInts("x"); err == nil {
		t.Error("expected error for scalar string")
	}
	if got, err := toInts(nil); err != nil || got != nil {
		t.Errorf("toInts(nil) = %v, %v", got, err)
	}
}
