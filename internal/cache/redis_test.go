package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestConnect(t *testing.T) {
	s := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := s.Get("k"); got != "v" {
		t.Errorf("stored %q, want v", got)
	}
}

func TestConnectBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "://nope"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConnectUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	if _, err := Connect(context.Background(), "redis://"+addr); err == nil {
		t.Fatal("expected connection error")
	}
}
