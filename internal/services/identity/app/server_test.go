package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestServeStartsAndShutsDown(t *testing.T) {
	t.Setenv("LATCHKEY_DB_PATH", filepath.Join(t.TempDir(), "identity.db"))
	t.Setenv("LATCHKEY_SESSION_SIGNING_KEY", "test-signing-key-0123456789abcdef")

	server, err := New("localhost:0", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("expected a bound listener address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	healthURL := "http://" + server.Addr() + "/up"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewRejectsUnusableAddress(t *testing.T) {
	t.Setenv("LATCHKEY_DB_PATH", filepath.Join(t.TempDir(), "identity.db"))
	t.Setenv("LATCHKEY_SESSION_SIGNING_KEY", "test-signing-key-0123456789abcdef")

	if _, err := New("256.256.256.256:0", log.New(io.Discard, "", 0)); err == nil {
		t.Fatal("expected listen error")
	}
}
