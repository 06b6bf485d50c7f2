package rpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func dialOnce(path string) (net.Conn, error) {
	return net.DialTimeout("unix", path, 50*time.Millisecond)
}

func TestRegistryDispatchAndProgress(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo.ping", func(ctx context.Context, req *Message, progress ProgressFunc) (*Message, error) {
		progress(NewMessage().SetString("phase", "started"))
		progress(NewMessage().SetString("phase", "halfway"))
		resp := NewMessage().SetString("pong", req.GetString("ping"))
		return resp, nil
	})

	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, sock)

	client, err := Dial(ctx, sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var phases []string
	resp, err := client.Call(ctx, "echo.ping", NewMessage().SetString("ping", "hi"), func(u *Message) {
		phases = append(phases, u.GetString("phase"))
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.GetString("pong") != "hi" {
		t.Fatalf("expected pong=hi, got %q", resp.GetString("pong"))
	}
	if len(phases) != 2 || phases[0] != "started" || phases[1] != "halfway" {
		t.Fatalf("expected ordered progress frames, got %v", phases)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	reg := NewRegistry()
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, sock)

	client, err := Dial(ctx, sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	_, err = client.Call(ctx, "does.not.exist", NewMessage(), nil)
	if err == nil {
		t.Fatalf("expected error for unknown route")
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := dialOnce(path); err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", path)
}
