package kernel

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

func TestInstallKernelRepoints(t *testing.T) {
	root := t.TempDir()
	svc, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(root, "vmlinux-v1")
	if err := os.WriteFile(src, []byte("kernel-v1"), 0o640); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := svc.InstallKernel(ctx, src, "arm64"); err != nil {
		t.Fatalf("InstallKernel: %v", err)
	}

	got, err := svc.GetDefaultKernel("arm64")
	if err != nil {
		t.Fatalf("GetDefaultKernel: %v", err)
	}
	data, err := os.ReadFile(got)
	if err != nil || string(data) != "kernel-v1" {
		t.Fatalf("expected kernel-v1 contents, got %q err=%v", data, err)
	}

	src2 := filepath.Join(root, "vmlinux-v2")
	if err := os.WriteFile(src2, []byte("kernel-v2"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := svc.InstallKernel(ctx, src2, "arm64"); err != nil {
		t.Fatalf("second InstallKernel: %v", err)
	}
	got, err = svc.GetDefaultKernel("arm64")
	if err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(got)
	if string(data) != "kernel-v2" {
		t.Fatalf("expected symlink repointed to v2, got %q", data)
	}
}

func TestGetDefaultKernelMissing(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.GetDefaultKernel("arm64")
	if kerr.Of(err) != kerr.NotFound {
		t.Fatalf("expected kerr.NotFound, got %v", err)
	}
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestInstallKernelFromTarball(t *testing.T) {
	payload := buildTarGz(t, map[string]string{"boot/vmlinux": "fetched-kernel"})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var lastDone, lastTotal int64
	err = svc.InstallKernelFrom(ctx, TarballSource{URL: server.URL}, "boot/vmlinux", "amd64", func(done, total int64) {
		lastDone, lastTotal = done, total
	})
	if err != nil {
		t.Fatalf("InstallKernelFrom: %v", err)
	}
	if lastDone == 0 {
		t.Fatalf("expected progress callback to have been invoked")
	}
	_ = lastTotal

	got, err := svc.GetDefaultKernel("amd64")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(got)
	if err != nil || string(data) != "fetched-kernel" {
		t.Fatalf("expected fetched-kernel contents, got %q err=%v", data, err)
	}
}
