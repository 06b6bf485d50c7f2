// Package kernel manages the per-architecture default kernel symlink the
// container runtime plugins boot from. Grounded on the teacher's
// default_cloner.go (clone-then-symlink) and file_ops.go's `cp -Rc` clone
// primitive, with tar extraction and OCI-layout fetch added for the two
// kernel sources spec.md §4.8 names.
package kernel

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

// ProgressFunc reports byte-count progress during a long-running download or
// extraction. It is called synchronously after every read that returns data;
// no update is dropped.
type ProgressFunc func(bytesDone, bytesTotal int64)

// Service manages {appRoot}/kernels and its per-arch default symlinks.
type Service struct {
	kernelsDir string
}

func New(appRoot string) (*Service, error) {
	dir := filepath.Join(appRoot, "kernels")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("kernel: create kernels dir: %w", err)
	}
	return &Service{kernelsDir: dir}, nil
}

func (s *Service) symlinkPath(platform string) string {
	return filepath.Join(s.kernelsDir, "default.kernel-"+platform)
}

// InstallKernel copies file into the kernel directory under its base name
// and atomically re-points default.kernel-{platform} at it, using an APFS
// clonefile copy (`cp -c`, the single-file form of the `cp -Rc` the
// teacher's file_ops.go uses for workspace provisioning).
func (s *Service) InstallKernel(ctx context.Context, file, platform string) error {
	dest := filepath.Join(s.kernelsDir, filepath.Base(file))
	cmd := exec.CommandContext(ctx, "cp", "-c", file, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("kernel: clone %s: %w (output: %s)", file, err, out)
	}
	return s.repoint(platform, dest)
}

func (s *Service) repoint(platform, target string) error {
	link := s.symlinkPath(platform)
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("kernel: symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kernel: repoint %s: %w", link, err)
	}
	return nil
}

// TarballSource downloads a kernel from a plain HTTP(S) tar(.gz) URL.
type TarballSource struct{ URL string }

// OCILayoutSource pulls a kernel image reference from a registry, falling
// back to reading Ref as a local image tarball with go-containerregistry's
// tarball package when the pull fails, and extracts every layer in order;
// innerPath is then read out of the extracted tree.
type OCILayoutSource struct{ Ref string }

// Source is implemented by TarballSource and OCILayoutSource.
type Source interface {
	isKernelSource()
}

func (TarballSource) isKernelSource()   {}
func (OCILayoutSource) isKernelSource() {}

// InstallKernelFrom downloads src to a unique temp directory, extracts it,
// resolves innerPath within the extracted tree, and installs it as the
// default kernel for platform. progress is called best-effort as bytes are
// read; it may be nil.
func (s *Service) InstallKernelFrom(ctx context.Context, src Source, innerPath, platform string, progress ProgressFunc) error {
	tmpDir, err := os.MkdirTemp(s.kernelsDir, "fetch-*")
	if err != nil {
		return fmt.Errorf("kernel: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	var extracted string
	switch t := src.(type) {
	case TarballSource:
		extracted, err = fetchTarball(ctx, t.URL, tmpDir, progress)
	case OCILayoutSource:
		extracted, err = fetchOCILayout(ctx, t.Ref, tmpDir, progress)
	default:
		return kerr.InvalidArgumentf("kernel: unknown source type %T", src)
	}
	if err != nil {
		return err
	}

	resolved, err := filepath.EvalSymlinks(filepath.Join(extracted, innerPath))
	if err != nil {
		return kerr.NotFoundf("kernel: inner path %q not found in fetched image: %v", innerPath, err)
	}

	dest := filepath.Join(s.kernelsDir, filepath.Base(resolved)+"-"+platform)
	if err := os.Rename(resolved, dest); err != nil {
		if cerr := copyFile(resolved, dest); cerr != nil {
			return fmt.Errorf("kernel: install fetched kernel: %w", cerr)
		}
	}
	return s.repoint(platform, dest)
}

func fetchTarball(ctx context.Context, url, destDir string, progress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("kernel: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("kernel: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", kerr.New(kerr.InternalError, fmt.Sprintf("kernel: download %s: status %s", url, resp.Status))
	}

	pr := &progressReader{r: resp.Body, total: resp.ContentLength, progress: progress}
	buffered := bufio.NewReader(pr)
	magic, err := buffered.Peek(2)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("kernel: read %s: %w", url, err)
	}

	var r io.Reader = buffered
	if bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return "", fmt.Errorf("kernel: open gzip stream for %s: %w", url, err)
		}
		defer gz.Close()
		r = gz
	}

	if err := extractTar(r, destDir); err != nil {
		return "", fmt.Errorf("kernel: extract %s: %w", url, err)
	}
	return destDir, nil
}

func fetchOCILayout(ctx context.Context, ref string, destDir string, progress ProgressFunc) (string, error) {
	parsedRef, err := name.ParseReference(ref)
	if err != nil {
		return "", kerr.InvalidArgumentf("kernel: invalid image reference %q: %v", ref, err)
	}
	img, err := remote.Image(parsedRef, remote.WithContext(ctx))
	if err != nil {
		if layoutImg, lerr := tarball.ImageFromPath(ref, nil); lerr == nil {
			img = layoutImg
		} else {
			return "", fmt.Errorf("kernel: pull %s: %w", ref, err)
		}
	}
	layers, err := img.Layers()
	if err != nil {
		return "", fmt.Errorf("kernel: read layers for %s: %w", ref, err)
	}
	var total int64
	for _, l := range layers {
		if size, err := l.Size(); err == nil {
			total += size
		}
	}
	var done int64
	for _, l := range layers {
		rc, err := l.Uncompressed()
		if err != nil {
			return "", fmt.Errorf("kernel: open layer for %s: %w", ref, err)
		}
		if err := extractTar(&progressReader{r: rc, total: total, done: &done, progress: progress}, destDir); err != nil {
			rc.Close()
			return "", fmt.Errorf("kernel: extract layer for %s: %w", ref, err)
		}
		rc.Close()
	}
	return destDir, nil
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

type progressReader struct {
	r        io.Reader
	total    int64
	done     *int64
	progress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.progress != nil {
		var d int64
		if p.done != nil {
			*p.done += int64(n)
			d = *p.done
		} else {
			d = int64(n)
		}
		p.progress(d, p.total)
	}
	return n, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// GetDefaultKernel resolves the symlink for platform and returns its target
// path. Fails with kerr.NotFound if no default kernel has been installed for
// platform.
func (s *Service) GetDefaultKernel(platform string) (path string, err error) {
	link := s.symlinkPath(platform)
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", kerr.NotFoundf("no default kernel installed for platform %q", platform)
		}
		return "", fmt.Errorf("kernel: resolve %s: %w", link, err)
	}
	return resolved, nil
}
