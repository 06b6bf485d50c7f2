// Package buildexec provides the default, non-sandboxed executors the
// kestrel CLI registers with the executor registry so `container build` has
// something to actually dispatch to locally. spec.md §1 treats the real
// VM/sandbox runtime as an external collaborator reached through the
// executor contract, and §4.13 specifies executors at the capability level
// only ("stubbable") — these implementations satisfy that contract with
// plain host-process execution and filesystem operations rather than true
// isolation, which is exactly the boundary spec.md draws.
package buildexec

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/kestrelcontainers/kestrel/internal/executor"
	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/snapshot"
)

// RegisterDefaults registers one executor per operation kind against reg,
// each backed by snapshots. Each executor advertises any-platform support
// and a concurrency ceiling tuned for a developer laptop rather than a build
// farm; real executors would instead advertise the resource minimums and
// platform allowlist their runtime actually supports.
func RegisterDefaults(reg *executor.Registry, snapshots *snapshot.Store, maxConcurrency int) {
	if maxConcurrency < 1 {
		maxConcurrency = 4
	}
	reg.Register("image", &imageExecutor{snapshots: snapshots, maxConcurrency: maxConcurrency})
	reg.Register("exec", &execExecutor{snapshots: snapshots, maxConcurrency: maxConcurrency})
	reg.Register("filesystem", &filesystemExecutor{snapshots: snapshots, maxConcurrency: maxConcurrency})
	reg.Register("metadata", &metadataExecutor{snapshots: snapshots, maxConcurrency: maxConcurrency})
}

// commit runs fn against a freshly-prepared snapshot handle rooted at
// parentSnapshot. The handle is closed on every exit path per spec.md
// §4.11's handle-release guarantee; it is committed only when fn succeeds.
func commit(snapshots *snapshot.Store, parentSnapshot string, fn func(dir string) error) (snapshot.Changes, string, error) {
	handle, err := snapshots.CreateSnapshot(parentSnapshot, snapshot.Changes{})
	if err != nil {
		return snapshot.Changes{}, "", fmt.Errorf("buildexec: create snapshot: %w", err)
	}
	defer handle.Close()

	if err := fn(handle.Path); err != nil {
		return snapshot.Changes{}, "", err
	}

	snap, err := snapshots.Commit(handle, parentSnapshot)
	if err != nil {
		return snapshot.Changes{}, "", fmt.Errorf("buildexec: commit: %w", err)
	}
	changes, err := snapshots.Diff(parentSnapshot, snap.ID)
	if err != nil {
		return snapshot.Changes{}, "", fmt.Errorf("buildexec: diff: %w", err)
	}
	return changes, snap.ID, nil
}

type imageExecutor struct {
	snapshots      *snapshot.Store
	maxConcurrency int
}

func (e *imageExecutor) Capabilities() executor.Capabilities {
	return executor.Capabilities{Kinds: []ir.OperationKind{ir.OpImage}, MaxConcurrency: e.maxConcurrency}
}

// Execute materializes an Image operation's base layer: scratch produces an
// empty root snapshot; registry pulls a remote image and ociLayout reads
// Reference as a local image tarball, both via go-containerregistry (the
// same library internal/kernel uses for kernel images) and both extracting
// every layer in order into the new snapshot's directory; tarball extracts
// Reference as a single plain tar stream, with no image or layer handling.
func (e *imageExecutor) Execute(ctx context.Context, node ir.BuildNode, execCtx executor.ExecContext) (snapshot.Changes, string, error) {
	op := node.Operation.Image
	if op == nil {
		return snapshot.Changes{}, "", kerr.InvalidArgumentf("buildexec: image node %q missing operation payload", node.ID)
	}
	switch op.Source {
	case ir.ImageSourceScratch:
		return commit(e.snapshots, "", func(dir string) error { return nil })
	case ir.ImageSourceRegistry:
		return commit(e.snapshots, "", func(dir string) error {
			ref, err := name.ParseReference(op.Reference)
			if err != nil {
				return kerr.InvalidArgumentf("buildexec: invalid image reference %q: %v", op.Reference, err)
			}
			img, err := remote.Image(ref, remote.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("buildexec: pull %s: %w", op.Reference, err)
			}
			return extractImageLayers(img, dir)
		})
	case ir.ImageSourceOCILayout:
		return commit(e.snapshots, "", func(dir string) error {
			img, err := tarball.ImageFromPath(op.Reference, nil)
			if err != nil {
				return kerr.NotFoundf("buildexec: oci layout %q: %v", op.Reference, err)
			}
			return extractImageLayers(img, dir)
		})
	case ir.ImageSourceTarball:
		return commit(e.snapshots, "", func(dir string) error {
			f, err := os.Open(op.Reference)
			if err != nil {
				return kerr.NotFoundf("buildexec: tarball %q: %v", op.Reference, err)
			}
			defer f.Close()
			return extractTarStream(f, dir)
		})
	default:
		return snapshot.Changes{}, "", kerr.New(kerr.Unsupported, fmt.Sprintf("buildexec: image node %q: unsupported source %q", node.ID, op.Source))
	}
}

func extractImageLayers(img v1.Image, dir string) error {
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("buildexec: read layers: %w", err)
	}
	for _, l := range layers {
		rc, err := l.Uncompressed()
		if err != nil {
			return fmt.Errorf("buildexec: open layer: %w", err)
		}
		err = extractTarStream(rc, dir)
		rc.Close()
		if err != nil {
			return fmt.Errorf("buildexec: extract layer: %w", err)
		}
	}
	return nil
}

func extractTarStream(r io.Reader, destDir string) error {
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
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
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
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

type execExecutor struct {
	snapshots      *snapshot.Store
	maxConcurrency int
}

func (e *execExecutor) Capabilities() executor.Capabilities {
	return executor.Capabilities{Kinds: []ir.OperationKind{ir.OpExec}, MaxConcurrency: e.maxConcurrency}
}

// Execute runs the node's command as a plain host subprocess rooted at the
// snapshot directory. This is the "stubbable executor" contract point: a
// real runtime plugin replaces this with a call into the VM/sandbox runtime
// spec.md §1 places out of scope.
func (e *execExecutor) Execute(ctx context.Context, node ir.BuildNode, execCtx executor.ExecContext) (snapshot.Changes, string, error) {
	op := node.Operation.Exec
	if op == nil || len(op.Command) == 0 {
		return snapshot.Changes{}, "", kerr.InvalidArgumentf("buildexec: exec node %q missing a command", node.ID)
	}
	return commit(e.snapshots, execCtx.LastSnapshotID, func(dir string) error {
		cmd := exec.CommandContext(ctx, op.Command[0], op.Command[1:]...)
		cmd.Dir = dir
		if op.Workdir != "" {
			cmd.Dir = filepath.Join(dir, op.Workdir)
		}
		cmd.Env = os.Environ()
		for k, v := range op.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			return kerr.Wrap(kerr.InternalError, fmt.Sprintf("exec %v failed: %s", op.Command, out), err)
		}
		return nil
	})
}

type filesystemExecutor struct {
	snapshots      *snapshot.Store
	maxConcurrency int
}

func (e *filesystemExecutor) Capabilities() executor.Capabilities {
	return executor.Capabilities{Kinds: []ir.OperationKind{ir.OpFilesystem}, MaxConcurrency: e.maxConcurrency}
}

func (e *filesystemExecutor) Execute(ctx context.Context, node ir.BuildNode, execCtx executor.ExecContext) (snapshot.Changes, string, error) {
	op := node.Operation.Filesystem
	if op == nil {
		return snapshot.Changes{}, "", kerr.InvalidArgumentf("buildexec: filesystem node %q missing operation payload", node.ID)
	}
	return commit(e.snapshots, execCtx.LastSnapshotID, func(dir string) error {
		dest := filepath.Join(dir, op.Destination)
		switch op.Action {
		case ir.FSMkdir:
			return os.MkdirAll(dest, 0o755)
		case ir.FSRemove:
			return os.RemoveAll(dest)
		case ir.FSSymlink:
			os.Remove(dest)
			return os.Symlink(op.Source, dest)
		case ir.FSHardlink:
			os.Remove(dest)
			return os.Link(op.Source, dest)
		case ir.FSCopy, ir.FSAdd:
			src, err := e.resolveSource(op, execCtx)
			if err != nil {
				return err
			}
			return copyTree(src, dest)
		default:
			return kerr.New(kerr.Unsupported, fmt.Sprintf("buildexec: filesystem node %q: unsupported action %q", node.ID, op.Action))
		}
	})
}

// resolveSource turns a filesystem operation's Source into an absolute host
// path: a cross-stage COPY --from resolves against the named stage's
// committed snapshot directory, while a same-stage COPY/ADD strips an
// optional "ctx:" prefix (spec.md §4.8's build-context source syntax) and
// joins it against the build context root.
func (e *filesystemExecutor) resolveSource(op *ir.FilesystemOperation, execCtx executor.ExecContext) (string, error) {
	if op.SourceStage != "" {
		snapID, ok := execCtx.StageSnapshots[op.SourceStage]
		if !ok {
			return "", kerr.NotFoundf("buildexec: source stage %q has no committed snapshot", op.SourceStage)
		}
		return filepath.Join(e.snapshots.Path(snapID), op.Source), nil
	}
	src := strings.TrimPrefix(op.Source, "ctx:")
	if execCtx.ContextRoot == "" || filepath.IsAbs(src) {
		return src, nil
	}
	return filepath.Join(execCtx.ContextRoot, src), nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("buildexec: stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
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

type metadataExecutor struct {
	snapshots      *snapshot.Store
	maxConcurrency int
}

func (e *metadataExecutor) Capabilities() executor.Capabilities {
	return executor.Capabilities{Kinds: []ir.OperationKind{ir.OpMetadata}, MaxConcurrency: e.maxConcurrency}
}

// Execute reuses the parent snapshot verbatim with zero filesystem delta, per
// spec.md §4.11's note that metadata operations may reuse the parent
// snapshot: the node's image-config mutation lives in the accumulated
// executor.ImageConfig, not in the filesystem tree, so there is nothing to
// commit.
func (e *metadataExecutor) Execute(ctx context.Context, node ir.BuildNode, execCtx executor.ExecContext) (snapshot.Changes, string, error) {
	if execCtx.LastSnapshotID == "" {
		return commit(e.snapshots, "", func(dir string) error { return nil })
	}
	return snapshot.Changes{}, execCtx.LastSnapshotID, nil
}
