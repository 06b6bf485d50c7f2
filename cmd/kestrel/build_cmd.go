// The build command drives the build engine entirely client-side: the
// daemon has no knowledge of stages, nodes, or the cache — it is wired up
// fresh here from graphbuild/ir/executor/scheduler/cache/snapshot, the same
// packages internal/buildexec's executors already depend on. Grounded on
// the teacher's build_cmd.go progress-printing loop over a channel of
// status events, generalized from a single workspace-build progress stream
// to the reporter's fan-out Consumer.
package main

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/kestrelcontainers/kestrel/internal/buildexec"
	"github.com/kestrelcontainers/kestrel/internal/cache"
	"github.com/kestrelcontainers/kestrel/internal/executor"
	"github.com/kestrelcontainers/kestrel/internal/graphbuild"
	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/reporter"
	"github.com/kestrelcontainers/kestrel/internal/scheduler"
	"github.com/kestrelcontainers/kestrel/internal/snapshot"
	"github.com/kestrelcontainers/kestrel/options"
)

// BuildCmd is spec.md §6's "container build" verb: parse a Dockerfile-style
// source into a graph, run it through the scheduler against a local
// snapshot store and cache, and materialize the target stage's final
// snapshot per the requested output.
type BuildCmd struct {
	options.BuildOptions
	Context string `arg:"" optional:"" default:"." help:"build context directory"`
}

func (c *BuildCmd) Run(cctx *Context) error {
	outKind, outDest, err := parseOutput(c.Output)
	if err != nil {
		return err
	}

	dockerfilePath := c.File
	if !filepath.IsAbs(dockerfilePath) {
		dockerfilePath = filepath.Join(c.Context, dockerfilePath)
	}
	source, err := os.ReadFile(dockerfilePath)
	if err != nil {
		return fmt.Errorf("kestrel: read %s: %w", dockerfilePath, err)
	}

	rep := reporter.New()
	consumer := rep.Subscribe()
	done := make(chan struct{})
	go printProgress(consumer, c.Progress, done)

	b, err := graphbuild.ParseDockerfile(string(source), rep)
	if err != nil {
		return fmt.Errorf("kestrel: parse dockerfile: %w", err)
	}
	for k, v := range c.BuildArg {
		b.Arg(k, v)
	}
	platform := c.Platform
	if platform == "" && c.OS != "" {
		platform = c.OS
		if c.Arch != "" {
			platform += "/" + c.Arch
		}
	}
	if platform != "" {
		b.Platform(platform)
	}

	graph, findings, err := b.Build()
	if err != nil {
		rep.Close()
		<-done
		return fmt.Errorf("kestrel: build graph: %w", err)
	}
	for _, f := range findings {
		fmt.Fprintf(os.Stderr, "kestrel: %s\n", f.Message)
	}

	buildRoot := filepath.Join(cctx.AppRoot, "builds")
	snapshots, err := snapshot.Open(filepath.Join(buildRoot, "snapshots"))
	if err != nil {
		return fmt.Errorf("kestrel: open snapshot store: %w", err)
	}
	buildCache, err := cache.Open(filepath.Join(buildRoot, "cache.db"))
	if err != nil {
		return fmt.Errorf("kestrel: open build cache: %w", err)
	}
	if c.NoCache {
		buildCache = nil
	}

	reg := executor.NewRegistry()
	buildexec.RegisterDefaults(reg, snapshots, 4)

	contextRoot, err := filepath.Abs(c.Context)
	if err != nil {
		return fmt.Errorf("kestrel: resolve build context %s: %w", c.Context, err)
	}

	sched := scheduler.New(snapshots, buildCache, rep, reg, scheduler.Config{MaxConcurrency: 4, FailFast: true, ContextRoot: contextRoot})

	results, err := sched.Run(context.Background(), graph, platform)
	rep.Close()
	<-done
	if err != nil {
		return fmt.Errorf("kestrel: build failed: %w", err)
	}

	targetStage, err := selectStage(graph, c.Target)
	if err != nil {
		return err
	}
	finalNodeID := targetStage.ID + "-base"
	if n := len(targetStage.Nodes); n > 0 {
		finalNodeID = targetStage.Nodes[n-1].ID
	}
	var finalSnapshot string
	for _, r := range results {
		if r.NodeID == finalNodeID {
			finalSnapshot = r.SnapshotID
		}
	}
	if finalSnapshot == "" {
		return kerr.InvalidStatef("kestrel: stage %q produced no snapshot", targetStage.ID)
	}

	return materializeOutput(cctx, outKind, outDest, c.Tag, snapshots.Path(finalSnapshot))
}

// printProgress renders the reporter's ordered event stream until the
// stream closes, one line per event. mode is not consulted: "plain", "tty"
// and "auto" all print the same way, and no terminal detection is done.
func printProgress(c *reporter.Consumer, mode string, done chan struct{}) {
	defer close(done)
	for {
		ev, ok := c.Next()
		if !ok {
			return
		}
		switch ev.Kind {
		case reporter.EventNodeStarted:
			fmt.Fprintf(os.Stderr, "#%s ...\n", ev.NodeID)
		case reporter.EventNodeCompleted:
			if ev.CacheHit {
				fmt.Fprintf(os.Stderr, "#%s CACHED\n", ev.NodeID)
			} else {
				fmt.Fprintf(os.Stderr, "#%s done %s\n", ev.NodeID, ev.HumanSizeDelta())
			}
		case reporter.EventNodeFailed:
			fmt.Fprintf(os.Stderr, "#%s FAILED: %s\n", ev.NodeID, ev.Message)
		case reporter.EventIRWarning, reporter.EventIRError, reporter.EventIRInfo:
			fmt.Fprintf(os.Stderr, "kestrel: %s\n", ev.Message)
		}
	}
}

func selectStage(g *ir.Graph, target string) (ir.Stage, error) {
	if target == "" {
		if len(g.Stages) == 0 {
			return ir.Stage{}, kerr.InvalidStatef("kestrel: build graph has no stages")
		}
		return g.Stages[len(g.Stages)-1], nil
	}
	for _, s := range g.Stages {
		if s.Name == target || s.ID == target {
			return s, nil
		}
	}
	return ir.Stage{}, kerr.NotFoundf("kestrel: target stage %q not found", target)
}

// parseOutput parses the "-o type=X[,dest=Y]" form spec.md §6 documents.
func parseOutput(spec string) (kind, dest string, err error) {
	kind = "oci"
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return "", "", kerr.InvalidArgumentf("kestrel: invalid -o field %q", part)
		}
		switch kv[0] {
		case "type":
			kind = kv[1]
		case "dest":
			dest = kv[1]
		default:
			return "", "", kerr.InvalidArgumentf("kestrel: unknown -o field %q", kv[0])
		}
	}
	if (kind == "tar" || kind == "local") && dest == "" {
		return "", "", kerr.InvalidArgumentf("kestrel: -o type=%s requires a dest field", kind)
	}
	return kind, dest, nil
}

func materializeOutput(cctx *Context, kind, dest, tag, snapshotDir string) error {
	switch kind {
	case "oci":
		return materializeOCI(cctx, tag, snapshotDir)
	case "tar":
		if err := os.MkdirAll(dest, 0o750); err != nil {
			return fmt.Errorf("kestrel: create output dir: %w", err)
		}
		name := nextAvailableName(dest, "out.tar")
		if err := archiveDir(snapshotDir, filepath.Join(dest, name)); err != nil {
			return fmt.Errorf("kestrel: write %s: %w", name, err)
		}
		fmt.Println(filepath.Join(dest, name))
		return nil
	case "local":
		if err := copyTree(snapshotDir, dest); err != nil {
			return fmt.Errorf("kestrel: copy build output: %w", err)
		}
		fmt.Println(dest)
		return nil
	default:
		return kerr.InvalidArgumentf("kestrel: unknown output type %q", kind)
	}
}

// materializeOCI wraps the final snapshot's tree in a single layer and
// stores it under tag in the CLI's local image index, the same index
// ImageCmd reads and writes.
func materializeOCI(cctx *Context, tag, snapshotDir string) error {
	if tag == "" {
		return kerr.InvalidArgumentf("kestrel: -o type=oci requires -t/--tag")
	}
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "kestrel-build-*.tar")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)
	if err := archiveDir(snapshotDir, tmpPath); err != nil {
		return fmt.Errorf("kestrel: archive layer: %w", err)
	}
	layer, err := tarball.LayerFromFile(tmpPath)
	if err != nil {
		return fmt.Errorf("kestrel: build layer: %w", err)
	}
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return fmt.Errorf("kestrel: assemble image: %w", err)
	}
	ref, err := name.ParseReference(tag)
	if err != nil {
		return kerr.InvalidArgumentf("kestrel: invalid tag %q: %v", tag, err)
	}
	if err := idx.storeImage(tag, ref, img); err != nil {
		return err
	}
	digest, _ := img.Digest()
	fmt.Printf("built %s (%s)\n", tag, digest)
	return nil
}

// nextAvailableName mirrors spec.md §6's out.tar/out.tar.1/out.tar.2
// collision-avoidance scheme rather than overwriting a prior build's
// output in the same dest directory.
func nextAvailableName(dir, base string) string {
	candidate := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = base + "." + strconv.Itoa(i)
	}
}

// archiveDir writes dir's tree as a plain, uncompressed tar at destFile.
// Unlike internal/cache's blob sidecar this is a user-facing artifact, so it
// stays uncompressed per spec.md §6's literal out.tar naming contract.
func archiveDir(dir, destFile string) error {
	f, err := os.Create(destFile)
	if err != nil {
		return err
	}
	defer f.Close()
	tw := tar.NewWriter(f)
	defer tw.Close()

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			defer src.Close()
			if _, err := io.Copy(tw, src); err != nil {
				return err
			}
		}
		return nil
	})
}

// copyTree copies src's tree onto dst, creating dst if needed, by walking src
// with filepath.WalkDir; internal/snapshot clones its trees with `cp -Rc`
// instead.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return os.MkdirAll(target, 0o750)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
