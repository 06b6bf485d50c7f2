// Image management is entirely client-side: the daemon has no image store of
// its own (spec.md §6 places it in the build/execution path only, via the
// "image" Operation kind), so the CLI keeps a small local index under
// {appRoot}/images mapping tags to content-addressed OCI tarballs, the same
// go-containerregistry library internal/kernel and internal/buildexec
// already use for pull/extract.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

// ImageCmd is spec.md §6's "container image" group.
type ImageCmd struct {
	Pull    ImagePullCmd    `cmd:"" help:"pull an image from a registry"`
	Push    ImagePushCmd    `cmd:"" help:"push a tagged image to a registry"`
	Ls      ImageLsCmd      `cmd:"" help:"list locally known images"`
	Rm      ImageRmCmd      `cmd:"" help:"remove a local image tag"`
	Tag     ImageTagCmd     `cmd:"" help:"add a tag to a local image"`
	Save    ImageSaveCmd    `cmd:"" help:"save an image to an OCI tarball"`
	Load    ImageLoadCmd    `cmd:"" help:"load an image from an OCI tarball"`
	Inspect ImageInspectCmd `cmd:"" help:"print an image's manifest and config"`
}

// imageIndexEntry is one locally-known tag's record.
type imageIndexEntry struct {
	Reference string `json:"reference"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

type imageIndex struct {
	dir     string
	entries map[string]imageIndexEntry
}

func openImageIndex(appRoot string) (*imageIndex, error) {
	dir := filepath.Join(appRoot, "images")
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o750); err != nil {
		return nil, fmt.Errorf("kestrel: create image store: %w", err)
	}
	idx := &imageIndex{dir: dir, entries: map[string]imageIndexEntry{}}
	data, err := os.ReadFile(idx.path())
	if err == nil {
		_ = json.Unmarshal(data, &idx.entries)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return idx, nil
}

func (idx *imageIndex) path() string { return filepath.Join(idx.dir, "index.json") }

func (idx *imageIndex) blobPath(digest string) string {
	return filepath.Join(idx.dir, "blobs", digest+".tar")
}

func (idx *imageIndex) save() error {
	data, err := json.MarshalIndent(idx.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(idx.path(), data, 0o640)
}

func (idx *imageIndex) set(tag string, entry imageIndexEntry) error {
	idx.entries[tag] = entry
	return idx.save()
}

func (idx *imageIndex) get(tag string) (imageIndexEntry, bool) {
	e, ok := idx.entries[tag]
	return e, ok
}

func (idx *imageIndex) delete(tag string) error {
	delete(idx.entries, tag)
	return idx.save()
}

type ImagePullCmd struct {
	Reference string `arg:"" help:"image reference to pull, e.g. docker.io/library/alpine:latest"`
}

func (c *ImagePullCmd) Run(cctx *Context) error {
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	ref, err := name.ParseReference(c.Reference)
	if err != nil {
		return kerr.InvalidArgumentf("image pull: invalid reference %q: %v", c.Reference, err)
	}
	img, err := remote.Image(ref, remote.WithContext(context.Background()))
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return idx.storeImage(c.Reference, ref, img)
}

// storeImage writes img as an OCI tarball content-addressed by its digest,
// and points tag at it in the local index.
func (idx *imageIndex) storeImage(tag string, ref name.Reference, img v1.Image) error {
	digest, err := img.Digest()
	if err != nil {
		return fmt.Errorf("image: digest: %w", err)
	}
	blobPath := idx.blobPath(digest.String())
	if _, err := os.Stat(blobPath); err != nil {
		if err := tarball.WriteToFile(blobPath, ref, img); err != nil {
			return fmt.Errorf("image: write tarball: %w", err)
		}
	}
	info, err := os.Stat(blobPath)
	if err != nil {
		return err
	}
	return idx.set(tag, imageIndexEntry{Reference: ref.String(), Digest: digest.String(), Size: info.Size()})
}

type ImagePushCmd struct {
	Reference string `arg:"" help:"locally tagged image to push"`
}

func (c *ImagePushCmd) Run(cctx *Context) error {
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	entry, ok := idx.get(c.Reference)
	if !ok {
		return kerr.NotFoundf("image %q not found locally", c.Reference)
	}
	img, err := tarball.ImageFromPath(idx.blobPath(entry.Digest), nil)
	if err != nil {
		return fmt.Errorf("image push: load local tarball: %w", err)
	}
	ref, err := name.ParseReference(c.Reference)
	if err != nil {
		return kerr.InvalidArgumentf("image push: invalid reference %q: %v", c.Reference, err)
	}
	if err := remote.Write(ref, img, remote.WithContext(context.Background())); err != nil {
		return fmt.Errorf("image push: %w", err)
	}
	return nil
}

type ImageLsCmd struct{}

func (c *ImageLsCmd) Run(cctx *Context) error {
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	tags := make([]string, 0, len(idx.entries))
	for t := range idx.entries {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tDIGEST\tSIZE")
	for _, t := range tags {
		e := idx.entries[t]
		fmt.Fprintf(w, "%s\t%s\t%d\n", t, e.Digest, e.Size)
	}
	return w.Flush()
}

type ImageRmCmd struct {
	Reference string `arg:"" help:"tag to remove"`
}

func (c *ImageRmCmd) Run(cctx *Context) error {
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	if _, ok := idx.get(c.Reference); !ok {
		return kerr.NotFoundf("image %q not found locally", c.Reference)
	}
	return idx.delete(c.Reference)
}

type ImageTagCmd struct {
	Source string `arg:"" help:"existing local tag"`
	Target string `arg:"" help:"new tag to add"`
}

func (c *ImageTagCmd) Run(cctx *Context) error {
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	entry, ok := idx.get(c.Source)
	if !ok {
		return kerr.NotFoundf("image %q not found locally", c.Source)
	}
	return idx.set(c.Target, entry)
}

type ImageSaveCmd struct {
	Reference string `arg:"" help:"local tag to save"`
	Output    string `name:"output" short:"o" help:"destination tarball path"`
}

func (c *ImageSaveCmd) Run(cctx *Context) error {
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	entry, ok := idx.get(c.Reference)
	if !ok {
		return kerr.NotFoundf("image %q not found locally", c.Reference)
	}
	dest := c.Output
	if dest == "" {
		dest = c.Reference + ".tar"
	}
	src, err := os.Open(idx.blobPath(entry.Digest))
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = dst.ReadFrom(src)
	return err
}

type ImageLoadCmd struct {
	Input string `arg:"" help:"tarball path to load"`
	Tag   string `name:"tag" help:"tag to register the loaded image under"`
}

func (c *ImageLoadCmd) Run(cctx *Context) error {
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	img, err := tarball.ImageFromPath(c.Input, nil)
	if err != nil {
		return fmt.Errorf("image load: %w", err)
	}
	tag := c.Tag
	if tag == "" {
		tag = c.Input
	}
	ref, err := name.ParseReference(tag)
	if err != nil {
		return kerr.InvalidArgumentf("image load: invalid tag %q: %v", tag, err)
	}
	return idx.storeImage(tag, ref, img)
}

type ImageInspectCmd struct {
	Reference string `arg:"" help:"local tag to inspect"`
}

func (c *ImageInspectCmd) Run(cctx *Context) error {
	idx, err := openImageIndex(cctx.AppRoot)
	if err != nil {
		return err
	}
	entry, ok := idx.get(c.Reference)
	if !ok {
		return kerr.NotFoundf("image %q not found locally", c.Reference)
	}
	img, err := tarball.ImageFromPath(idx.blobPath(entry.Digest), nil)
	if err != nil {
		return fmt.Errorf("image inspect: %w", err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return fmt.Errorf("image inspect: config: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}
