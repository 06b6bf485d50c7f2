package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelcontainers/kestrel/internal/container"
	"github.com/kestrelcontainers/kestrel/internal/rpc"
	"github.com/kestrelcontainers/kestrel/options"
)

// ContainerCmd is spec.md §6's "container" namespace: every lifecycle verb,
// plus the nested "image" and "system" command groups.
type ContainerCmd struct {
	Ls      ListContainersCmd   `cmd:"" help:"list containers"`
	Create  CreateContainerCmd  `cmd:"" help:"create a new container"`
	Start   StartContainerCmd   `cmd:"" help:"start a stopped container"`
	Stop    StopContainerCmd    `cmd:"" help:"stop a running container"`
	Kill    KillContainerCmd    `cmd:"" help:"send a signal to a running container"`
	Rm      DeleteContainerCmd  `cmd:"" help:"delete one or more containers"`
	Exec    ExecContainerCmd    `cmd:"" help:"run a command in a running container"`
	Logs    ContainerLogsCmd    `cmd:"" help:"fetch a container's logs"`
	Run     RunContainerCmd     `cmd:"" help:"create, start, and attach to a new container"`
	Build   BuildCmd            `cmd:"" help:"build an image from a Dockerfile"`
	Image   ImageCmd            `cmd:"" help:"manage images"`
	System  SystemCmd           `cmd:"" help:"manage the kestreld daemon"`
}

type ListContainersCmd struct{}

func (c *ListContainersCmd) Run(cctx *Context) error {
	client, err := cctx.Daemon(context.Background())
	if err != nil {
		return err
	}
	resp, err := client.Call(context.Background(), "container.list", rpc.NewMessage(), nil)
	if err != nil {
		return err
	}
	var snaps []container.Snapshot
	if err := rpc.DecodeJSON(resp, &snaps); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tEXIT CODE\tHANDLER\tNETWORKS")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Status, s.ExitCode, s.Handler, strings.Join(s.Networks, ","))
	}
	return w.Flush()
}

type CreateContainerCmd struct {
	options.CreateContainer
	Image string `arg:"" help:"image reference to run"`
	Args  []string `arg:"" optional:"" passthrough:"" help:"command and arguments to run as the container's init process"`
}

func (c *CreateContainerCmd) toConfig() (container.Config, container.Options) {
	id := c.Name
	if id == "" {
		id = randomID()
	}
	executable := ""
	var args []string
	if len(c.Args) > 0 {
		executable = c.Args[0]
		args = c.Args[1:]
	}
	cfg := container.Config{
		ID:             id,
		RuntimeHandler: defaultString(c.Kernel, "default"),
		Image:          c.Image,
		Platform:       c.Platform,
		Init: container.InitProcessConfig{
			Executable: executable,
			Arguments:  args,
			Env:        c.Env,
			WorkingDir: c.WorkDir,
			User:       c.User,
			TTY:        c.TTY,
		},
	}
	if c.Netowrk != "" {
		cfg.Networks = []string{c.Netowrk}
	}
	opts := container.Options{AutoRemove: c.Remove}
	return cfg, opts
}

func (c *CreateContainerCmd) Run(cctx *Context) error {
	cfg, opts := c.toConfig()
	client, err := cctx.Daemon(context.Background())
	if err != nil {
		return err
	}
	body := struct {
		Config  container.Config
		Options container.Options
	}{cfg, opts}
	req, err := rpc.EncodeJSON(body)
	if err != nil {
		return err
	}
	if _, err := client.Call(context.Background(), "container.create", req, nil); err != nil {
		return err
	}
	fmt.Println(cfg.ID)
	if c.CIDFile != "" {
		return os.WriteFile(c.CIDFile, []byte(cfg.ID), 0o644)
	}
	return nil
}

type StartContainerCmd struct {
	options.StartContainer
	ID string `arg:"" help:"container id"`
}

func (c *StartContainerCmd) Run(cctx *Context) error {
	client, err := cctx.Daemon(context.Background())
	if err != nil {
		return err
	}
	req := rpc.NewMessage().SetString("id", c.ID)
	if _, err := client.Call(context.Background(), "container.start", req, nil); err != nil {
		return err
	}
	fmt.Println(c.ID)
	return nil
}

type StopContainerCmd struct {
	options.StopContainer
	ID string `arg:"" optional:"" help:"container id"`
}

func (c *StopContainerCmd) Run(cctx *Context) error {
	return stopOrKill(cctx, c.ID, c.All, c.Time)
}

type KillContainerCmd struct {
	options.KillContainer
	ID string `arg:"" optional:"" help:"container id"`
}

func (c *KillContainerCmd) Run(cctx *Context) error {
	return stopOrKill(cctx, c.ID, c.All, 0)
}

// stopOrKill issues container.stop with timeoutSeconds, which is how "kill"
// is expressed over the daemon route table: a zero timeout asks the helper
// to terminate immediately rather than waiting out a graceful window, since
// no dedicated kill route exists separately from stop.
func stopOrKill(cctx *Context, id string, all bool, timeoutSeconds int) error {
	client, err := cctx.Daemon(context.Background())
	if err != nil {
		return err
	}
	ids := []string{id}
	if all {
		ids, err = allContainerIDs(client)
		if err != nil {
			return err
		}
	}
	var firstErr error
	for _, cid := range ids {
		req := rpc.NewMessage().SetString("id", cid).SetInt("timeoutSeconds", int64(timeoutSeconds))
		if _, err := client.Call(context.Background(), "container.stop", req, nil); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Println(cid)
	}
	return firstErr
}

type DeleteContainerCmd struct {
	options.DeleteContainer
	ID string `arg:"" optional:"" help:"container id"`
}

func (c *DeleteContainerCmd) Run(cctx *Context) error {
	client, err := cctx.Daemon(context.Background())
	if err != nil {
		return err
	}
	ids := []string{c.ID}
	if c.All {
		ids, err = allContainerIDs(client)
		if err != nil {
			return err
		}
	}
	if c.Force {
		for _, cid := range ids {
			_, _ = client.Call(context.Background(), "container.stop", rpc.NewMessage().SetString("id", cid).SetInt("timeoutSeconds", 0), nil)
		}
	}
	var firstErr error
	for _, cid := range ids {
		if _, err := client.Call(context.Background(), "container.delete", rpc.NewMessage().SetString("id", cid), nil); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Println(cid)
	}
	return firstErr
}

func allContainerIDs(client *rpc.Client) ([]string, error) {
	resp, err := client.Call(context.Background(), "container.list", rpc.NewMessage(), nil)
	if err != nil {
		return nil, err
	}
	var snaps []container.Snapshot
	if err := rpc.DecodeJSON(resp, &snaps); err != nil {
		return nil, err
	}
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	return ids, nil
}

type ContainerLogsCmd struct {
	options.ContainerLogs
	ID string `arg:"" help:"container id"`
}

func (c *ContainerLogsCmd) Run(cctx *Context) error {
	client, err := cctx.Daemon(context.Background())
	if err != nil {
		return err
	}
	resp, err := client.Call(context.Background(), "container.logs", rpc.NewMessage().SetString("id", c.ID), nil)
	if err != nil {
		return err
	}
	data := resp.Bytes["stdio"]
	if c.Boot {
		data = resp.Bytes["boot"]
	}
	if c.N > 0 {
		data = []byte(lastNLines(string(data), c.N))
	}
	_, err = os.Stdout.Write(data)
	return err
}

func lastNLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}

// ExecContainerCmd is a one-shot, non-interactive exec (the daemon's
// container.exec route captures output rather than streaming it live).
type ExecContainerCmd struct {
	options.ExecContainer
	ID   string   `arg:"" help:"container id"`
	Args []string `arg:"" passthrough:"" help:"command and arguments to run"`
}

func (c *ExecContainerCmd) Run(cctx *Context) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("kestrel: exec requires a command")
	}
	client, err := cctx.Daemon(context.Background())
	if err != nil {
		return err
	}
	req := container.ExecRequest{
		Executable: c.Args[0],
		Arguments:  c.Args[1:],
		Env:        c.Env,
		WorkingDir: c.WorkDir,
		User:       c.User,
	}
	body := struct {
		Req container.ExecRequest
	}{req}
	payload, err := rpc.EncodeJSON(body)
	if err != nil {
		return err
	}
	payload.SetString("id", c.ID)
	resp, err := client.Call(context.Background(), "container.exec", payload, nil)
	if err != nil {
		return err
	}
	var result container.ExecResult
	if err := rpc.DecodeJSON(resp, &result); err != nil {
		return err
	}
	os.Stdout.Write(result.Stdout)
	os.Stderr.Write(result.Stderr)
	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

// RunContainerCmd composes create + start and, unless detached, waits for
// the container to exit and then prints its stdio log, mirroring the
// teacher's ExecCmd create-then-start
// flow but against the daemon's create/start routes rather than an
// always-running external container CLI.
type RunContainerCmd struct {
	options.RunContainer
	Image string   `arg:"" help:"image reference to run"`
	Args  []string `arg:"" optional:"" passthrough:"" help:"command and arguments to run as the container's init process"`
}

func (c *RunContainerCmd) Run(cctx *Context) error {
	create := &CreateContainerCmd{
		CreateContainer: options.CreateContainer{
			ProcessOptions:    c.ProcessOptions,
			ResourceOptions:   c.ResourceOptions,
			ManagementOptions: c.ManagementOptions,
		},
		Image: c.Image,
		Args:  c.Args,
	}
	cfg, opts := create.toConfig()

	client, err := cctx.Daemon(context.Background())
	if err != nil {
		return err
	}
	body := struct {
		Config  container.Config
		Options container.Options
	}{cfg, opts}
	req, err := rpc.EncodeJSON(body)
	if err != nil {
		return err
	}
	if _, err := client.Call(context.Background(), "container.create", req, nil); err != nil {
		return &exitError{code: 127}
	}

	if _, err := client.Call(context.Background(), "container.start", rpc.NewMessage().SetString("id", cfg.ID), nil); err != nil {
		return &exitError{code: 127}
	}

	if c.ManagementOptions.Detach {
		fmt.Println(cfg.ID)
		return nil
	}

	// Attached mode: poll until the container exits, print its stdio log
	// once, then report its exit code as our own, per spec.md §6's exit code
	// contract.
	return attachAndWait(client, cfg.ID)
}

func attachAndWait(client *rpc.Client, id string) error {
	for {
		resp, err := client.Call(context.Background(), "container.list", rpc.NewMessage(), nil)
		if err != nil {
			return err
		}
		var snaps []container.Snapshot
		if err := rpc.DecodeJSON(resp, &snaps); err != nil {
			return err
		}
		for _, s := range snaps {
			if s.ID != id {
				continue
			}
			if s.Status == "exited" {
				logsResp, _ := client.Call(context.Background(), "container.logs", rpc.NewMessage().SetString("id", id), nil)
				if logsResp != nil {
					os.Stdout.Write(logsResp.Bytes["stdio"])
				}
				if s.ExitCode != 0 {
					return &exitError{code: s.ExitCode}
				}
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func randomID() string {
	return "ct-" + uuid.NewString()
}
