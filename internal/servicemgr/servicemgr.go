// Package servicemgr bridges the daemon to the host's long-lived-service
// supervisor (launchd on macOS). It is grounded on the teacher's
// cmd/sand/daemon_cmd.go start/stop/restart/status lifecycle and
// prerequisites.go's pattern of shelling out to a host tool and parsing its
// line-oriented output, generalized here to launchctl.
package servicemgr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

// Bridge is the contract the container and network services use to manage
// their helper processes' registration with the host supervisor.
type Bridge interface {
	Register(ctx context.Context, plistPath string) error
	Deregister(ctx context.Context, label string) error
	Kickstart(ctx context.Context, label string) error
	Enumerate(ctx context.Context) ([]string, error)
	IsRegistered(ctx context.Context, label string) (bool, error)
}

// Label formats the launchd label for a helper's runtime instance, per
// spec.md §4.4: "{domain}/{prefix}.{runtime}.{instance-id}".
func Label(domain, prefix, runtime, instanceID string) string {
	return fmt.Sprintf("%s/%s.%s.%s", domain, prefix, runtime, instanceID)
}

// APIServerLabel formats the daemon's own launchd label, "{prefix}apiserver".
func APIServerLabel(prefix string) string {
	return prefix + "apiserver"
}

// launchdBridge shells out to launchctl, exactly as prerequisites.go shells
// out to sw_vers/git: os/exec plus line-oriented output parsing, no
// additional library, since the host supervisor's interface here is its CLI.
type launchdBridge struct {
	domain string
}

func NewLaunchdBridge(domain string) Bridge {
	return &launchdBridge{domain: domain}
}

func (b *launchdBridge) Register(ctx context.Context, plistPath string) error {
	cmd := exec.CommandContext(ctx, "launchctl", "bootstrap", b.domain, plistPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return kerr.Wrap(kerr.InternalError, fmt.Sprintf("launchctl bootstrap failed: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

func (b *launchdBridge) Deregister(ctx context.Context, label string) error {
	cmd := exec.CommandContext(ctx, "launchctl", "bootout", b.domain+"/"+label)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return kerr.Wrap(kerr.InternalError, fmt.Sprintf("launchctl bootout failed: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

func (b *launchdBridge) Kickstart(ctx context.Context, label string) error {
	cmd := exec.CommandContext(ctx, "launchctl", "kickstart", "-k", b.domain+"/"+label)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return kerr.Wrap(kerr.InternalError, fmt.Sprintf("launchctl kickstart failed: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

func (b *launchdBridge) Enumerate(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "launchctl", "print", b.domain)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, kerr.Wrap(kerr.InternalError, "launchctl print failed", err)
	}
	var labels []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "com.") || strings.Contains(line, ".") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				labels = append(labels, fields[len(fields)-1])
			}
		}
	}
	return labels, nil
}

func (b *launchdBridge) IsRegistered(ctx context.Context, label string) (bool, error) {
	cmd := exec.CommandContext(ctx, "launchctl", "print", b.domain+"/"+label)
	if err := cmd.Run(); err != nil {
		return false, nil
	}
	return true, nil
}

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Program}}</string>
		{{- range .Args}}
		<string>{{.}}</string>
		{{- end}}
	</array>
	<key>EnvironmentVariables</key>
	<dict>
		{{- range $k, $v := .Env}}
		<key>{{$k}}</key>
		<string>{{$v}}</string>
		{{- end}}
	</dict>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<false/>
</dict>
</plist>
`

// PlistSpec describes a helper process's launchd registration.
type PlistSpec struct {
	Label   string
	Program string
	Args    []string
	Env     map[string]string
}

var tpl = template.Must(template.New("plist").Parse(plistTemplate))

// RenderPlist renders spec as a launchd property list, writing spec.Env as
// the helper's EnvironmentVariables. It does not read the daemon's own
// environment: only variables a caller puts in spec.Env reach the helper.
func RenderPlist(spec PlistSpec) ([]byte, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, spec); err != nil {
		return nil, fmt.Errorf("servicemgr: render plist: %w", err)
	}
	return buf.Bytes(), nil
}
