package graphbuild

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/reporter"
)

// ParseDockerfile translates a Dockerfile-style source into a Builder's
// stage/node calls, per spec.md §4.10's "Dockerfile-style frontend". The
// lexical details (escaping, line continuation edge cases, heredocs) are out
// of scope per spec.md §1; this frontend handles the common single-line
// instruction forms: FROM, RUN, COPY/COPY --from, ENV, WORKDIR, USER, LABEL,
// EXPOSE, ENTRYPOINT, CMD.
func ParseDockerfile(source string, rep *reporter.Reporter) (*Builder, error) {
	b := New(rep)

	var current *stageBuilder
	var stageIdx int
	lines := continuationJoinedLines(source)

	for lineNo, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		instr := strings.ToUpper(fields[0])
		var rest string
		if len(fields) > 1 {
			rest = strings.TrimSpace(fields[1])
		}

		switch instr {
		case "FROM":
			ref, name := parseFromArgs(rest)
			id := fmt.Sprintf("stage%d", stageIdx)
			stageIdx++
			if ref == "scratch" {
				current = b.Scratch(id, name)
			} else {
				current = b.Stage(id, name, ref)
			}
		case "RUN":
			if current == nil {
				return nil, kerr.InvalidArgumentf("dockerfile line %d: RUN before any FROM", lineNo+1)
			}
			current.Run(strings.Fields(rest))
		case "COPY":
			if current == nil {
				return nil, kerr.InvalidArgumentf("dockerfile line %d: COPY before any FROM", lineNo+1)
			}
			if from, src, dst, ok := parseCopyFrom(rest); ok {
				current.CopyFromStage(from, src, dst)
			} else {
				src, dst, err := parseTwoArgs(rest)
				if err != nil {
					return nil, kerr.InvalidArgumentf("dockerfile line %d: %v", lineNo+1, err)
				}
				current.Copy(src, dst)
			}
		case "ENV":
			if current == nil {
				return nil, kerr.InvalidArgumentf("dockerfile line %d: ENV before any FROM", lineNo+1)
			}
			k, v, ok := strings.Cut(rest, "=")
			if !ok || strings.ContainsAny(k, " \t") {
				var err error
				k, v, err = parseTwoArgs(rest)
				if err != nil {
					return nil, kerr.InvalidArgumentf("dockerfile line %d: %v", lineNo+1, err)
				}
			}
			current.Env(k, v)
		case "WORKDIR":
			current.Workdir(rest)
		case "USER":
			current.User(rest)
		case "LABEL":
			k, v, err := parseTwoArgs(rest)
			if err != nil {
				return nil, kerr.InvalidArgumentf("dockerfile line %d: %v", lineNo+1, err)
			}
			current.Label(k, v)
		case "EXPOSE":
			current.Expose(rest)
		case "ENTRYPOINT":
			current.Entrypoint(rest)
		case "CMD":
			current.Cmd(rest)
		case "ARG":
			k, v, _ := parseTwoArgs(rest)
			b.Arg(k, v)
		default:
			return nil, kerr.InvalidArgumentf("dockerfile line %d: unsupported instruction %q", lineNo+1, instr)
		}
	}

	return b, nil
}

func continuationJoinedLines(source string) []string {
	var out []string
	var pending string
	sc := bufio.NewScanner(strings.NewReader(source))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasSuffix(strings.TrimRight(line, " \t"), "\\") {
			trimmed := strings.TrimRight(line, " \t")
			pending += strings.TrimSuffix(trimmed, "\\") + " "
			continue
		}
		out = append(out, pending+line)
		pending = ""
	}
	if pending != "" {
		out = append(out, pending)
	}
	return out
}

func parseFromArgs(rest string) (ref, name string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", ""
	}
	ref = fields[0]
	if len(fields) >= 3 && strings.EqualFold(fields[1], "AS") {
		name = fields[2]
	}
	return ref, name
}

func parseCopyFrom(rest string) (from, src, dst string, ok bool) {
	fields := strings.Fields(rest)
	if len(fields) < 3 || !strings.HasPrefix(fields[0], "--from=") {
		return "", "", "", false
	}
	from = strings.TrimPrefix(fields[0], "--from=")
	return from, fields[1], fields[2], true
}

func parseTwoArgs(rest string) (first, second string, err error) {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "", "", kerr.InvalidArgumentf("expected two arguments, got %q", rest)
	}
	return fields[0], strings.Join(fields[1:], " "), nil
}
