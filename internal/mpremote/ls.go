package mpremote

import (
	"context"
	"strconv"
	"strings"
)

// LsEntry is one child reported by "fs ls".
type LsEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// ParseLs reads "fs ls" output:
//
//	ls :lib
//	         139 boot.py
//	           0 drivers/
func ParseLs(out string) []LsEntry {
	var entries []LsEntry
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "ls ") || line == "ls" {
			continue
		}
		sizeField, name, ok := strings.Cut(line, " ")
		size, err := strconv.ParseInt(sizeField, 10, 64)
		if !ok || err != nil {
			// Older tool versions print bare names.
			name = line
			size = 0
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		e := LsEntry{Name: name, Size: size}
		if strings.HasSuffix(name, "/") {
			e.IsDir = true
			e.Name = strings.TrimSuffix(name, "/")
			e.Size = 0
		}
		entries = append(entries, e)
	}
	return entries
}

// Port is one serial device the tool can see.
type Port struct {
	Device      string
	Serial      string
	VIDPID      string
	Description string
}

// ListPorts runs "connect list". It does not need (and must not take) a port.
func ListPorts(ctx context.Context, r Runner) ([]Port, error) {
	res, err := r.Run(ctx, []string{"connect", "list"})
	if err != nil {
		return nil, classify("list", "", res, err)
	}
	return ParsePorts(res.Stdout), nil
}

// ParsePorts reads lines like
// "/dev/ttyACM0 e660583883724a2e 2e8a:0005 MicroPython Board in FS mode".
func ParsePorts(out string) []Port {
	var ports []Port
	for _, raw := range strings.Split(out, "\n") {
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}
		p := Port{Device: fields[0]}
		if len(fields) > 1 {
			p.Serial = fields[1]
		}
		if len(fields) > 2 {
			p.VIDPID = fields[2]
		}
		if len(fields) > 3 {
			p.Description = strings.Join(fields[3:], " ")
		}
		ports = append(ports, p)
	}
	return ports
}
