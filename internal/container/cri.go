// ABOUTME: CRI backend (containerd, CRI-O) driven through crictl.
// ABOUTME: Files are copied through the container init process's root since crictl has no cp.

package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CRI talks to a CRI runtime through crictl.
type CRI struct {
	binary   string
	run      Runner
	procRoot string
	cgroup   cgroupReader
}

// NewCRI creates a CRI backend. binary defaults to "crictl".
func NewCRI(binary string, run Runner) *CRI {
	if binary == "" {
		binary = "crictl"
	}
	if run == nil {
		run = ExecRunner
	}
	return &CRI{binary: binary, run: run, procRoot: "/proc", cgroup: cgroupReader{procRoot: "/proc"}}
}

// Binary returns the CLI path this backend runs.
func (c *CRI) Binary() string { return c.binary }

// Name implements Backend.
func (c *CRI) Name() string { return "cri" }

// ContainerIDForProcess implements Backend.
func (c *CRI) ContainerIDForProcess(_ context.Context, pid int) (string, error) {
	content, err := c.cgroup.read(pid)
	if err != nil {
		return "", err
	}
	return IDFromCgroup(content, "cri-containerd", "crio", "kubepods"), nil
}

type criInspect struct {
	Status struct {
		ID       string            `json:"id"`
		State    string            `json:"state"`
		Labels   map[string]string `json:"labels"`
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	} `json:"status"`
	Info struct {
		Pid int `json:"pid"`
	} `json:"info"`
}

// Container implements Backend.
func (c *CRI) Container(ctx context.Context, id string) (*Container, error) {
	res, err := c.run(ctx, c.binary, "inspect", "-o", "json", id)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(strings.ToLower(res.Stderr), "not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("crictl inspect %s: exit %d: %s", id, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var info criInspect
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return nil, fmt.Errorf("decoding crictl inspect: %w", err)
	}

	return &Container{
		ID:      info.Status.ID,
		Name:    info.Status.Metadata.Name,
		Running: info.Status.State == "CONTAINER_RUNNING",
		Labels:  info.Status.Labels,
		RootPID: info.Info.Pid,
	}, nil
}

// CopyFiles implements Backend.
func (c *CRI) CopyFiles(ctx context.Context, id, destDir string, files map[string]string) error {
	ctr, err := c.Container(ctx, id)
	if err != nil {
		return err
	}
	if ctr == nil || ctr.RootPID <= 0 {
		return fmt.Errorf("container %s has no init process", id)
	}

	target := filepath.Join(c.procRoot, strconv.Itoa(ctr.RootPID), "root", destDir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	for name, local := range files {
		if err := copyFile(local, filepath.Join(target, name)); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	return nil
}

// Exec implements Backend.
func (c *CRI) Exec(ctx context.Context, id string, argv []string) (*ExecResult, error) {
	args := append([]string{"exec", id}, argv...)
	return c.run(ctx, c.binary, args...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
