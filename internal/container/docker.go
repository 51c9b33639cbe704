// ABOUTME: Docker backend driven through the docker CLI.
// ABOUTME: Uses inspect for state and labels, cp for payload files, and exec for the bootstrap.

package container

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Docker talks to the Docker daemon through its CLI.
type Docker struct {
	binary string
	run    Runner
	cgroup cgroupReader
}

// NewDocker creates a docker backend. binary defaults to "docker".
func NewDocker(binary string, run Runner) *Docker {
	if binary == "" {
		binary = "docker"
	}
	if run == nil {
		run = ExecRunner
	}
	return &Docker{binary: binary, run: run, cgroup: cgroupReader{procRoot: "/proc"}}
}

// Binary returns the CLI path this backend runs.
func (d *Docker) Binary() string { return d.binary }

// Name implements Backend.
func (d *Docker) Name() string { return "docker" }

// ContainerIDForProcess implements Backend.
func (d *Docker) ContainerIDForProcess(_ context.Context, pid int) (string, error) {
	content, err := d.cgroup.read(pid)
	if err != nil {
		return "", err
	}
	return IDFromCgroup(content, "docker"), nil
}

type dockerInspect struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Running bool `json:"Running"`
		Pid     int  `json:"Pid"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Gateway  string `json:"Gateway"`
		Networks map[string]struct {
			Gateway string `json:"Gateway"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

// Container implements Backend.
func (d *Docker) Container(ctx context.Context, id string) (*Container, error) {
	res, err := d.run(ctx, d.binary, "inspect", "--type", "container", "--format", "{{json .}}", id)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(strings.ToLower(res.Stderr), "no such") {
			return nil, nil
		}
		return nil, fmt.Errorf("docker inspect %s: exit %d: %s", id, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var info dockerInspect
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &info); err != nil {
		return nil, fmt.Errorf("decoding docker inspect: %w", err)
	}

	gateway := info.NetworkSettings.Gateway
	if gateway == "" {
		for _, n := range info.NetworkSettings.Networks {
			if n.Gateway != "" {
				gateway = n.Gateway
				break
			}
		}
	}

	return &Container{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		Running: info.State.Running,
		Labels:  info.Config.Labels,
		RootPID: info.State.Pid,
		Gateway: gateway,
	}, nil
}

// CopyFiles implements Backend.
func (d *Docker) CopyFiles(ctx context.Context, id, destDir string, files map[string]string) error {
	res, err := d.Exec(ctx, id, []string{"mkdir", "-p", destDir})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("creating %s in %s: %s", destDir, id, strings.TrimSpace(res.Stderr))
	}

	for name, local := range files {
		res, err := d.run(ctx, d.binary, "cp", local, id+":"+path.Join(destDir, name))
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("docker cp %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// Exec implements Backend.
func (d *Docker) Exec(ctx context.Context, id string, argv []string) (*ExecResult, error) {
	args := append([]string{"exec", id}, argv...)
	return d.run(ctx, d.binary, args...)
}
