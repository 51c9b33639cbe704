// ABOUTME: RuntimeInstance model and the exclusion rules applied before instances are published.
// ABOUTME: Also reconstructs java launcher facts from a bare argv when no perfdata is available.

package registry

import (
	"strings"
	"time"
)

// Source tags which mechanism produced an instance.
type Source string

const (
	SourceProcess           Source = "process"
	SourcePerfData          Source = "perfdata"
	SourceContainerPerfData Source = "container-perfdata"
	SourceContainerProcess  Source = "container-process"
)

// Instance is one discovered target runtime. Values handed to consumers are
// copies; only the registry creates or changes them.
type Instance struct {
	PID              int       `json:"pid"`
	NamespacePID     int       `json:"ns_pid,omitempty"`
	ContainerID      string    `json:"container_id,omitempty"`
	ContainerRuntime string    `json:"container_runtime,omitempty"`
	CommandLine      string    `json:"command_line"`
	MainClass        string    `json:"main_class"`
	ClassPath        string    `json:"class_path,omitempty"`
	VMName           string    `json:"vm_name,omitempty"`
	VMVendor         string    `json:"vm_vendor,omitempty"`
	VMVersion        string    `json:"vm_version,omitempty"`
	VMArgs           string    `json:"vm_args,omitempty"`
	UID              int       `json:"uid"`
	GID              int       `json:"gid"`
	Executable       string    `json:"executable,omitempty"`
	Source           Source    `json:"source"`
	DiscoveredAt     time.Time `json:"discovered_at"`
}

// InContainer reports whether the instance lives in a container.
func (i Instance) InContainer() bool { return i.ContainerID != "" }

// TargetPID is the PID to use from inside the instance's own namespace.
func (i Instance) TargetPID() int {
	if i.NamespacePID > 0 {
		return i.NamespacePID
	}
	return i.PID
}

// Exclusions drop instances before anyone is told about them.
type Exclusions struct {
	ClassPath   []string `yaml:"class_path"`
	CommandLine []string `yaml:"command_line"`
	PIDs        []int    `yaml:"-"`
}

// DefaultExclusions ignores build tools, IDE daemons, and runtimes that
// opted out of attachment.
func DefaultExclusions() Exclusions {
	return Exclusions{
		ClassPath: []string{
			"gradle-launcher",
			"gradle-worker.jar",
			"plexus-classworlds",
			"kotlin-compiler",
			"kotlin-daemon",
			"sbt-launch",
			"jps-launcher.jar",
		},
		CommandLine: []string{
			"org.gradle.launcher.daemon.bootstrap.GradleDaemon",
			"org.gradle.wrapper.GradleWrapperMain",
			"worker.org.gradle.process.internal.worker.GradleWorkerMain",
			"org.codehaus.plexus.classworlds.launcher.Launcher",
			"org.jetbrains.kotlin.daemon.KotlinCompileDaemon",
			"org.jetbrains.jps.cmdline.Launcher",
			"com.intellij.idea.Main",
			"xsbt.boot.Boot",
			"-Dburrow.attach.disabled=true",
		},
	}
}

// Match returns a reason when inst is excluded, or "".
func (e Exclusions) Match(inst Instance) string {
	for _, pid := range e.PIDs {
		if inst.PID == pid {
			return "excluded pid"
		}
	}
	for _, s := range e.ClassPath {
		if s != "" && strings.Contains(inst.ClassPath, s) {
			return "class path contains " + s
		}
	}
	for _, s := range e.CommandLine {
		if s == "" {
			continue
		}
		if strings.Contains(inst.CommandLine, s) || strings.Contains(inst.VMArgs, s) {
			return "command line contains " + s
		}
	}
	return ""
}

// vmOptions returns the JVM options that precede the launch target in a java
// argv, space-joined. Values of class and module path flags are dropped.
func vmOptions(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	var opts []string
	args := argv[1:]
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-jar" || a == "-m" || a == "--module" || !strings.HasPrefix(a, "-"):
			return strings.Join(opts, " ")
		case a == "-cp" || a == "-classpath" || a == "--class-path" ||
			a == "-p" || a == "--module-path" || a == "--add-modules" || a == "--add-opens" || a == "--add-exports":
			i++
		default:
			opts = append(opts, a)
		}
	}
	return strings.Join(opts, " ")
}

// javaLaunch extracts the launched entry point and class path from a java
// argv, mirroring what the launcher records as sun.rt.javaCommand.
func javaLaunch(argv []string) (command, classPath string) {
	if len(argv) == 0 {
		return "", ""
	}
	args := argv[1:]
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-cp" || a == "-classpath" || a == "--class-path":
			if i+1 < len(args) {
				classPath = args[i+1]
				i++
			}
		case strings.HasPrefix(a, "--class-path="):
			classPath = strings.TrimPrefix(a, "--class-path=")
		case a == "-jar":
			if i+1 < len(args) {
				return strings.Join(args[i+1:], " "), args[i+1]
			}
			return "", classPath
		case a == "-m" || a == "--module":
			if i+1 < len(args) {
				return strings.Join(args[i+1:], " "), classPath
			}
			return "", classPath
		case a == "-p" || a == "--module-path" || a == "--add-modules" || a == "--add-opens" || a == "--add-exports":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return strings.Join(args[i:], " "), classPath
		}
	}
	return "", classPath
}
