// ABOUTME: Entry point for burrowd, the per-host runtime discovery and attachment controller
// ABOUTME: Subcommands: serve, init, health, instances, connections, attachments, command, version

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/controller"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _
 | |__  _   _ _ __ _ __ _____      ____| |
 | '_ \| | | | '__| '__/ _ \ \ /\ / / _' |
 | |_) | |_| | |  | | | (_) \ V  V / (_| |
 |_.__/ \__,_|_|  |_|  \___/ \_/\_/ \__,_|
`

// getConfigPath returns the path to the controller config file.
// Priority: BURROW_CONFIG env var > XDG_CONFIG_HOME/burrow/burrowd.yaml > ~/.config/burrow/burrowd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BURROW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "burrowd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "burrow", "burrowd.yaml")
}

func usage() {
	fmt.Println("Usage: burrowd <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the controller")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println("  health                     Check controller health")
	fmt.Println("  instances                  List discovered runtimes")
	fmt.Println("  connections                List registered agents")
	fmt.Println("  attachments                List recent attachment outcomes")
	fmt.Println("  command PID CMD [ARG]      Send a command to an agent")
	fmt.Println("  version                    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "instances":
		err = runGet(ctx, "/api/instances")
	case "connections":
		err = runGet(ctx, "/api/connections")
	case "attachments":
		err = runGet(ctx, "/api/attachments")
	case "command":
		err = runCommand(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, level, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Attach:    ")
	if cfg.Attach.Enabled {
		cyan.Print(cfg.Attach.AgentBinary)
		gray.Printf(" (retries %d, workers %d-%d)", cfg.Attach.Retries, cfg.Attach.CoreWorkers, cfg.Attach.MaxWorkers)
	} else {
		yellow.Print("disabled")
	}
	fmt.Println()
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting burrowd",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"attach_enabled", cfg.Attach.Enabled,
	)

	c, err := controller.New(cfg, logger, level)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}

	return c.Run(ctx)
}

// controllerURL is the base URL local subcommands talk to.
func controllerURL() (string, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func runHealth(ctx context.Context) error {
	base, err := controllerURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runGet prints the indented JSON of a status API endpoint.
func runGet(ctx context.Context, path string) error {
	base, err := controllerURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp)
}

func runCommand(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: burrowd command PID COMMAND [ARGUMENT]")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	body := controller.CommandRequest{PID: pid, Command: args[1]}
	if len(args) > 2 {
		body.Argument = strings.Join(args[2:], " ")
	}

	base, err := controllerURL()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/command", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp)
}

func printJSON(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("burrowd configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	defaults := config.Default()

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", defaults.Server.HTTPAddr)
	advertise := prompt(reader, "Advertise host (empty for auto)", "")

	fmt.Println("\n--- Attach Configuration ---")
	attachEnabled := yes(prompt(reader, "Attach to discovered runtimes?", "yes"))
	agentBinary := defaults.Attach.AgentBinary
	agentArgs := ""
	if attachEnabled {
		agentBinary = prompt(reader, "Agent binary", defaults.Attach.AgentBinary)
		agentArgs = prompt(reader, "Agent boot arguments (k=v,...)", "")
		if _, err := config.ParseAgentArgs(agentArgs); err != nil {
			return fmt.Errorf("agent boot arguments: %w", err)
		}
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (trace/debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# burrowd configuration\n")
	cfg.WriteString("# Generated by burrowd init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if advertise != "" {
		cfg.WriteString(fmt.Sprintf("  advertise_host: %q\n", advertise))
	}
	cfg.WriteString("\n")

	cfg.WriteString("discovery:\n")
	cfg.WriteString("  executable_names: [\"java\"]\n")
	cfg.WriteString(fmt.Sprintf("  scan_interval: %q\n", defaults.Discovery.ScanIntervalRaw))
	cfg.WriteString(fmt.Sprintf("  perfdata_interval: %q\n", defaults.Discovery.PerfDataIntervalRaw))
	cfg.WriteString("\n")

	cfg.WriteString("attach:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", attachEnabled))
	cfg.WriteString(fmt.Sprintf("  agent_binary: %q\n", agentBinary))
	if agentArgs != "" {
		cfg.WriteString(fmt.Sprintf("  agent_args: %q\n", agentArgs))
	}
	cfg.WriteString(fmt.Sprintf("  retries: %d\n", defaults.Attach.Retries))
	cfg.WriteString(fmt.Sprintf("  attach_timeout: %q\n", defaults.Attach.AttachTimeoutRaw))
	cfg.WriteString(fmt.Sprintf("  connect_timeout: %q\n", defaults.Attach.ConnectTimeoutRaw))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the controller:")
	fmt.Printf("  burrowd serve\n")
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
