// ABOUTME: Boot argument string handed to burrow-agent by the attach strategies.
// ABOUTME: Comma-separated key=value pairs such as "log-level=debug,listen=127.0.0.1:0".

package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Known boot argument keys.
const (
	ArgLogLevel                  = "log-level"
	ArgDisableBootstrapInjection = "disable-bootstrap-injection"
	ArgListen                    = "listen"
)

// AgentArgs is the parsed agent boot argument string.
type AgentArgs struct {
	// LogLevel pins the agent's level; the log-level command is then refused.
	LogLevel string

	// DisableBootstrapInjection keeps the agent from attaching to the
	// runtime itself. Class queries then only see plugin exports.
	DisableBootstrapInjection bool

	// Listen is the command listener bind address.
	Listen string

	// Extra holds keys this version does not know, passed through untouched.
	Extra map[string]string
}

// ParseAgentArgs parses "k=v,k=v". Empty input is valid.
func ParseAgentArgs(s string) (AgentArgs, error) {
	var args AgentArgs
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return AgentArgs{}, fmt.Errorf("malformed agent argument %q, expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case ArgLogLevel:
			if _, err := ParseLevel(value); err != nil {
				return AgentArgs{}, err
			}
			args.LogLevel = value
		case ArgDisableBootstrapInjection:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return AgentArgs{}, fmt.Errorf("%s %q: %w", key, value, err)
			}
			args.DisableBootstrapInjection = b
		case ArgListen:
			args.Listen = value
		default:
			if args.Extra == nil {
				args.Extra = make(map[string]string)
			}
			args.Extra[key] = value
		}
	}
	return args, nil
}

// String renders the arguments back into boot argument form.
func (a AgentArgs) String() string {
	var parts []string
	if a.LogLevel != "" {
		parts = append(parts, ArgLogLevel+"="+a.LogLevel)
	}
	if a.DisableBootstrapInjection {
		parts = append(parts, ArgDisableBootstrapInjection+"=true")
	}
	if a.Listen != "" {
		parts = append(parts, ArgListen+"="+a.Listen)
	}
	keys := make([]string, 0, len(a.Extra))
	for k := range a.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+a.Extra[k])
	}
	return strings.Join(parts, ",")
}
