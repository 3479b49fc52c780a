// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the Ensemble CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
)

type globalFlags struct {
	ConfigPath string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cmd := args[0]
	switch cmd {
	case "help":
		printUsage()
		return
	case "version":
		fmt.Println(version)
		return
	}

	a, err := newApp(global.ConfigPath)
	if err != nil {
		fatal(err)
	}
	defer a.close(ctx)

	switch cmd {
	case "status":
		ensureNoArgs(args[1:])
		runStatus(a, global)
	case "intents":
		runIntents(a, global, args[1:])
	case "run":
		runIntent(ctx, a, global, args[1:])
	case "plugins":
		runPlugins(a, global, args[1:])
	case "skills":
		runSkills(a, global, args[1:])
	case "workflows":
		runWorkflows(ctx, a, global, args[1:])
	case "mcp":
		runMCP(ctx, a, global, args[1:])
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		ConfigPath: getenv("ENSEMBLE_CONFIG", ""),
		Timeout:    30 * time.Second,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

type statusResult struct {
	Version     string   `json:"version"`
	Intents     int      `json:"intents"`
	Workflows   int      `json:"workflows"`
	Plugins     []string `json:"plugins"`
	Disabled    []string `json:"disabled_plugins,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	MCPServers  []string `json:"mcp_servers,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func runStatus(a *app, flags globalFlags) {
	result := statusResult{
		Version:   version,
		Intents:   len(a.reg.IntentNames()),
		Workflows: len(a.reg.WorkflowNames()),
		Plugins:   a.plugins.Names(),
		Skills:    a.skills.Names(),
	}
	if a.pluginReport != nil {
		result.Disabled = a.pluginReport.Disabled
		result.Diagnostics = append(result.Diagnostics, a.pluginReport.Diagnostics...)
	}
	if a.skillReport != nil {
		result.Diagnostics = append(result.Diagnostics, a.skillReport.Diagnostics...)
	}
	result.Diagnostics = append(result.Diagnostics, a.workflowDiags...)
	for name := range a.cfg.MCP {
		result.MCPServers = append(result.MCPServers, name)
	}

	if flags.JSON {
		printJSON(result)
		return
	}
	fmt.Printf("Ensemble %s\n", result.Version)
	fmt.Printf("intents: %d  workflows: %d\n", result.Intents, result.Workflows)
	fmt.Printf("plugins: %s\n", joinOrDash(result.Plugins))
	if len(result.Disabled) > 0 {
		fmt.Printf("disabled plugins: %s\n", strings.Join(result.Disabled, ", "))
	}
	fmt.Printf("skills: %s\n", joinOrDash(result.Skills))
	fmt.Printf("tool servers: %s\n", joinOrDash(result.MCPServers))
	for _, diag := range result.Diagnostics {
		fmt.Printf("warning: %s\n", diag)
	}
}

func runIntents(a *app, flags globalFlags, args []string) {
	category := ""
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--category="):
			category = strings.TrimPrefix(arg, "--category=")
		default:
			fatal(fmt.Errorf("unknown intents flag %q", arg))
		}
	}

	type intentRow struct {
		Name        string `json:"name"`
		Category    string `json:"category,omitempty"`
		Description string `json:"description,omitempty"`
		Confirm     bool   `json:"confirm,omitempty"`
	}
	var rows []intentRow
	for _, name := range a.reg.IntentNames() {
		meta, _ := a.reg.Metadata(name)
		if category != "" && meta.Category != category {
			continue
		}
		rows = append(rows, intentRow{
			Name:        name,
			Category:    meta.Category,
			Description: meta.Description,
			Confirm:     meta.Safety == core.SafetyRequiresConfirmation,
		})
	}

	if flags.JSON {
		printJSON(rows)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "NAME", "CATEGORY", "CONFIRM", "DESCRIPTION")
	for _, row := range rows {
		confirm := "-"
		if row.Confirm {
			confirm = "yes"
		}
		writeRow(writer, row.Name, row.Category, confirm, row.Description)
	}
	_ = writer.Flush()
}

func runIntent(ctx context.Context, a *app, flags globalFlags, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: ensemble run <intent> [key=value ...] [--yes]"))
	}
	name := args[0]
	payload, yes, err := parsePayload(args[1:])
	if err != nil {
		fatal(err)
	}

	meta, known := a.reg.Metadata(name)
	if !known {
		fatal(errors.Newf(errors.CodeNotFound, "unknown intent %q", name))
	}
	if meta.Safety == core.SafetyRequiresConfirmation && !yes {
		if !confirm(fmt.Sprintf("intent %q requires confirmation. Proceed?", name)) {
			fmt.Println("aborted")
			return
		}
	}
	if yes {
		payload[core.KeyAutoConfirm] = true
	}

	res := a.reg.Dispatch(name, payload)
	if a.metrics != nil {
		a.metrics.RecordInvocation(ctx, name, res.Success)
	}
	printResult(res, flags.JSON)
}

func runPlugins(a *app, flags globalFlags, args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		type pluginRow struct {
			Name     string `json:"name"`
			Version  string `json:"version,omitempty"`
			Intents  int    `json:"intents"`
			LoadMS   int64  `json:"load_ms"`
			Disabled bool   `json:"disabled,omitempty"`
		}
		var rows []pluginRow
		for _, name := range a.plugins.Names() {
			p, _ := a.plugins.Plugin(name)
			rows = append(rows, pluginRow{
				Name:    p.Name,
				Version: p.Version,
				Intents: len(p.Intents),
				LoadMS:  p.LoadDuration.Milliseconds(),
			})
		}
		if a.pluginReport != nil {
			for _, name := range a.pluginReport.Disabled {
				rows = append(rows, pluginRow{Name: name, Disabled: true})
			}
		}
		if flags.JSON {
			printJSON(rows)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "NAME", "VERSION", "INTENTS", "LOAD(MS)", "STATE")
		for _, row := range rows {
			state := "enabled"
			if row.Disabled {
				state = "disabled"
			}
			writeRow(writer, row.Name, row.Version,
				fmt.Sprintf("%d", row.Intents), fmt.Sprintf("%d", row.LoadMS), state)
		}
		_ = writer.Flush()
	case "enable", "disable", "load", "unload":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: ensemble plugins %s <name>", args[0]))
		}
		name := args[1]
		var err error
		switch args[0] {
		case "enable":
			err = a.plugins.Enable(name)
		case "disable":
			err = a.plugins.Disable(name)
		case "load":
			_, err = a.plugins.Load(name)
		case "unload":
			err = a.plugins.Unload(name)
		}
		if err != nil {
			fatal(err)
		}
		past := map[string]string{
			"enable": "enabled", "disable": "disabled",
			"load": "loaded", "unload": "unloaded",
		}
		fmt.Printf("plugin %q %s\n", name, past[args[0]])
	default:
		fatal(fmt.Errorf("usage: ensemble plugins <list|enable|disable|load|unload>"))
	}
}

func runSkills(a *app, flags globalFlags, args []string) {
	ensureNoArgs(args)
	names := a.skills.Names()
	if flags.JSON {
		printJSON(names)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "NAME", "CATEGORY", "DESCRIPTION")
	for _, name := range names {
		meta, _ := a.reg.Metadata(name)
		writeRow(writer, name, meta.Category, meta.Description)
	}
	_ = writer.Flush()
}

func runWorkflows(ctx context.Context, a *app, flags globalFlags, args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		type workflowRow struct {
			Name        string `json:"name"`
			DisplayName string `json:"display_name"`
			Steps       int    `json:"steps"`
		}
		var rows []workflowRow
		for _, name := range a.reg.WorkflowNames() {
			wf, _ := a.reg.Workflow(name)
			rows = append(rows, workflowRow{Name: name, DisplayName: wf.DisplayName, Steps: len(wf.Steps)})
		}
		if flags.JSON {
			printJSON(rows)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "NAME", "DISPLAY NAME", "STEPS")
		for _, row := range rows {
			writeRow(writer, row.Name, row.DisplayName, fmt.Sprintf("%d", row.Steps))
		}
		_ = writer.Flush()
	case "run":
		if len(args) < 2 {
			fatal(fmt.Errorf("usage: ensemble workflows run <name> [key=value ...]"))
		}
		payload, _, err := parsePayload(args[2:])
		if err != nil {
			fatal(err)
		}
		run, err := a.workflows.Invoke(ctx, args[1], payload)
		if err != nil {
			fatal(err)
		}
		if flags.JSON {
			printJSON(run)
			return
		}
		for i, step := range run.Steps {
			marker := "ok"
			if !step.Success {
				marker = "failed"
			}
			fmt.Printf("step %d: %s\n", i+1, marker)
		}
		printResult(run.Result, false)
	default:
		fatal(fmt.Errorf("usage: ensemble workflows <list|run>"))
	}
}

func runMCP(ctx context.Context, a *app, flags globalFlags, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: ensemble mcp <list|tools|call>"))
	}
	switch args[0] {
	case "list":
		type serverRow struct {
			Name    string `json:"name"`
			Command string `json:"command"`
		}
		var rows []serverRow
		for name, sc := range a.cfg.MCP {
			rows = append(rows, serverRow{Name: name, Command: sc.Command})
		}
		if flags.JSON {
			printJSON(rows)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "NAME", "COMMAND")
		for _, row := range rows {
			writeRow(writer, row.Name, row.Command)
		}
		_ = writer.Flush()
	case "tools":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: ensemble mcp tools <server>"))
		}
		server := args[1]
		if err := a.connectServer(ctx, server); err != nil {
			fatal(err)
		}
		tools, err := a.servers.Tools(server)
		if err != nil {
			fatal(err)
		}
		if flags.JSON {
			printJSON(tools)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "TOOL", "DESCRIPTION")
		for _, tool := range tools {
			writeRow(writer, tool.Name, tool.Description)
		}
		_ = writer.Flush()
	case "call":
		if len(args) < 3 {
			fatal(fmt.Errorf("usage: ensemble mcp call <server> <tool> [key=value ...]"))
		}
		server, tool := args[1], args[2]
		payload, _, err := parsePayload(args[3:])
		if err != nil {
			fatal(err)
		}
		if err := a.connectServer(ctx, server); err != nil {
			fatal(err)
		}
		ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
		res := a.servers.CallTool(ctx, server, tool, payload)
		printResult(res, flags.JSON)
	default:
		fatal(fmt.Errorf("usage: ensemble mcp <list|tools|call>"))
	}
}

// parsePayload turns trailing CLI arguments into an intent payload. key=value
// pairs become named parameters, bare words become positional args and --yes
// pre-confirms the invocation.
func parsePayload(args []string) (core.Payload, bool, error) {
	payload := core.Payload{}
	var positional []string
	yes := false
	for _, arg := range args {
		switch {
		case arg == "--yes" || arg == "-y":
			yes = true
		case strings.HasPrefix(arg, "--"):
			return nil, false, fmt.Errorf("unknown flag %q", arg)
		case strings.Contains(arg, "="):
			parts := strings.SplitN(arg, "=", 2)
			payload[parts[0]] = parts[1]
		default:
			positional = append(positional, arg)
		}
	}
	if len(positional) > 0 {
		payload[core.KeyArgs] = positional
	}
	return payload, yes, nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printResult(res core.Result, asJSON bool) {
	if asJSON {
		printJSON(res)
		if !res.Success {
			os.Exit(1)
		}
		return
	}
	if res.Success {
		if res.Output != "" {
			fmt.Println(res.Output)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
	if res.ErrorCode != 0 {
		fmt.Fprintf(os.Stderr, "code: %d\n", res.ErrorCode)
	}
	os.Exit(1)
}

func errUnknownServer(name string) error {
	return errors.Newf(errors.CodeNotFound, "no tool server named %q in configuration", name)
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}

func printUsage() {
	fmt.Print(`Ensemble CLI

Usage:
  ensemble [global flags] <command> [args]

Global flags:
  --config <path>      Path to config.yaml (or ENSEMBLE_CONFIG)
  --timeout <dur>      Tool call timeout (default 30s)
  --json               JSON output

Commands:
  status
  intents [--category=<key>]
  run <intent> [key=value ...] [args ...] [--yes]
  plugins list
  plugins enable <name>
  plugins disable <name>
  plugins load <name>
  plugins unload <name>
  skills
  workflows list
  workflows run <name> [key=value ...]
  mcp list
  mcp tools <server>
  mcp call <server> <tool> [key=value ...]
  version
`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("unexpected args: %v", args))
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
