package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultServer = "http://localhost:8080"
)

type cliConfig struct {
	server     string
	apiKey     string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.apiKey)
	ctx := context.Background()

	switch command {
	case "run":
		err = runRun(ctx, client, cfg, args)
	case "executions":
		err = runExecutions(ctx, client, cfg, args)
	case "status":
		err = runStatus(ctx, client, cfg, args)
	case "timeline":
		err = runTimeline(ctx, client, cfg, args)
	case "pause", "resume", "cancel", "rollback":
		err = runControl(ctx, client, cfg, command, args)
	case "approve":
		err = runApprove(ctx, client, cfg, args)
	case "playbooks":
		err = runPlaybooks(ctx, client, cfg, args)
	case "rules":
		err = runRules(ctx, client, cfg, args)
	case "keys":
		err = runKeys(ctx, client, cfg, args)
	case "audit":
		err = runAudit(ctx, client, cfg, args)
	case "version":
		fmt.Printf("praetorctl %s (commit: %s, built: %s)\n", version, commit, date)
		if sv, verr := client.ServerVersion(ctx); verr == nil {
			fmt.Printf("server %s (commit: %s, built: %s)\n", sv["version"], sv["commit"], sv["date"])
		}
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:     defaultServer,
		apiKey:     os.Getenv("PRAETOR_API_KEY"),
		jsonOutput: false,
	}
	if v := os.Getenv("PRAETOR_SERVER"); v != "" {
		cfg.server = v
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--api-key":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--api-key requires a value")
			}
			cfg.apiKey = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: praetorctl [--server <url>] [--api-key <key>] [--json] <command>

Commands:
  run <file> | run --name <playbook>
      [--param k=v]... [--dry-run] [--run-id <id>] [--revision <n>]
                            Execute a playbook and wait for its resting state
  executions [--active]     List executions
  status <run-id>           Show one execution
  timeline <run-id>         Show an execution's ordered timeline
  pause <run-id>            Pause a running execution
  resume <run-id>           Resume a paused execution
  cancel <run-id>           Cancel an execution
  rollback <run-id>         Roll back a finished execution
  approve <run-id> <step-id> [--by <name>]
                            Approve a step waiting at its gate
  playbooks list            List library playbooks
  playbooks get <name> [--revision <n>]
  playbooks save <file>     Store a playbook in the library
  playbooks delete <name> [--revision <n>]
  playbooks validate <file>
  playbooks pull <ref> [--plain-http] [--username <u> --password <p>]
  playbooks push <name> <ref> [--revision <n>] [--plain-http]
  rules list [--scope s] [--type t] [--status st] [--tag tag]
  rules get <id>
  rules create <file>       Create a rule from a JSON document
  rules delete <id>
  rules evaluate [--context k=v]...
  rules export [--format json|yaml] [--output <file>]
  rules import <file> [--overwrite]
  keys list
  keys create --name <name> --perms <p1,p2> [--expires-in <dur>]
  keys revoke <id>
  audit [--limit n] [--execution <id>] [--rule <id>] [--type <t>]
  version

Environment:
  PRAETOR_SERVER            Default server URL
  PRAETOR_API_KEY           Bearer key sent with every request
`)
}

func runRun(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	payload := map[string]any{}
	params := map[string]any{}
	file := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			payload["playbook_name"] = args[i+1]
			i++
		case "--revision":
			if i+1 >= len(args) {
				return fmt.Errorf("--revision requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("--revision must be a number")
			}
			payload["revision"] = n
			i++
		case "--param":
			if i+1 >= len(args) {
				return fmt.Errorf("--param requires k=v")
			}
			k, v, ok := strings.Cut(args[i+1], "=")
			if !ok || k == "" {
				return fmt.Errorf("--param requires k=v, got %q", args[i+1])
			}
			params[k] = v
			i++
		case "--dry-run":
			payload["dry_run"] = true
		case "--run-id":
			if i+1 >= len(args) {
				return fmt.Errorf("--run-id requires a value")
			}
			payload["run_id"] = args[i+1]
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if file != "" {
				return fmt.Errorf("only one playbook file may be given")
			}
			file = args[i]
		}
	}

	if file == "" && payload["playbook_name"] == nil {
		return fmt.Errorf("usage: praetorctl run <file> | run --name <playbook>")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		payload["playbook_yaml"] = string(data)
	}
	if len(params) > 0 {
		payload["parameters"] = params
	}

	exec, err := client.Execute(ctx, payload)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, exec)
	}
	printExecution(exec)
	return nil
}

func runExecutions(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	activeOnly := false
	for _, arg := range args {
		switch arg {
		case "--active":
			activeOnly = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	list, err := client.Executions(ctx, activeOnly)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"RUN ID", "PLAYBOOK", "STATE", "STARTED", "FINISHED", "STEPS"}
	rows := make([][]string, 0, len(list.Executions))
	for _, e := range list.Executions {
		finished := "-"
		if e.FinishedAt != nil {
			finished = FormatTimeOrDash(*e.FinishedAt)
		}
		state := e.State
		if e.DryRun {
			state += " (dry)"
		}
		rows = append(rows, []string{
			Truncate(e.ID, 24),
			Truncate(e.PlaybookName, 24),
			ColorStatus(state),
			FormatTimeOrDash(e.StartedAt),
			finished,
			strconv.Itoa(len(e.Steps)),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d executions\n", list.Count)
	return nil
}

func runStatus(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: praetorctl status <run-id>")
	}
	exec, err := client.Execution(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, exec)
	}
	printExecution(exec)
	return nil
}

func runTimeline(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: praetorctl timeline <run-id>")
	}
	tl, err := client.Timeline(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, tl)
	}

	headers := []string{"SEQ", "TIME", "TYPE", "STEP", "MESSAGE"}
	rows := make([][]string, 0, len(tl.Timeline))
	for _, evt := range tl.Timeline {
		step := evt.StepID
		if step == "" {
			step = "-"
		}
		msg := evt.Message
		if msg == "" && evt.Status != "" {
			msg = evt.Status
		}
		rows = append(rows, []string{
			strconv.Itoa(evt.Sequence),
			evt.Timestamp.Format("15:04:05.000"),
			evt.Type,
			Truncate(step, 20),
			Truncate(msg, 48),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runControl(ctx context.Context, client *APIClient, cfg cliConfig, verb string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: praetorctl %s <run-id>", verb)
	}
	exec, err := client.Control(ctx, args[0], verb)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, exec)
	}
	fmt.Printf("Run: %s\n", exec.ID)
	fmt.Printf("State: %s\n", ColorStatus(exec.State))
	return nil
}

func runApprove(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	approver := ""
	positional := make([]string, 0, 2)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--by":
			if i+1 >= len(args) {
				return fmt.Errorf("--by requires a value")
			}
			approver = args[i+1]
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 2 {
		return fmt.Errorf("usage: praetorctl approve <run-id> <step-id> [--by <name>]")
	}

	exec, err := client.Approve(ctx, positional[0], positional[1], approver)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, exec)
	}
	fmt.Printf("Run: %s\n", exec.ID)
	fmt.Printf("State: %s\n", ColorStatus(exec.State))
	for _, step := range exec.Steps {
		if step.StepID == positional[1] {
			fmt.Printf("Step %s: %s\n", step.StepID, ColorStatus(step.State))
			if len(step.Approvers) > 0 {
				fmt.Printf("Approvers: %s\n", strings.Join(step.Approvers, ", "))
			}
		}
	}
	return nil
}

func runPlaybooks(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: praetorctl playbooks list|get|save|delete|validate|pull|push")
	}

	switch args[0] {
	case "list":
		list, err := client.Playbooks(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, list)
		}
		headers := []string{"NAME", "REV", "STEPS", "DESCRIPTION", "CREATED"}
		rows := make([][]string, 0, len(list.Playbooks))
		for _, p := range list.Playbooks {
			rows = append(rows, []string{
				Truncate(p.Name, 28),
				strconv.Itoa(p.Revision),
				strconv.Itoa(p.StepCount),
				Truncate(p.Description, 40),
				FormatTimeOrDash(p.CreatedAt),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d playbooks\n", list.Count)
		return nil

	case "get":
		name, revision, err := nameAndRevision(args[1:], "playbooks get <name>")
		if err != nil {
			return err
		}
		detail, err := client.Playbook(ctx, name, revision)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, detail)
		}
		fmt.Printf("Name: %s\n", detail.Entry.Name)
		fmt.Printf("Revision: %d\n", detail.Entry.Revision)
		fmt.Printf("Steps: %d\n", detail.Entry.StepCount)
		if detail.Entry.Description != "" {
			fmt.Printf("Description: %s\n", detail.Entry.Description)
		}
		fmt.Printf("Created: %s\n", FormatTimeOrDash(detail.Entry.CreatedAt))
		fmt.Println()
		return PrintJSON(os.Stdout, detail.Playbook)

	case "save":
		if len(args) != 2 {
			return fmt.Errorf("usage: praetorctl playbooks save <file>")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		entry, err := client.SavePlaybook(ctx, data)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, entry)
		}
		fmt.Printf("Saved: %s (revision %d, %d steps)\n", entry.Name, entry.Revision, entry.StepCount)
		return nil

	case "delete":
		name, revision, err := nameAndRevision(args[1:], "playbooks delete <name>")
		if err != nil {
			return err
		}
		if err := client.DeletePlaybook(ctx, name, revision); err != nil {
			return err
		}
		fmt.Printf("Deleted: %s\n", name)
		return nil

	case "validate":
		if len(args) != 2 {
			return fmt.Errorf("usage: praetorctl playbooks validate <file>")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		res, err := client.ValidatePlaybook(ctx, data)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, res)
		}
		if res.Valid {
			fmt.Printf("Valid: %s (%d steps)\n", res.Name, res.Steps)
			return nil
		}
		fmt.Println("Invalid:")
		for _, issue := range res.Issues {
			fmt.Printf("- %s\n", issue)
		}
		return fmt.Errorf("playbook failed validation")

	case "pull":
		payload, positional, _, err := bundleArgs(args[1:])
		if err != nil {
			return err
		}
		if len(positional) != 1 {
			return fmt.Errorf("usage: praetorctl playbooks pull <ref>")
		}
		payload.Ref = positional[0]
		out, err := client.PullBundle(ctx, payload)
		if err != nil {
			return err
		}
		return PrintJSON(os.Stdout, out)

	case "push":
		payload, positional, revision, err := bundleArgs(args[1:])
		if err != nil {
			return err
		}
		if len(positional) != 2 {
			return fmt.Errorf("usage: praetorctl playbooks push <name> <ref>")
		}
		payload.Ref = positional[1]
		out, err := client.PushBundle(ctx, positional[0], revision, payload)
		if err != nil {
			return err
		}
		return PrintJSON(os.Stdout, out)

	default:
		return fmt.Errorf("unknown playbooks command: %s", args[0])
	}
}

func runRules(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: praetorctl rules list|get|create|delete|evaluate|export|import")
	}

	switch args[0] {
	case "list":
		filter := url.Values{}
		for i := 1; i < len(args); i++ {
			var key string
			switch args[i] {
			case "--scope":
				key = "scope"
			case "--type":
				key = "type"
			case "--status":
				key = "status"
			case "--tag":
				key = "tag"
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", args[i])
			}
			filter.Set(key, args[i+1])
			i++
		}
		list, err := client.Rules(ctx, filter)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, list)
		}
		headers := []string{"ID", "NAME", "TYPE", "SCOPE", "PRIORITY", "STATUS", "VER"}
		rows := make([][]string, 0, len(list.Rules))
		for _, r := range list.Rules {
			rows = append(rows, []string{
				Truncate(r.ID, 12),
				Truncate(r.Name, 28),
				r.RuleType,
				r.Scope,
				strconv.Itoa(r.Priority),
				ColorStatus(r.Status),
				strconv.Itoa(r.Version),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d rules\n", list.Count)
		return nil

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: praetorctl rules get <id>")
		}
		rule, err := client.Rule(ctx, args[1])
		if err != nil {
			return err
		}
		return PrintJSON(os.Stdout, rule)

	case "create":
		if len(args) != 2 {
			return fmt.Errorf("usage: praetorctl rules create <file>")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		rule, err := client.CreateRule(ctx, data)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, rule)
		}
		fmt.Printf("Created: %v (version %v)\n", rule["id"], rule["version"])
		return nil

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: praetorctl rules delete <id>")
		}
		if err := client.DeleteRule(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted: %s\n", args[1])
		return nil

	case "evaluate":
		evalCtx := map[string]any{}
		for i := 1; i < len(args); i++ {
			if args[i] != "--context" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if i+1 >= len(args) {
				return fmt.Errorf("--context requires k=v")
			}
			k, v, ok := strings.Cut(args[i+1], "=")
			if !ok || k == "" {
				return fmt.Errorf("--context requires k=v, got %q", args[i+1])
			}
			evalCtx[k] = v
			i++
		}
		out, err := client.EvaluateRules(ctx, evalCtx)
		if err != nil {
			return err
		}
		return PrintJSON(os.Stdout, out)

	case "export":
		format := ""
		output := ""
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--format":
				if i+1 >= len(args) {
					return fmt.Errorf("--format requires a value")
				}
				format = args[i+1]
				i++
			case "--output", "-o":
				if i+1 >= len(args) {
					return fmt.Errorf("--output requires a value")
				}
				output = args[i+1]
				i++
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
		data, err := client.ExportRules(ctx, format)
		if err != nil {
			return err
		}
		if output == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0640); err != nil {
			return err
		}
		fmt.Printf("Exported %d bytes to %s\n", len(data), output)
		return nil

	case "import":
		overwrite := false
		file := ""
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--overwrite":
				overwrite = true
			default:
				if strings.HasPrefix(args[i], "-") {
					return fmt.Errorf("unknown flag: %s", args[i])
				}
				if file != "" {
					return fmt.Errorf("only one envelope file may be given")
				}
				file = args[i]
			}
		}
		if file == "" {
			return fmt.Errorf("usage: praetorctl rules import <file> [--overwrite]")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		summary, err := client.ImportRules(ctx, data, overwrite)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, summary)
		}
		fmt.Printf("Imported: %d\n", summary.Imported)
		fmt.Printf("Overwritten: %d\n", summary.Overwritten)
		fmt.Printf("Skipped: %d\n", summary.Skipped)
		fmt.Printf("Failed: %d\n", summary.Failed)
		return nil

	default:
		return fmt.Errorf("unknown rules command: %s", args[0])
	}
}

func runKeys(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: praetorctl keys list|create|revoke")
	}

	switch args[0] {
	case "list":
		if len(args) != 1 {
			return fmt.Errorf("usage: praetorctl keys list")
		}
		resp, err := client.ListKeys(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}

		headers := []string{"ID", "NAME", "PREFIX", "PERMISSIONS", "ENABLED", "EXPIRES"}
		rows := make([][]string, 0, len(resp.Keys))
		for _, k := range resp.Keys {
			expires := "-"
			if k.ExpiresAt != nil {
				expires = k.ExpiresAt.Format("2006-01-02 15:04:05")
			}
			rows = append(rows, []string{
				Truncate(k.ID, 12),
				k.Name,
				k.KeyPrefix,
				strings.Join(k.Permissions, ","),
				strconv.FormatBool(k.Enabled),
				expires,
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d keys\n", resp.Count)
		return nil

	case "create":
		name := ""
		permsArg := ""
		var expiresAt *time.Time
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--name":
				if i+1 >= len(args) {
					return fmt.Errorf("--name requires a value")
				}
				name = args[i+1]
				i++
			case "--perms":
				if i+1 >= len(args) {
					return fmt.Errorf("--perms requires a value")
				}
				permsArg = args[i+1]
				i++
			case "--expires-in":
				if i+1 >= len(args) {
					return fmt.Errorf("--expires-in requires a duration, e.g. 720h")
				}
				d, err := time.ParseDuration(args[i+1])
				if err != nil || d <= 0 {
					return fmt.Errorf("--expires-in must be a positive duration, e.g. 720h")
				}
				t := time.Now().UTC().Add(d)
				expiresAt = &t
				i++
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
		if name == "" {
			return fmt.Errorf("--name is required")
		}
		if permsArg == "" {
			return fmt.Errorf("--perms is required")
		}

		perms := parsePerms(permsArg)
		if len(perms) == 0 {
			return fmt.Errorf("--perms must contain at least one permission")
		}

		resp, err := client.CreateKey(ctx, KeyCreatePayload{Name: name, Permissions: perms, ExpiresAt: expiresAt})
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}

		fmt.Printf("Plain Key: %s\n", resp.PlainKey)
		fmt.Printf("ID: %s\n", resp.Key.ID)
		fmt.Printf("Name: %s\n", resp.Key.Name)
		fmt.Printf("Prefix: %s\n", resp.Key.KeyPrefix)
		fmt.Printf("Permissions: %s\n", strings.Join(resp.Key.Permissions, ","))
		if resp.Key.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", resp.Key.ExpiresAt.Format("2006-01-02 15:04:05"))
		}
		if resp.Warning != "" {
			fmt.Printf("Warning: %s\n", resp.Warning)
		}
		return nil

	case "revoke":
		if len(args) != 2 {
			return fmt.Errorf("usage: praetorctl keys revoke <id>")
		}
		if err := client.RevokeKey(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Revoked: %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown keys command: %s", args[0])
	}
}

func runAudit(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	filter := url.Values{}
	for i := 0; i < len(args); i++ {
		var key string
		switch args[i] {
		case "--limit":
			key = "limit"
		case "--execution":
			key = "execution_id"
		case "--rule":
			key = "rule_id"
		case "--type":
			key = "type"
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
		if i+1 >= len(args) {
			return fmt.Errorf("%s requires a value", args[i])
		}
		filter.Set(key, args[i+1])
		i++
	}

	list, err := client.Audit(ctx, filter)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"TIME", "TYPE", "ACTOR", "SUMMARY"}
	rows := make([][]string, 0, len(list.Events))
	for _, evt := range list.Events {
		actor := evt.Actor
		if actor == "" {
			actor = "-"
		}
		rows = append(rows, []string{
			FormatTimeOrDash(evt.Timestamp),
			evt.Type,
			Truncate(actor, 16),
			Truncate(evt.Summary, 56),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nShowing %d of %d events\n", list.Count, list.Total)
	return nil
}

func printExecution(exec *Execution) {
	fmt.Printf("Run: %s\n", exec.ID)
	fmt.Printf("Playbook: %s\n", exec.PlaybookName)
	fmt.Printf("State: %s\n", ColorStatus(exec.State))
	if exec.DryRun {
		fmt.Println("Dry Run: true")
	}
	fmt.Printf("Started: %s\n", FormatTimeOrDash(exec.StartedAt))
	if exec.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", FormatTimeOrDash(*exec.FinishedAt))
	}
	fmt.Println()

	headers := []string{"STEP", "ACTION", "STATE", "RETRIES", "ERROR"}
	rows := make([][]string, 0, len(exec.Steps))
	for _, step := range exec.Steps {
		rows = append(rows, []string{
			Truncate(step.StepID, 20),
			step.Action,
			ColorStatus(step.State),
			strconv.Itoa(step.RetryCount),
			Truncate(step.Error, 40),
		})
	}
	RenderTable(os.Stdout, headers, rows)

	if exec.Risk != nil {
		fmt.Printf("\nRisk: %s", exec.Risk.Highest)
		if len(exec.Risk.Counts) > 0 {
			fmt.Printf(" (low=%d medium=%d high=%d)",
				exec.Risk.Counts["low"], exec.Risk.Counts["medium"], exec.Risk.Counts["high"])
		}
		fmt.Println()
	}
	if len(exec.ErrorLog) > 0 {
		fmt.Println("\nErrors:")
		for _, e := range exec.ErrorLog {
			fmt.Printf("- %s\n", e)
		}
	}
}

// nameAndRevision parses "<name> [--revision n]" argument lists.
func nameAndRevision(args []string, usage string) (string, int, error) {
	name := ""
	revision := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--revision":
			if i+1 >= len(args) {
				return "", 0, fmt.Errorf("--revision requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return "", 0, fmt.Errorf("--revision must be a number")
			}
			revision = n
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return "", 0, fmt.Errorf("unknown flag: %s", args[i])
			}
			if name != "" {
				return "", 0, fmt.Errorf("usage: praetorctl %s", usage)
			}
			name = args[i]
		}
	}
	if name == "" {
		return "", 0, fmt.Errorf("usage: praetorctl %s", usage)
	}
	return name, revision, nil
}

// bundleArgs parses the registry flags shared by pull and push.
func bundleArgs(args []string) (BundlePayload, []string, int, error) {
	payload := BundlePayload{}
	positional := make([]string, 0, 2)
	revision := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plain-http":
			payload.PlainHTTP = true
		case "--username":
			if i+1 >= len(args) {
				return payload, nil, 0, fmt.Errorf("--username requires a value")
			}
			payload.Username = args[i+1]
			i++
		case "--password":
			if i+1 >= len(args) {
				return payload, nil, 0, fmt.Errorf("--password requires a value")
			}
			payload.Password = args[i+1]
			i++
		case "--revision":
			if i+1 >= len(args) {
				return payload, nil, 0, fmt.Errorf("--revision requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return payload, nil, 0, fmt.Errorf("--revision must be a number")
			}
			revision = n
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return payload, nil, 0, fmt.Errorf("unknown flag: %s", args[i])
			}
			positional = append(positional, args[i])
		}
	}
	return payload, positional, revision, nil
}

func parsePerms(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := map[string]struct{}{}
	perms := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}

	return perms
}
