package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/runtime"
	"github.com/rendis/playbook/internal/scheduler"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/internal/topology"
	"github.com/rendis/playbook/pkg/schema"
)

const usage = `usage: playbook <command> [flags]

commands:
  install     write settings.json
  validate    check playbook files
  playbooks   list registered playbooks
  run         run a playbook by file or code
  runs        list runs
  show        show one run and its steps
  artifacts   list artifacts
  audit       query the audit log
  metering    query metering events
  sweep       expire artifacts past retention
  diagram     render a playbook topology
  version     print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "install":
		return runInstall(args)
	case "version", "-v", "--version":
		printVersion()
		return nil
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	}

	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return handler(ctx, a, args)
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"validate":  cmdValidate,
	"playbooks": cmdPlaybooks,
	"run":       cmdRun,
	"runs":      cmdRuns,
	"show":      cmdShow,
	"artifacts": cmdArtifacts,
	"audit":     cmdAudit,
	"metering":  cmdMetering,
	"sweep":     cmdSweep,
	"diagram":   cmdDiagram,
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdValidate(_ context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("validate needs at least one playbook file")
	}
	failed := 0
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		def, err := a.loader.Parse(data)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", path, err)
			continue
		}
		res, err := topology.NewValidator(def.Agents).Validate(def.Topology)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", path, err)
			continue
		}
		fmt.Printf("OK    %s (%s)\n", path, def.Code)
		for _, w := range res.Warnings {
			fmt.Printf("      warning %s: %s\n", w.Path, w.Message)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d playbooks invalid", failed, fs.NArg())
	}
	return nil
}

func cmdPlaybooks(_ context.Context, a *app, _ []string) error {
	for _, code := range a.runner.Codes() {
		def, err := a.runner.Definition(code)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-10s %s\n", code, def.Topology.DefaultPattern, def.Path)
	}
	return nil
}

// inputFlags collects repeated -input key=value pairs.
type inputFlags map[string]any

func (f inputFlags) String() string { return fmt.Sprint(map[string]any(f)) }

// Set decodes the value as a YAML scalar, so numbers and booleans keep
// their type.
func (f inputFlags) Set(kv string) error {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return fmt.Errorf("input %q is not key=value", kv)
	}
	var val any
	if err := yaml.Unmarshal([]byte(v), &val); err != nil || val == nil {
		val = v
	}
	f[k] = val
	return nil
}

func cmdRun(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	inputsFile := fs.String("inputs", "", "JSON or YAML file of run inputs")
	tenant := fs.String("tenant", "", "tenant ID")
	workspace := fs.String("workspace", "", "workspace ID")
	actor := fs.String("actor", os.Getenv("USER"), "actor ID")
	profile := fs.String("profile", "", "profile ID")
	autoApprove := fs.Bool("auto-approve", false, "approve steps that wait for approval")
	approvedBy := fs.String("approved-by", "", "approver recorded on approved steps (default: actor)")
	follow := fs.Bool("follow", false, "print events to stderr while the run proceeds")
	saveOutput := fs.String("save-output", "", "store run outputs as an artifact with this retention, e.g. 30d")
	inputs := inputFlags{}
	fs.Var(inputs, "input", "run input key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("run needs exactly one playbook file or code")
	}

	def, err := a.definition(fs.Arg(0))
	if err != nil {
		return err
	}
	runInputs, err := readInputs(*inputsFile)
	if err != nil {
		return err
	}
	for k, v := range inputs {
		runInputs[k] = v
	}

	ec := schema.NewExecutionContext(
		schema.WithTenant(*tenant),
		schema.WithWorkspace(*workspace),
		schema.WithActor(*actor),
		schema.WithProfile(*profile),
	)

	if *follow {
		events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{})
		if err != nil {
			return err
		}
		defer unsubscribe()
		go printEvents(os.Stderr, events)
	}

	out, err := a.runner.Run(ctx, def, ec, runInputs)
	if err != nil {
		return err
	}
	by := *approvedBy
	if by == "" {
		by = *actor
	}
	for len(out.Paused) > 0 && *autoApprove {
		out, err = a.runner.Resume(ctx, out.Run.ID, runtime.ResumeOptions{Approve: true, ApprovedBy: by})
		if err != nil {
			return err
		}
	}
	if len(out.Paused) > 0 {
		// Paused executions live in this process only.
		fmt.Fprintf(os.Stderr, "run %s is waiting for approval; cancelling (use -auto-approve)\n", out.Run.ID)
		if err := a.runner.Cancel(ctx, out.Run.ID); err != nil {
			return err
		}
		run, err := a.registry.GetRun(ctx, out.Run.ID)
		if err != nil {
			return err
		}
		out.Run, out.Paused = run, nil
		out.Error = schema.NewError(schema.ErrCodeCancelled, "run needed approval")
	}

	if *saveOutput != "" && out.Run.Status == schema.RunStatusCompleted {
		if err := saveOutputs(ctx, a, out.Run.ID, *saveOutput); err != nil {
			return err
		}
	}
	if err := printJSON(os.Stdout, out); err != nil {
		return err
	}
	if out.Error != nil {
		return out.Error
	}
	return nil
}

func readInputs(path string) (map[string]any, error) {
	inputs := map[string]any{}
	if path == "" {
		return inputs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// YAML is a superset of JSON.
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return inputs, nil
}

func printEvents(w io.Writer, events <-chan streaming.Event) {
	for ev := range events {
		line := ev.Type
		if ev.RunID != "" {
			line += " run=" + ev.RunID
		}
		if ev.StepID != "" {
			line += " step=" + ev.StepID
		}
		fmt.Fprintln(w, line)
	}
}

func saveOutputs(ctx context.Context, a *app, runID, retention string) error {
	outputs, err := a.registry.GetRunOutputs(ctx, runID)
	if err != nil {
		return err
	}
	content, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	art, err := a.registry.CreateArtifact(ctx, controlplane.CreateArtifactRequest{
		RunID:           runID,
		Kind:            "run_output",
		Content:         content,
		RetentionPolicy: retention,
		Metadata:        map[string]any{"content_type": "application/json"},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "outputs saved as artifact %s (expires %s)\n", art.ID, art.ExpiresAt.Format("2006-01-02"))
	return nil
}

func cmdRuns(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	code := fs.String("playbook", "", "filter by playbook code")
	tenant := fs.String("tenant", "", "filter by tenant")
	workspace := fs.String("workspace", "", "filter by workspace")
	limit := fs.Int("limit", 0, "maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	runs := a.registry.ListRuns(ctx, controlplane.RunFilter{
		Status:       schema.RunStatus(strings.ToUpper(*status)),
		PlaybookCode: *code,
		TenantID:     *tenant,
		WorkspaceID:  *workspace,
		Limit:        *limit,
	})
	return printJSON(os.Stdout, runs)
}

func cmdShow(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("show needs a run ID")
	}
	run, err := a.registry.GetRun(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	steps, err := a.registry.ListStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	view := struct {
		Run     *controlplane.Run       `json:"run"`
		Outputs map[string]any          `json:"outputs,omitempty"`
		Steps   []*controlplane.StepRun `json:"steps"`
	}{Run: run, Steps: steps}
	if run.OutputRef != "" {
		if view.Outputs, err = a.registry.GetRunOutputs(ctx, run.ID); err != nil {
			return err
		}
	}
	return printJSON(os.Stdout, view)
}

func cmdArtifacts(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("artifacts", flag.ContinueOnError)
	runID := fs.String("run", "", "filter by run ID")
	kind := fs.String("kind", "", "filter by kind")
	limit := fs.Int("limit", 0, "maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return printJSON(os.Stdout, a.registry.ListArtifacts(ctx, controlplane.ArtifactFilter{
		RunID: *runID,
		Kind:  *kind,
		Limit: *limit,
	}))
}

func cmdAudit(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	actor := fs.String("actor", "", "filter by actor")
	action := fs.String("action", "", "filter by action")
	status := fs.String("status", "", "filter by status: success or failure")
	runID := fs.String("run", "", "filter by run ID")
	limit := fs.Int("limit", 0, "maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := a.registry.QueryAudit(ctx, controlplane.AuditFilter{
		ActorID: *actor,
		Action:  *action,
		Status:  *status,
		RunID:   *runID,
		Limit:   *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, entries)
}

func cmdMetering(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("metering", flag.ContinueOnError)
	runID := fs.String("run", "", "filter by run ID")
	tenant := fs.String("tenant", "", "filter by tenant")
	workspace := fs.String("workspace", "", "filter by workspace")
	provider := fs.String("provider", "", "filter by provider")
	limit := fs.Int("limit", 0, "maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := a.registry.QueryMetering(ctx, controlplane.MeteringFilter{
		RunID:       *runID,
		TenantID:    *tenant,
		WorkspaceID: *workspace,
		Provider:    *provider,
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, events)
}

func cmdSweep(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "keep sweeping on the retention schedule until interrupted")
	spec := fs.String("schedule", a.cfg.RetentionCron, "cron schedule used with -watch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sw, err := scheduler.NewSweeper(a.registry, *spec, a.logger)
	if err != nil {
		return err
	}
	if !*watch {
		report, err := sw.Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, report)
	}

	if err := sw.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("watching", "next_sweep", sw.NextRun(time.Now()))
	<-ctx.Done()
	if err := sw.Stop(); err != nil {
		return err
	}
	return printJSON(os.Stdout, sw.LastReport())
}
