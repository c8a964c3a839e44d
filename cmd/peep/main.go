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
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/localvercel/pkg/api/client"
	"github.com/splax/localvercel/pkg/controlplane"
)

const (
	defaultAPIBase      = "http://localhost:4000"
	defaultExecutorBase = "http://localhost:7000"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	ExecutorURL string `json:"executor_url"`
	Token       string `json:"token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "project":
		err = commandProject(args)
	case "domain":
		err = commandDomain(args)
	case "webhook":
		err = commandWebhook(args)
	case "function":
		err = commandFunction(args)
	case "deploy":
		err = commandDeploy(args)
	case "invoke":
		err = commandInvoke(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	executor := fs.String("executor", "", "Executor base URL (default "+defaultExecutorBase+")")
	token := fs.String("token", "", "Operator API token (supply to avoid prompt)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	if strings.TrimSpace(*executor) != "" {
		cfg.ExecutorURL = strings.TrimSpace(*executor)
	}

	secret := strings.TrimSpace(*token)
	if secret == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--token is required when stdin is not a terminal")
		}
		fmt.Print("API token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(raw))
	}
	if secret == "" {
		return errors.New("token must not be empty")
	}

	client, err := apiclient.New(cfg.APIBaseURL, secret)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Any authorized answer proves the token; a missing project is fine.
	if _, err := client.GetProject(ctx, "peep-login-probe"); err != nil && !apiclient.IsNotFound(err) {
		return fmt.Errorf("verify token: %w", err)
	}

	cfg.Token = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep project [put|get]")
	}
	switch args[0] {
	case "put":
		return projectPut(args[1:])
	case "get":
		return projectGet(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectPut(args []string) error {
	fs := flag.NewFlagSet("project put", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	name := fs.String("name", "", "Display name (defaults to the identifier)")
	repo := fs.String("repo", "", "Repository URL")
	branch := fs.String("branch", "", "Default branch")
	framework := fs.String("framework", "", "Framework override")
	install := fs.String("install", "", "Install command override")
	build := fs.String("build", "", "Build command override")
	output := fs.String("output", "", "Output directory override")
	root := fs.String("root", "", "Root directory inside the repository")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}

	client, _, err := apiClient()
	if err != nil {
		return err
	}
	input := apiclient.Project{
		Name:            *name,
		RepoURL:         *repo,
		DefaultBranch:   *branch,
		Framework:       *framework,
		OutputDirectory: *output,
		RootDirectory:   *root,
	}
	// Only flags passed explicitly override; an empty --build means "skip".
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "install":
			input.InstallCommand = install
		case "build":
			input.BuildCommand = build
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	project, err := client.PutProject(ctx, *projectID, input)
	if err != nil {
		return err
	}
	fmt.Printf("project saved: %s (%s)\n", project.ID, project.RepoURL)
	return nil
}

func projectGet(args []string) error {
	fs := flag.NewFlagSet("project get", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, _, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	project, err := client.GetProject(ctx, *projectID)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, project)
}

func commandDomain(args []string) error {
	if len(args) == 0 || args[0] != "put" {
		return errors.New("usage: peep domain put --project <id> --host <hostname> [--verified]")
	}
	fs := flag.NewFlagSet("domain put", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	host := fs.String("host", "", "Custom hostname")
	verified := fs.Bool("verified", true, "Mark the hostname as verified")
	fs.Parse(args[1:])

	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*host) == "" {
		return errors.New("--project and --host are required")
	}
	client, _, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	domain, err := client.PutDomain(ctx, *projectID, *host, *verified)
	if err != nil {
		return err
	}
	fmt.Printf("domain %s -> %s verified=%t\n", domain.Hostname, domain.ProjectID, domain.Verified)
	return nil
}

func commandWebhook(args []string) error {
	if len(args) == 0 || args[0] != "secret" {
		return errors.New("usage: peep webhook secret --project <id> [--secret value]")
	}
	fs := flag.NewFlagSet("webhook secret", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	secret := fs.String("secret", "", "Shared secret (prompted when omitted)")
	fs.Parse(args[1:])

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	value := strings.TrimSpace(*secret)
	if value == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Webhook secret: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		value = strings.TrimSpace(string(raw))
	}
	if value == "" {
		return errors.New("secret must not be empty")
	}

	client, _, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.SetWebhookSecret(ctx, *projectID, value); err != nil {
		return err
	}
	fmt.Println("webhook secret stored")
	return nil
}

func commandFunction(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep function [register|show|enable|disable]")
	}
	switch args[0] {
	case "register":
		return functionRegister(args[1:])
	case "show":
		return functionShow(args[1:])
	case "enable":
		return functionToggle(args[1:], true)
	case "disable":
		return functionToggle(args[1:], false)
	default:
		return fmt.Errorf("unknown function command: %s", args[0])
	}
}

func functionRegister(args []string) error {
	fs := flag.NewFlagSet("function register", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	name := fs.String("name", "", "Function name (defaults to the file name)")
	file := fs.String("file", "", "Path to the handler source")
	language := fs.String("language", "", "javascript or typescript (inferred from the extension)")
	timeout := fs.Int("timeout-ms", 0, "Per-invocation timeout override in milliseconds")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*file) == "" {
		return errors.New("--project and --file are required")
	}
	code, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	ext := filepath.Ext(*file)
	fnName := strings.TrimSpace(*name)
	if fnName == "" {
		fnName = strings.TrimSuffix(filepath.Base(*file), ext)
	}
	lang := strings.TrimSpace(*language)
	if lang == "" {
		lang = "javascript"
		if ext == ".ts" {
			lang = "typescript"
		}
	}

	client, _, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fn, err := client.RegisterFunction(ctx, *projectID, fnName, apiclient.FunctionSource{
		Language:  lang,
		Code:      string(code),
		TimeoutMs: *timeout,
	})
	if err != nil {
		return err
	}
	fmt.Printf("function registered: %s/%s (%s) active=%t\n", fn.ProjectID, fn.Name, fn.Language, fn.IsActive)
	return nil
}

func functionShow(args []string) error {
	fs := flag.NewFlagSet("function show", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	name := fs.String("name", "", "Function name")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*name) == "" {
		return errors.New("--project and --name are required")
	}

	client, err := executorClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	fn, err := client.DescribeFunction(ctx, *projectID, *name)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, fn)
}

func functionToggle(args []string, active bool) error {
	fs := flag.NewFlagSet("function toggle", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	name := fs.String("name", "", "Function name")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*name) == "" {
		return errors.New("--project and --name are required")
	}

	client, err := executorClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	fn, err := client.SetFunctionActive(ctx, *projectID, *name, active)
	if err != nil {
		return err
	}
	fmt.Printf("%s/%s active=%t\n", fn.ProjectID, fn.Name, fn.IsActive)
	return nil
}

func commandInvoke(args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	name := fs.String("name", "", "Function name")
	event := fs.String("event", "", "Event JSON, @file, or - for stdin")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*name) == "" {
		return errors.New("--project and --name are required")
	}

	payload, err := readEvent(*event)
	if err != nil {
		return err
	}
	client, err := executorClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	res, err := client.Invoke(ctx, *projectID, *name, payload)
	if err != nil {
		return err
	}
	for _, entry := range res.Logs {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", entry.Level, entry.Message)
	}
	if !res.Success {
		return fmt.Errorf("invocation failed after %dms: %s", res.DurationMs, res.Error)
	}
	if len(res.Result) == 0 {
		fmt.Println("null")
		return nil
	}
	return printJSON(os.Stdout, res.Result)
}

// readEvent accepts inline JSON, @path or "-" for stdin. Empty means no event.
func readEvent(arg string) (json.RawMessage, error) {
	var data []byte
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read event from stdin: %w", err)
		}
		data = raw
	case strings.HasPrefix(arg, "@"):
		raw, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read event file: %w", err)
		}
		data = raw
	default:
		data = []byte(arg)
	}
	if !json.Valid(data) {
		return nil, errors.New("event is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func commandDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep deploy [trigger|list|get|watch]")
	}
	switch args[0] {
	case "trigger":
		return deployTrigger(args[1:])
	case "list":
		return deployList(args[1:])
	case "get":
		return deployGet(args[1:])
	case "watch":
		return deployWatch(args[1:])
	default:
		return fmt.Errorf("unknown deploy command: %s", args[0])
	}
}

func deployTrigger(args []string) error {
	fs := flag.NewFlagSet("deploy trigger", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	commit := fs.String("commit", "", "Commit SHA (defaults to the branch head)")
	branch := fs.String("branch", "", "Branch (defaults to the project branch)")
	watch := fs.Bool("watch", false, "Follow the deployment until it finishes")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, _, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	dep, err := client.TriggerDeployment(ctx, *projectID, *commit, *branch)
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("deployment triggered: %s status=%s\n", dep.ID, dep.Status)
	if !*watch {
		return nil
	}
	return watchDeployment(client, *projectID, dep.ID)
}

func deployList(args []string) error {
	fs := flag.NewFlagSet("deploy list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 5, "Maximum number of deployments")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, _, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, *projectID, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(tw, "ID\tSTATUS\tSTAGE\tCOMMIT\tUPDATED")
	}
	for _, dep := range deployments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", dep.ID, dep.Status, dep.Stage, shortSHA(dep.CommitSHA), dep.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func deployGet(args []string) error {
	fs := flag.NewFlagSet("deploy get", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, _, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dep, err := client.GetDeployment(ctx, *deploymentID)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, dep)
}

func deployWatch(args []string) error {
	fs := flag.NewFlagSet("deploy watch", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	deploymentID := fs.String("deployment", "", "Stop once this deployment finishes")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, _, err := apiClient()
	if err != nil {
		return err
	}
	return watchDeployment(client, *projectID, *deploymentID)
}

// watchDeployment prints stream events. With an empty deploymentID it runs
// until interrupted.
func watchDeployment(client *apiclient.Client, projectID, deploymentID string) error {
	ctx, stop := signalContext()
	defer stop()

	var final controlplane.Deployment
	err := client.WatchDeployments(ctx, projectID, func(ev apiclient.DeploymentEvent) bool {
		dep := ev.Deployment
		if deploymentID != "" && dep.ID != deploymentID {
			return true
		}
		line := fmt.Sprintf("%s %s status=%s", ev.Timestamp.Format(time.TimeOnly), dep.ID, dep.Status)
		if dep.Stage != "" {
			line += " stage=" + dep.Stage
		}
		if dep.Message != "" {
			line += " " + dep.Message
		}
		fmt.Println(line)
		if deploymentID != "" && controlplane.Terminal(dep.Status) {
			final = dep
			return false
		}
		return true
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	if final.Status == controlplane.StatusFailed {
		return fmt.Errorf("deployment %s failed: %s", final.ID, final.Error)
	}
	return nil
}

func apiClient() (*apiclient.Client, cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, cfg, errors.New("please login first using 'peep login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL, cfg.Token)
	return client, cfg, err
}

func executorClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.ExecutorURL, "")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (cliConfig, error) {
	cfg := cliConfig{APIBaseURL: defaultAPIBase, ExecutorURL: defaultExecutorBase}
	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	if cfg.ExecutorURL == "" {
		cfg.ExecutorURL = defaultExecutorBase
	}
	if env := strings.TrimSpace(os.Getenv("PEEP_TOKEN")); env != "" {
		cfg.Token = env
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PEEP_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "peep", "config.json"), nil
}

func printUsage() {
	fmt.Printf("peep CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	peep login [--token T] [--api ` + defaultAPIBase + `] [--executor ` + defaultExecutorBase + `]
	peep project put --project <id> --repo <url> [--branch b] [--framework f] [--install cmd] [--build cmd] [--output dir] [--root dir]
	peep project get --project <id>
	peep domain put --project <id> --host <hostname> [--verified=false]
	peep webhook secret --project <id> [--secret value]
	peep function register --project <id> --file handler.js [--name n] [--language javascript|typescript] [--timeout-ms N]
	peep function show|enable|disable --project <id> --name <name>
	peep deploy trigger --project <id> [--commit sha] [--branch b] [--watch]
	peep deploy list --project <id> [--limit N]
	peep deploy get --deployment <id>
	peep deploy watch --project <id> [--deployment <id>]
	peep invoke --project <id> --name <name> [--event '{"k":1}' | --event @event.json | --event -]
	peep version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
