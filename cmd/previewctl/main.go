package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	apiclient "github.com/splax/localvercel/preview/pkg/api/client"
	"golang.org/x/term"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
}

const defaultAPIBase = "http://localhost:8080"

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
	case "config":
		err = commandConfig(args)
	case "upload":
		err = commandUpload(args)
	case "status":
		err = commandStatus(args)
	case "list":
		err = commandList(args)
	case "delete":
		err = commandDelete(args)
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

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL to store")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) == "" {
		fmt.Println(cfg.APIBaseURL)
		return nil
	}
	client, err := apiclient.New(*apiBase)
	if err != nil {
		return err
	}
	cfg.APIBaseURL = client.BaseURL()
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("api base url set to %s\n", cfg.APIBaseURL)
	return nil
}

func commandUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	source := fs.String("path", "", "Zip archive or project directory to upload")
	wait := fs.Bool("wait", false, "Wait until the run is ready or failed")
	timeout := fs.Duration("timeout", 5*time.Minute, "Maximum time to wait with --wait")
	apiBase := fs.String("api", "", "API base URL override")
	fs.Parse(args)

	if strings.TrimSpace(*source) == "" && fs.NArg() > 0 {
		*source = fs.Arg(0)
	}
	if strings.TrimSpace(*source) == "" {
		return errors.New("--path is required")
	}
	info, err := os.Stat(*source)
	if err != nil {
		return err
	}

	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var sub apiclient.Submission
	if info.IsDir() {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(zipDir(*source, pw))
		}()
		sub, err = client.Upload(ctx, filepath.Base(filepath.Clean(*source))+".zip", pr)
		pr.Close()
	} else {
		sub, err = client.UploadArchive(ctx, *source)
	}
	if err != nil {
		return err
	}
	fmt.Printf("run %s %s\n", sub.ID, sub.Status)
	if !*wait {
		return nil
	}

	progress := newProgress(os.Stdout)
	run, err := client.WaitReady(ctx, sub.ID, time.Second, progress.update)
	progress.done()
	if err != nil {
		return err
	}
	fmt.Printf("preview ready at %s\n", run.PreviewURL)
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runID := fs.String("run", "", "Run identifier")
	asJSON := fs.Bool("json", false, "Print the raw run payload")
	apiBase := fs.String("api", "", "API base URL override")
	fs.Parse(args)
	if strings.TrimSpace(*runID) == "" {
		return errors.New("--run is required")
	}

	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	run, err := client.GetRun(ctx, *runID)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", run.ID)
	fmt.Fprintf(tw, "status\t%s\n", run.Status)
	fmt.Fprintf(tw, "created\t%s\n", run.CreatedAt.Format(time.RFC3339))
	if run.ProjectType != "" {
		fmt.Fprintf(tw, "type\t%s\n", run.ProjectType)
	}
	if run.PreviewURL != "" {
		fmt.Fprintf(tw, "preview\t%s\n", run.PreviewURL)
	}
	if run.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", run.Error)
	}
	return tw.Flush()
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Only show runs in this status")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	apiBase := fs.String("api", "", "API base URL override")
	fs.Parse(args)

	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runs, err := client.ListRuns(ctx, *status, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tCREATED\tPREVIEW")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", run.ID, run.Status, run.ProjectType, run.CreatedAt.Format(time.RFC3339), run.PreviewURL)
	}
	return tw.Flush()
}

func commandDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	runID := fs.String("run", "", "Run identifier")
	apiBase := fs.String("api", "", "API base URL override")
	fs.Parse(args)
	if strings.TrimSpace(*runID) == "" {
		return errors.New("--run is required")
	}

	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	if err := client.DeleteRun(ctx, *runID); err != nil {
		return err
	}
	fmt.Println("run deleted")
	return nil
}

func newClient(override string) (*apiclient.Client, error) {
	base := strings.TrimSpace(override)
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = cfg.APIBaseURL
	}
	return apiclient.New(base)
}

// progress prints status changes. On a terminal the line is rewritten in place.
type progress struct {
	out     *os.File
	tty     bool
	started time.Time
	wrote   bool
}

func newProgress(out *os.File) *progress {
	return &progress{out: out, tty: term.IsTerminal(int(out.Fd())), started: time.Now()}
}

func (p *progress) update(run apiclient.Run) {
	elapsed := time.Since(p.started).Round(time.Second)
	if p.tty {
		fmt.Fprintf(p.out, "\r\033[K%s (%s)", run.Status, elapsed)
		p.wrote = true
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", elapsed, run.Status)
}

func (p *progress) done() {
	if p.wrote {
		fmt.Fprintln(p.out)
	}
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
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
	if override := os.Getenv("PREVIEWCTL_CONFIG"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "previewctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("previewctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	previewctl config [--api http://localhost:8080]
	previewctl upload --path <site.zip|dir> [--wait] [--timeout 5m]
	previewctl status --run <run-id> [--json]
	previewctl list [--status ready] [--limit N]
	previewctl delete --run <run-id>
	previewctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
