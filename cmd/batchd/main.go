package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/msageha/batchd/internal/model"
	"github.com/msageha/batchd/internal/sentinel"
	"github.com/msageha/batchd/internal/server"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "startup-log":
		runStartupLog(os.Args[2:])
	case "version":
		fmt.Printf("batchd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	dataDir := ""
	execCmd := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--data-dir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--data-dir requires a value")
				os.Exit(1)
			}
			i++
			dataDir = args[i]
		case "--exec-cmd":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--exec-cmd requires a value")
				os.Exit(1)
			}
			i++
			execCmd = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: batchd serve --data-dir <dir> [--exec-cmd <command>]\n", args[i])
			os.Exit(1)
		}
	}
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "usage: batchd serve --data-dir <dir> [--exec-cmd <command>]")
		os.Exit(1)
	}
	if execCmd == "" {
		execCmd = "./run.sh"
	}

	cfg, err := model.LoadConfig(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	s, err := server.New(dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create server: %v\n", err)
		os.Exit(1)
	}
	s.SetExecutor(&shellExecutor{command: execCmd})

	if err := s.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func runStartupLog(args []string) {
	addr := model.DefaultConfig().Server.AdminAddr
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			i++
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: batchd startup-log [--addr <host:port>]\n", args[i])
			os.Exit(1)
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/admin/startup-log", addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup-log: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "startup-log: server returned %s\n", resp.Status)
		os.Exit(1)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup-log: %v\n", err)
		os.Exit(1)
	}
	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(string(out))
}

// shellExecutor runs each job as a shell command in the job's workspace with
// the job metadata in the environment. Reattachment re-runs the command: job
// scripts are expected to be idempotent, and the recovered output shows how
// far the previous attempt got.
type shellExecutor struct {
	command string
}

func (e *shellExecutor) run(ctx context.Context, job *model.Job, output io.Writer) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", e.command)
	cmd.Dir = job.WorkspacePath
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = append(os.Environ(),
		"BATCHD_JOB_ID="+job.ID,
		"BATCHD_REPOSITORY="+job.Repository,
		"BATCHD_SESSION_ID="+job.SessionID,
	)
	return cmd.Run()
}

func (e *shellExecutor) Execute(ctx context.Context, job *model.Job, output io.Writer) error {
	return e.run(ctx, job, output)
}

func (e *shellExecutor) Reattach(ctx context.Context, job *model.Job, _ *sentinel.Record, recovered []byte, output io.Writer) error {
	if len(recovered) > 0 {
		fmt.Fprintf(output, "--- resumed after restart (%d bytes recovered) ---\n", len(recovered))
	}
	return e.run(ctx, job, output)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `batchd %s - crash-resilient batch job server

Usage: batchd <command> [options]

Commands:
  serve --data-dir <dir> [--exec-cmd <command>]  Run the server daemon
  startup-log [--addr <host:port>]               Show the last startup's recovery log
  version                                        Show version
  help                                           Show this help

`, version)
}
