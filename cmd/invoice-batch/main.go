package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/app"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

// invoice-batch [flags] <file|dir>...
//
// Runs one task over the given files and directories and prints the task
// with its result as JSON.
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, fs, err := common.LoadConfig("invoice-batch", args)
	if errors.Is(err, ff.ErrHelp) {
		printError("usage: invoice-batch [flags] <file|dir>...\n\n%s\n", ffhelp.Flags(fs))
		return 0
	}
	if err != nil {
		printError("error: %v\n", err)
		return 2
	}
	logger := common.NewLogger(os.Stderr, cfg.LogLevel)

	paths, err := expand(fs.GetArgs())
	if err != nil {
		printError("error: %v\n", err)
		return 2
	}
	if len(paths) == 0 {
		printError("error: no input files\nusage: invoice-batch [flags] <file|dir>...\n")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("batch.build.failed", "error", err)
		return 1
	}
	defer a.Close(context.Background())

	task, err := a.Orchestrator.Submit(ctx, "", paths, "")
	if err != nil {
		logger.Error("batch.submit.failed", "error", err)
		return 1
	}

	done, err := a.Orchestrator.Await(ctx, task.ID, 500*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			_ = a.Orchestrator.Cancel(context.Background(), task.ID)
		}
		logger.Error("batch.await.failed", "task_id", task.ID, "error", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(done); err != nil {
		printError("error: %v\n", err)
		return 1
	}
	if done.State != constants.TaskSuccess {
		return 1
	}
	return 0
}

// expand replaces directories with the supported files beneath them.
func expand(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		found, stats, err := ingest.CollectPaths(arg, true)
		if err != nil {
			return nil, err
		}
		if stats.Skipped > 0 {
			printError("skipped %d unsupported or hidden files in %s\n", stats.Skipped, arg)
		}
		paths = append(paths, found...)
	}
	return paths, nil
}
