// Command rangedl fetches one resource from a set of HTTP mirrors
// concurrently and writes the reassembled bytes to a file or stdout.
//
// Its CLI/config/output wiring is grounded on the teacher project's own
// main.go plus internal/engine/scanner/results.go: goflags for flag
// parsing, yaml.v2 for an optional config file, pterm for the closing
// summary table, and bytedance/sonic for the optional JSON telemetry dump.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-rangedl/rangedl"
	"github.com/go-rangedl/rangedl/config"
	"github.com/go-rangedl/rangedl/internal/logging"
	"github.com/pterm/pterm"
)

var jsonAPI = sonic.Config{
	UseNumber:  true,
	EscapeHTML: false,
}.Froze()

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Default()
	var configFile, telemetryFile string

	flagSet := config.ParseFlags(&cfg, &configFile)
	flagSet.StringVar(&telemetryFile, "telemetry", "", "write send/recv telemetry as JSON to this path")
	if err := flagSet.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, "rangedl:", err)
		return 1
	}

	if configFile != "" {
		fileCfg, err := config.LoadYAML(configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rangedl:", err)
			return 1
		}
		if len(cfg.URLs) > 0 {
			fileCfg.URLs = cfg.URLs
		}
		cfg = fileCfg
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "rangedl:", err)
		return 1
	}

	log := logging.New()
	if cfg.Verbose {
		log.EnableVerbose()
	}
	if cfg.Debug {
		log.EnableDebug()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	start := time.Now()
	dl, err := rangedl.New(ctx, cfg.URLs, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rangedl: initialization failed:", err)
		return 1
	}
	dl.Run(ctx)

	out := os.Stdout
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rangedl:", err)
			return 1
		}
		defer f.Close()
		out = f
	}

	var total int64
	for {
		data, err := dl.Next(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rangedl: download failed:", err)
			return 1
		}
		if data == nil {
			break
		}
		if _, err := out.Write(data); err != nil {
			fmt.Fprintln(os.Stderr, "rangedl: write failed:", err)
			return 1
		}
		total += int64(len(data))
	}

	elapsed := time.Since(start)
	printSummary(cfg, dl, total, elapsed)

	if telemetryFile != "" {
		if err := writeTelemetry(dl, telemetryFile); err != nil {
			fmt.Fprintln(os.Stderr, "rangedl: telemetry:", err)
			return 1
		}
	}

	return 0
}

func printSummary(cfg config.Config, dl *rangedl.Downloader, total int64, elapsed time.Duration) {
	pterm.DefaultHeader.WithBackgroundStyle(pterm.NewStyle(pterm.BgGreen)).
		Println("rangedl: download complete")

	tableData := pterm.TableData{
		{"mirrors", fmt.Sprintf("%d", len(cfg.URLs))},
		{"blocks", fmt.Sprintf("%d", dl.BlockCount())},
		{"bytes", fmt.Sprintf("%d", total)},
		{"elapsed", elapsed.String()},
	}

	table := pterm.DefaultTable.WithHasHeader(false).WithBoxed().WithData(tableData)
	output, err := table.Srender()
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, output)
}

type telemetryDoc struct {
	SendLog []rangedl.Event `json:"send_log"`
	RecvLog []rangedl.Event `json:"recv_log"`
}

func writeTelemetry(dl *rangedl.Downloader, path string) error {
	sendLog, err := dl.SendLog()
	if err != nil {
		return err
	}
	recvLog, err := dl.RecvLog()
	if err != nil {
		return err
	}

	data, err := jsonAPI.MarshalIndent(telemetryDoc{SendLog: sendLog, RecvLog: recvLog}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
