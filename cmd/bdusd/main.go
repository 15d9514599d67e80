// Command bdusd serves a RAM or file-backed block device over NBD,
// mirroring the role the teacher's cmd/ublk-mem daemon played for
// ublk: parse a size, build a backend, CreateAndServe, print the
// kernel-assigned path, and wait for a signal to tear it down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gobdus/bdus"
	"github.com/gobdus/bdus/backend"
	"github.com/gobdus/bdus/internal/logging"
)

func main() {
	var (
		sizeStr     = flag.String("size", "64M", "Size of the device (e.g., 64M, 1G)")
		file        = flag.String("file", "", "Back the device with this file instead of memory")
		verbose     = flag.Bool("v", false, "Verbose output")
		showVersion = flag.Bool("version", false, "Print the core ABI version and exit")
	)
	flag.Parse()

	if *showVersion {
		v := bdus.Version()
		fmt.Printf("bdus core ABI version %d.%d.%d\n", v.Major, v.Minor, v.Patch)
		return
	}

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var driver bdus.Driver
	if *file != "" {
		fd, err := backend.NewFileDisk(*file, size, 128)
		if err != nil {
			logger.Error("failed to open file backend", "error", err, "path", *file)
			os.Exit(1)
		}
		driver = fd
		logger.Info("serving file-backed disk", "path", *file, "size", formatSize(size))
	} else {
		driver = backend.NewMemDisk(size)
		logger.Info("serving memory disk", "size", formatSize(size))
	}

	params := bdus.DefaultParams(size, driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev, err := bdus.CreateAndServe(ctx, params, driver, bdus.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Device created: %s (id %d)\n", dev.Path(), dev.ID())
	fmt.Printf("Size: %s (%d bytes)\n", formatSize(size), size)
	fmt.Printf("\nYou can now use the device:\n")
	fmt.Printf("  sudo mkfs.ext4 %s\n", dev.Path())
	fmt.Printf("  sudo mkdir -p /mnt/bdus\n")
	fmt.Printf("  sudo mount %s /mnt/bdus\n", dev.Path())
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := bdus.StopAndDelete(stopCtx, dev); err != nil {
		logger.Error("error stopping device", "error", err)
		os.Exit(1)
	}
	logger.Info("device stopped successfully")
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier, numStr = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier, numStr = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier, numStr = 1024*1024*1024, strings.TrimSuffix(s, "G")
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
