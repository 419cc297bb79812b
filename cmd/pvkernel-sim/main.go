package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	pvkernel "github.com/ehrlich-b/go-pvkernel"
	"github.com/ehrlich-b/go-pvkernel/backend"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
)

func main() {
	var (
		sizeStr    = flag.String("size", "64M", "Size of the virtual disk (e.g., 64M, 1G)")
		image      = flag.String("image", "", "Back the disk with this image file instead of memory")
		readOnly   = flag.Bool("ro", false, "Attach the disk read-only")
		cpus       = flag.Int("cpus", pvkernel.DefaultNumCPUs, "Number of virtual CPUs")
		cmdline    = flag.String("cmdline", "", "Guest boot switches (e.g., \"trace=blkfront,ring\")")
		workers    = flag.Int("workers", 4, "Number of I/O threads in the guest")
		iterations = flag.Int("iterations", 64, "Write/read/verify passes per thread")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}
	if *cpus <= 0 || *workers < 0 {
		log.Fatalf("Invalid -cpus %d or -workers %d", *cpus, *workers)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var disk pvkernel.Backend
	if *image != "" {
		f, err := backend.OpenFile(*image, size, *readOnly)
		if err != nil {
			logger.Error("failed to open image", "path", *image, "error", err)
			os.Exit(1)
		}
		disk, size = f, f.Size()
	} else {
		disk = backend.NewMemory(size)
	}
	defer disk.Close()

	options := &pvkernel.Options{Logger: logger}
	host := pvkernel.NewHost(options)
	dom, err := pvkernel.Boot(host, pvkernel.Params{
		Name:    "sim",
		NumCPUs: *cpus,
		Cmdline: *cmdline,
	}, options)
	if err != nil {
		logger.Error("failed to boot domain", "error", err)
		os.Exit(1)
	}

	vbd, err := dom.AttachBlock(pvkernel.DiskConfig{Backend: disk, ReadOnly: *readOnly})
	if err != nil {
		logger.Error("failed to attach disk", "error", err)
		os.Exit(1)
	}
	if _, err := dom.AttachConsole(os.Stdout); err != nil {
		logger.Error("failed to attach console", "error", err)
		os.Exit(1)
	}

	logger.Info("domain ready",
		"domid", dom.ID(),
		"cpus", *cpus,
		"disk", formatSize(size),
		"size_bytes", size,
		"workers", *workers)
	fmt.Printf("Domain %d booted with %d vCPUs and a %s disk\n", dom.ID(), *cpus, formatSize(size))
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump guest threads and metrics\n", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failed atomic.Bool
	dom.Spawn("init", func(t *pvkernel.Thread) {
		if err := dom.Start(t); err != nil {
			logger.Error("device start failed", "error", err)
			failed.Store(true)
			dom.Shutdown(t)
			return
		}
		info := vbd.Info()
		dom.Console().WriteAll(t, []byte(fmt.Sprintf("vbd/0: %d sectors, backend %s\n", info.Sectors, info.Backend)))

		var remaining atomic.Int32
		remaining.Store(int32(*workers))
		for w := 0; w < *workers; w++ {
			t.Spawn(fmt.Sprintf("io/%d", w), func(t *pvkernel.Thread) {
				if err := exercise(t, vbd, w, *workers, *iterations, info.ReadOnly()); err != nil {
					logger.Error("worker failed", "worker", w, "error", err)
					failed.Store(true)
				}
				dom.Console().WriteAll(t, []byte(fmt.Sprintf("io/%d: done\n", w)))
				if remaining.Add(-1) == 0 {
					dom.Shutdown(t)
				}
			}, pvkernel.OnCPU(w%*cpus))
		}
		if *workers == 0 {
			dom.Shutdown(t)
		}
	})

	dumpCh := make(chan os.Signal, 1)
	signal.Notify(dumpCh, syscall.SIGUSR1)
	go func() {
		for range dumpCh {
			if !dom.DebugKey() {
				logger.Warn("debug interrupt not bound")
			}
			logSnapshot(logger, dom.MetricsSnapshot())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return host.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return dom.Run(gctx)
	})
	err = g.Wait()

	logSnapshot(logger, dom.MetricsSnapshot())
	logger.Info("domain stopped", "elapsed", time.Since(start).String())
	if err != nil {
		logger.Error("domain halted", "error", err, "fatal", pvkernel.IsFatal(err))
		os.Exit(1)
	}
	if failed.Load() {
		os.Exit(1)
	}
}

// exercise writes a per-worker pattern into the worker's stripe of the
// disk, reads it back and compares. Read-only disks are only read.
func exercise(t *pvkernel.Thread, vbd *pvkernel.Disk, worker, workers, iterations int, readOnly bool) error {
	info := vbd.Info()
	const chunk = pvkernel.MaxBytesPerRequest
	stripe := uint64(info.Size()) / uint64(max(workers, 1))
	slots := stripe / chunk
	if slots == 0 {
		return fmt.Errorf("disk too small for %d workers", workers)
	}
	base := uint64(worker) * stripe / pvkernel.SectorSize

	wbuf := make([]byte, chunk)
	rbuf := make([]byte, chunk)
	for i := 0; i < iterations; i++ {
		sector := base + uint64(i)%slots*(chunk/pvkernel.SectorSize)
		if !readOnly {
			fill(wbuf, worker, i)
			if err := vbd.Write(t, sector, wbuf); err != nil {
				return fmt.Errorf("write sector %d: %w", sector, err)
			}
		}
		if err := vbd.Read(t, sector, rbuf); err != nil {
			return fmt.Errorf("read sector %d: %w", sector, err)
		}
		if !readOnly && !bytes.Equal(rbuf, wbuf) {
			return fmt.Errorf("verify sector %d: data mismatch", sector)
		}
	}
	if !readOnly && info.Flush {
		return vbd.Flush(t)
	}
	return nil
}

func fill(buf []byte, worker, pass int) {
	for i := range buf {
		buf[i] = byte(worker*31 + pass*7 + i)
	}
}

func logSnapshot(logger *logging.Logger, s pvkernel.MetricsSnapshot) {
	logger.Info("metrics",
		"reads", s.ReadOps,
		"writes", s.WriteOps,
		"flushes", s.FlushOps,
		"read_bytes", formatSize(int64(s.ReadBytes)),
		"write_bytes", formatSize(int64(s.WriteBytes)),
		"errors", s.ReadErrors+s.WriteErrors+s.FlushErrors,
		"ring_full", s.RingFull,
		"events", s.Events,
		"spurious", s.SpuriousEvents,
		"p50_us", s.LatencyP50Ns/1000,
		"p99_us", s.LatencyP99Ns/1000)
}

// parseSize parses a size string like "64M", "1G", "512K"
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
	if num <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
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
