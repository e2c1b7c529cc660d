// Command pktmask rewrites pcap/pcapng captures, masking TCP payload bytes
// that no protocol keep rule covers.  One worker processes one file; the
// -max_workers flag bounds parallelism across files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pktmask/pktmask/dissector"
	"github.com/pktmask/pktmask/marker"
	"github.com/pktmask/pktmask/mask"
	"github.com/pktmask/pktmask/storage"
	"github.com/pktmask/pktmask/task"

	// Enable profiling. For more background and usage information, see:
	//   https://blog.golang.org/profiling-go-programs
	_ "net/http/pprof"
)

// Flags.
var (
	protocol = flagx.Enum{
		Options: []string{"auto", "tls", "http"},
		Value:   "auto",
	}

	outputDir        = flag.String("output_dir", "./output", "Directory for masked captures")
	maskByte         = flag.Int("mask_byte", 0x00, "Byte value written over masked payload")
	verifyChecksums  = flag.Bool("verify_checksums", true, "Re-decode every output frame during post-run validation")
	chunkSize        = flag.Int("chunk_size", 1000, "Buffered write flush interval, in packets")
	memoryLimit      = flag.Uint64("memory_limit_bytes", 2<<30, "Memory ceiling for the rewrite loop")
	dissectorPath    = flag.String("dissector", "", "Path to the tshark executable (default: search PATH)")
	dissectorTimeout = flag.Duration("dissector_timeout", 300*time.Second, "Dissector subprocess wall-clock limit")
	httpPorts        = flagx.StringArray{}
	sensitiveHeaders = flagx.StringArray{}
	rulesJSON        = flag.Bool("rules_json", false, "Also write the keep-rule set next to each output")
	maxWorkers       = flag.Int("max_workers", 1, "Maximum number of files processed concurrently")
	metricsAddr      = flag.String("metrics_addr", "", "Address for the prometheus /metrics endpoint (empty disables)")
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	flag.Var(&protocol, "protocol", "Marker selector: auto, tls, or http.")
	flag.Var(&httpPorts, "http_port", "HTTP candidate port (repeatable).")
	flag.Var(&sensitiveHeaders, "sensitive_header", "HTTP header whose value is masked (repeatable).")
}

func config() *mask.Config {
	cfg := mask.DefaultConfig()
	cfg.Protocol = mask.Protocol(protocol.Value)
	cfg.MaskByte = byte(*maskByte)
	cfg.VerifyChecksums = *verifyChecksums
	cfg.ChunkSize = *chunkSize
	cfg.MemoryLimitBytes = *memoryLimit
	cfg.DissectorPath = *dissectorPath
	cfg.DissectorTimeout = *dissectorTimeout
	if len(httpPorts) > 0 {
		cfg.HTTPPorts = make(map[uint16]bool, len(httpPorts))
		for _, p := range httpPorts {
			var port uint16
			_, err := fmt.Sscanf(p, "%d", &port)
			rtx.Must(err, "Invalid -http_port %q", p)
			cfg.HTTPPorts[port] = true
		}
	}
	if len(sensitiveHeaders) > 0 {
		cfg.HTTPSensitiveHeaders = make(map[string]bool, len(sensitiveHeaders))
		for _, h := range sensitiveHeaders {
			cfg.HTTPSensitiveHeaders[strings.ToLower(h)] = true
		}
	}
	return cfg
}

func outputPath(in string) string {
	base := filepath.Base(in)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".zst")
	return filepath.Join(*outputDir, base)
}

func processOne(ctx context.Context, cfg *mask.Config, in string) error {
	m, err := marker.New(cfg, dissector.NewTShark(cfg))
	if err != nil {
		return err
	}
	out := outputPath(in)
	stats, rules, err := task.New(cfg, m).ProcessFile(ctx, in, out)
	if err != nil {
		log.Printf("%s: %v", in, err)
		return err
	}
	if *rulesJSON {
		rw, err := storage.NewRuleWriter(*outputDir, filepath.Base(out)+".rules.json")
		if err == nil {
			if err := rw.Commit(rules); err != nil {
				log.Printf("rule dump failed for %s: %v", in, err)
			}
			rw.Close()
		}
	}
	log.Printf("%s: %d packets, %d modified, %d bytes masked, %d preserved, validation=%v in %v",
		in, stats.ProcessedPackets, stats.ModifiedPackets, stats.MaskedBytes,
		stats.PreservedBytes, stats.ValidationPassed, stats.ExecutionTime.Round(time.Millisecond))
	return nil
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	inputs := flag.Args()
	if len(inputs) == 0 {
		log.Fatal("no input captures; usage: pktmask [flags] capture.pcap ...")
	}
	rtx.Must(os.MkdirAll(*outputDir, os.ModePerm), "Could not create output dir")

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Println(http.ListenAndServe(*metricsAddr, mux))
		}()
	}

	cfg := config()
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, *maxWorkers)
	for _, in := range inputs {
		in := in
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			return processOne(gctx, cfg, in)
		})
	}
	if err := g.Wait(); err != nil {
		os.Exit(1)
	}
}
