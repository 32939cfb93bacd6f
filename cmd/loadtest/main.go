// Command spoolmq-loadtest drives a SpoolMQ server with synthetic traffic.
//
// Usage:
//
//	spoolmq-loadtest source [--addr 127.0.0.1:6211] [--interval 0] [--ids] [--size 4000] [--count 1000000]
//	spoolmq-loadtest sink   [--addr 127.0.0.1:6212] --out sinkFile
//
// Both sides print a progress line every 1000 messages.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/sneh-joshi/spoolmq/pkg/client"
)

const progressEvery = 1000

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "spoolmq-loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: spoolmq-loadtest source|sink [flags]")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "source":
		fs := flag.NewFlagSet("source", flag.ExitOnError)
		opts := sourceOptions{}
		fs.StringVar(&opts.addr, "addr", "127.0.0.1:6211", "source address of the server")
		fs.DurationVar(&opts.interval, "interval", 0, "pause between messages (0 = as fast as acks allow)")
		fs.BoolVar(&opts.ids, "ids", false, "send caller-generated ids")
		fs.IntVar(&opts.size, "size", 4000, "message size in bytes")
		fs.IntVar(&opts.count, "count", 1_000_000, "messages to send")
		_ = fs.Parse(args[1:])
		return source(ctx, opts)
	case "sink":
		fs := flag.NewFlagSet("sink", flag.ExitOnError)
		addr := fs.String("addr", "127.0.0.1:6212", "sink address of the server")
		out := fs.String("out", "", "file receiving every message")
		_ = fs.Parse(args[1:])
		if *out == "" {
			return errors.New("sink: --out is required")
		}
		return sink(ctx, *addr, *out)
	default:
		return fmt.Errorf("unknown mode %q: want source or sink", args[0])
	}
}

type sourceOptions struct {
	addr     string
	interval time.Duration
	ids      bool
	size     int
	count    int
}

func source(ctx context.Context, opts sourceOptions) error {
	if opts.size < 1 || opts.count < 1 {
		return errors.New("source: --size and --count must be positive")
	}
	w, err := client.DialWriter(ctx, opts.addr)
	if err != nil {
		return err
	}
	defer w.Close()
	fmt.Println(w)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.interval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.interval), 1)
	}

	contents := make([]byte, opts.size)
	for i := range contents {
		contents[i] = 'Z'
	}

	start := time.Now()
	var id client.ID
	for c := 1; c <= opts.count; c++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if opts.ids {
			binary.BigEndian.PutUint64(id[:8], uint64(c))
			binary.BigEndian.PutUint64(id[8:], uint64(c))
			err = w.WriteWithID(id, contents)
		} else {
			err = w.Write(contents)
		}
		if err != nil {
			return fmt.Errorf("message %d: %w", c, err)
		}
		if c%progressEvery == 0 {
			fmt.Printf(". %d\n", c)
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("sent %d messages in %s (%.0f msg/s)\n", w.Count(), elapsed.Round(time.Millisecond),
		float64(w.Count())/elapsed.Seconds())
	return nil
}

func sink(ctx context.Context, addr, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	defer bw.Flush()

	r, err := client.DialReader(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Println(r)
	fmt.Println("writing to", out)

	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()

	for {
		m, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		replay := ""
		if m.PossiblyReplayed {
			replay = ", possibly replayed"
		}
		fmt.Fprintf(bw, "message %d, len %d, id %s%s\n", r.Count()+1, len(m.Contents), m.IDString(), replay)
		bw.Write(m.Contents)
		bw.WriteByte('\n')
		// Only acknowledge once the message is in the file.
		if err := bw.Flush(); err != nil {
			return err
		}
		if err := r.Ack(); err != nil {
			return err
		}
		if r.Count()%progressEvery == 0 {
			fmt.Printf(". %d\n", r.Count())
		}
	}
}
