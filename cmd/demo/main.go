// Command spoolmq-demo shows the client SDK from both ends of the queue.
//
// Usage:
//
//	spoolmq-demo source [--addr 127.0.0.1:6211]
//	spoolmq-demo sink   [--addr 127.0.0.1:6212]
//
// The source sends two messages with their own ids and two with
// server-assigned ids, then exits. The sink prints every message it receives
// until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sneh-joshi/spoolmq/pkg/client"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "spoolmq-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: spoolmq-demo source|sink [--addr host:port]")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "source":
		fs := flag.NewFlagSet("source", flag.ExitOnError)
		addr := fs.String("addr", "127.0.0.1:6211", "source address of the server")
		_ = fs.Parse(args[1:])
		return source(ctx, *addr)
	case "sink":
		fs := flag.NewFlagSet("sink", flag.ExitOnError)
		addr := fs.String("addr", "127.0.0.1:6212", "sink address of the server")
		_ = fs.Parse(args[1:])
		return sink(ctx, *addr)
	default:
		return fmt.Errorf("unknown mode %q: want source or sink", args[0])
	}
}

func source(ctx context.Context, addr string) error {
	w, err := client.DialWriter(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Println(w)

	var id client.ID
	id[15] = 1
	if err := w.WriteWithID(id, []byte("Hello world!")); err != nil {
		return err
	}
	id[15] = 2
	if err := w.WriteWithID(id, []byte("Hello world, again..")); err != nil {
		return err
	}
	if err := w.Write([]byte("Hello world for the 3rd time")); err != nil {
		return err
	}
	if err := w.Write([]byte("Goodbye world!")); err != nil {
		return err
	}

	if err := w.Close(); err != nil {
		return err
	}
	fmt.Println(w)
	return nil
}

func sink(ctx context.Context, addr string) error {
	r, err := client.DialReader(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Println(r)

	// Read blocks on the socket; closing it is the only way to interrupt.
	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()

	for {
		m, err := r.Read()
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
		fmt.Printf("received message %d, len %d, id %s%s\n", r.Count(), len(m.Contents), m.IDString(), replay)
		fmt.Printf("contents: %s\n", m.Contents)
	}
}
