// Command uplink-trace inspects protocol capture files.
//
// Capture files are created by passing -trace to uplink-probe, or by any
// application wiring a trace.FileLogger into its backend configuration.
//
// Usage:
//
//	uplink-trace <command> [flags] <file.utrace>
//
// Commands:
//
//	view     View capture in human-readable format
//	stats    Show statistics about the capture
//
// Examples:
//
//	# View all events
//	uplink-trace view session.utrace
//
//	# View only inbound frames of the datagram backend
//	uplink-trace view -backend coap -direction in session.utrace
//
//	# Show statistics
//	uplink-trace stats session.utrace
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/uplink-protocol/uplink-go/pkg/trace"
)

const usage = `uplink-trace - Protocol Capture Inspector

Usage:
  uplink-trace <command> [flags] <file.utrace>

Commands:
  view     View capture in human-readable format
  stats    Show statistics about the capture

Use "uplink-trace <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `uplink-trace view - View capture in human-readable format

Usage:
  uplink-trace view [flags] <file.utrace>

Flags:
`)
		fs.PrintDefaults()
	}

	backend := fs.String("backend", "", "Filter by backend (mqtt, coap)")
	direction := fs.String("direction", "", "Filter by frame direction (in, out)")
	session := fs.String("session", "", "Filter by session ID")
	hexDump := fs.Bool("hex", false, "Hex-dump captured frame data")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}

	var dir *trace.Direction
	switch *direction {
	case "":
	case "in":
		d := trace.DirectionIn
		dir = &d
	case "out":
		d := trace.DirectionOut
		dir = &d
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid direction %q (want in, out)\n", *direction)
		os.Exit(1)
	}

	err := forEachEvent(fs.Arg(0), func(evt trace.Event) {
		if *backend != "" && evt.Backend != *backend {
			return
		}
		if *session != "" && evt.SessionID != *session {
			return
		}
		if dir != nil && (evt.Frame == nil || evt.Direction != *dir) {
			return
		}
		printEvent(os.Stdout, evt, *hexDump)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `uplink-trace stats - Show statistics about the capture

Usage:
  uplink-trace stats <file.utrace>

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}

	var (
		total      int
		frames     int
		frameBytes int
		states     int
		faults     int
		first      time.Time
		last       time.Time
		sessions   = map[string]int{}
		backends   = map[string]int{}
	)

	err := forEachEvent(fs.Arg(0), func(evt trace.Event) {
		total++
		if first.IsZero() || evt.Timestamp.Before(first) {
			first = evt.Timestamp
		}
		if evt.Timestamp.After(last) {
			last = evt.Timestamp
		}
		if evt.SessionID != "" {
			sessions[evt.SessionID]++
		}
		if evt.Backend != "" {
			backends[evt.Backend]++
		}
		switch {
		case evt.Frame != nil:
			frames++
			frameBytes += evt.Frame.Size
		case evt.StateChange != nil:
			states++
		case evt.Error != nil:
			faults++
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Events:        %d\n", total)
	fmt.Printf("Frames:        %d (%d bytes)\n", frames, frameBytes)
	fmt.Printf("State changes: %d\n", states)
	fmt.Printf("Errors:        %d\n", faults)
	fmt.Printf("Sessions:      %d\n", len(sessions))
	if !first.IsZero() {
		fmt.Printf("Time span:     %s .. %s (%s)\n",
			first.Format(time.RFC3339), last.Format(time.RFC3339),
			last.Sub(first).Round(time.Millisecond))
	}
	if len(backends) > 0 {
		names := make([]string, 0, len(backends))
		for name := range backends {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Backends:")
		for _, name := range names {
			fmt.Printf("  %-8s %d events\n", name, backends[name])
		}
	}
}

// forEachEvent streams the capture file through fn.
func forEachEvent(path string, fn func(trace.Event)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := trace.NewDecoder(f)
	for {
		var evt trace.Event
		if err := dec.Decode(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode capture: %w", err)
		}
		fn(evt)
	}
}

// printEvent renders one event as a single line, plus an optional hex dump.
func printEvent(w io.Writer, evt trace.Event, hexDump bool) {
	ts := evt.Timestamp.Format("15:04:05.000000")
	sid := evt.SessionID
	if len(sid) > 8 {
		sid = sid[:8]
	}

	switch {
	case evt.Frame != nil:
		marker := "<-"
		if evt.Direction == trace.DirectionOut {
			marker = "->"
		}
		suffix := ""
		if evt.Frame.Truncated {
			suffix = " (truncated)"
		}
		fmt.Fprintf(w, "%s %-4s %-8s %s %4d bytes%s\n",
			ts, evt.Backend, sid, marker, evt.Frame.Size, suffix)
		if hexDump && len(evt.Frame.Data) > 0 {
			fmt.Fprintf(w, "%x\n", evt.Frame.Data)
		}

	case evt.StateChange != nil:
		fmt.Fprintf(w, "%s %-4s %-8s    %s -> %s\n",
			ts, evt.Backend, sid, evt.StateChange.From, evt.StateChange.To)

	case evt.Error != nil:
		fmt.Fprintf(w, "%s %-4s %-8s  ! %s\n",
			ts, evt.Backend, sid, evt.Error.Message)

	default:
		fmt.Fprintf(w, "%s %-4s %-8s    (empty event)\n", ts, evt.Backend, sid)
	}
}
