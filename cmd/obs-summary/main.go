// Command obs-summary aggregates the request events the server logs with
// LOG_FORMAT=json. It reads the named log files, or stdin when none are
// given, and writes a JSON summary to -out or stdout.
//
//	docker compose logs api | obs-summary -out summary.json
//	obs-summary -max-errors 0 server.log
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// maxLine bounds one log line; task collections can make request events long.
const maxLine = 1 << 20

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("obs-summary", flag.ContinueOnError)
	outPath := fs.String("out", "", "write the summary JSON here instead of stdout")
	eventName := fs.String("event-name", tasksEventName, "observability event name to collect")
	eventDomain := fs.String("event-domain", tasksEventDomain, "observability event domain to match")
	maxErrors := fs.Int("max-errors", -1, "fail when more ERROR events than this were seen; -1 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := newCollector(*eventName, *eventDomain)
	if fs.NArg() == 0 {
		if err := scan(c, stdin); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
	for _, path := range fs.Args() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		err = scan(c, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}

	summary := c.summary()
	data, err := sonic.ConfigStd.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	data = append(data, '\n')
	if *outPath == "" || *outPath == "-" {
		if _, err := stdout.Write(data); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		log.Info(summary.ShortString())
	}

	if *maxErrors >= 0 && summary.SeverityCounts["ERROR"] > *maxErrors {
		return fmt.Errorf("%d ERROR events, allowed %d", summary.SeverityCounts["ERROR"], *maxErrors)
	}
	return nil
}

func scan(c *collector, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		c.ingest(sc.Text())
	}
	return sc.Err()
}
