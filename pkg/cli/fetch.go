package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/scriptbridge/pkg/cli/internal/output"
	"github.com/getmockd/scriptbridge/pkg/config"
	"github.com/getmockd/scriptbridge/pkg/logging"
	"github.com/getmockd/scriptbridge/pkg/loop"
	"github.com/getmockd/scriptbridge/pkg/netreply"
	"github.com/getmockd/scriptbridge/pkg/recording"
	"github.com/getmockd/scriptbridge/pkg/reply"
	"github.com/getmockd/scriptbridge/pkg/util"
)

// fetchOptions controls one fetch run.
type fetchOptions struct {
	userAgent   string
	timeout     time.Duration
	capture     bool
	showBody    bool
	recordLimit int
}

var (
	fetchOpts   fetchOptions
	fetchRecord string
	fetchLevel  string
)

// FetchEvent is one line of fetch output.
type FetchEvent struct {
	Event      string          `json:"event"`
	RequestID  reply.RequestID `json:"requestId"`
	URL        string          `json:"url"`
	StatusCode int             `json:"statusCode,omitempty"`
	StatusText string          `json:"statusText,omitempty"`
	BodySize   int             `json:"bodySize,omitempty"`
	Body       string          `json:"body,omitempty"`
	Error      string          `json:"error,omitempty"`
}

var fetchCmd = &cobra.Command{
	Use:   "fetch URL...",
	Short: "Fetch URLs and report each request's lifecycle",
	Long: `Fetch every URL concurrently through the reply tracker. Each request prints one
"started" line when its first data arrives and exactly one "finished" line,
whatever happens to the transfer. Transport errors and certificate problems are
printed as they occur. Interrupting the command aborts the outstanding requests.`,
	Example: `  scriptbridge fetch https://example.com http://localhost:8080/hello

  # JSON lines, with bodies, recorded to a file
  scriptbridge fetch --json --body --record run.json https://example.com`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		opts := fetchOpts
		flags := cmd.Flags()
		if !flags.Changed("user-agent") {
			opts.userAgent = cfg.Client.UserAgent
		}
		if !flags.Changed("timeout") {
			opts.timeout = cfg.Client.Timeout
		}
		if !flags.Changed("capture") {
			opts.capture = cfg.Client.Capture
		}
		opts.recordLimit = cfg.Recording.Limit
		record := fetchRecord
		if record == "" {
			record = cfg.Recording.File
		}

		logCfg := cfg.LoggingConfig()
		if flags.Changed("log-level") {
			logCfg.Level = logging.ParseLevel(fetchLevel)
		}
		log, closer, err := logging.Open(logCfg)
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, runErr := runFetch(ctx, cmd.OutOrStdout(), args, opts, log)
		if store != nil && record != "" {
			if err := store.SaveFile(record); err != nil {
				return err
			}
			log.Info("recordings saved", "file", record, "count", store.Len())
		}
		if runErr != nil {
			return runErr
		}

		if failed, _ := store.List(recording.Filter{FailedOnly: true}); len(failed) > 0 {
			return fmt.Errorf("%d of %d requests failed", len(failed), len(args))
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchOpts.userAgent, "user-agent", "", "User-Agent header (default from config)")
	fetchCmd.Flags().DurationVar(&fetchOpts.timeout, "timeout", 0, "Per-request timeout (default from config)")
	fetchCmd.Flags().BoolVar(&fetchOpts.capture, "capture", true, "Keep response bodies for the finished event")
	fetchCmd.Flags().BoolVar(&fetchOpts.showBody, "body", false, "Print captured bodies")
	fetchCmd.Flags().StringVar(&fetchRecord, "record", "", "Write finished requests to this JSON file")
	fetchCmd.Flags().StringVar(&fetchLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(fetchCmd)
}

// eventPrinter writes fetch events as text or JSON lines.
type eventPrinter struct {
	w        io.Writer
	json     bool
	showBody bool
}

func (p *eventPrinter) print(ev FetchEvent) {
	if !p.showBody {
		ev.Body = ""
	}
	if p.json {
		_ = output.JSONLine(p.w, ev)
		return
	}
	switch ev.Event {
	case "started":
		fmt.Fprintf(p.w, "[%d] started  %s\n", ev.RequestID, ev.URL)
	case "finished":
		fmt.Fprintf(p.w, "[%d] finished %s %d %s (%d bytes)\n", ev.RequestID, ev.URL, ev.StatusCode, ev.StatusText, ev.BodySize)
		if ev.Body != "" {
			fmt.Fprintln(p.w, util.TruncateBody(ev.Body, 0))
		}
	default:
		fmt.Fprintf(p.w, "[%d] %s %s: %s\n", ev.RequestID, ev.Event, ev.URL, ev.Error)
	}
}

// runFetch tracks one reply per URL on a private loop and waits until every
// reply has finished. When ctx ends first, the outstanding replies are
// aborted, which still finishes each of them exactly once.
func runFetch(ctx context.Context, w io.Writer, urls []string, opts fetchOptions, log *slog.Logger) (*recording.Store, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no URLs to fetch")
	}

	lp := loop.New(loop.WithLogger(log))
	runDone := make(chan error, 1)
	go func() { runDone <- lp.Run(context.Background()) }()
	defer func() {
		lp.Stop()
		<-runDone
	}()

	printer := &eventPrinter{w: w, json: jsonOutput, showBody: opts.showBody}
	store := recording.NewStore(recording.WithLimit(opts.recordLimit))

	// Everything below is touched only on the loop.
	remaining := len(urls)
	allDone := make(chan struct{})
	proxyIDs := make(map[*reply.Proxy]reply.RequestID)
	var proxies []*reply.Proxy
	settle := func() {
		remaining--
		if remaining == 0 {
			close(allDone)
		}
	}

	recorder := recording.NewRecorder(store, reply.ListenerFuncs{
		OnStarted: func(p *reply.Proxy, id reply.RequestID) {
			printer.print(FetchEvent{Event: "started", RequestID: id, URL: p.URL()})
		},
		OnError: func(p *reply.Proxy, id reply.RequestID, kind reply.ErrorKind) {
			ev := FetchEvent{Event: "error", RequestID: id, URL: p.URL(), Error: kind.String()}
			if e := p.Err(); e != nil && e.Message != "" {
				ev.Error = kind.String() + ": " + e.Message
			}
			printer.print(ev)
		},
		OnSSLErrors: func(p *reply.Proxy, errs []error) {
			for _, err := range errs {
				printer.print(FetchEvent{Event: "ssl-error", RequestID: proxyIDs[p], URL: p.URL(), Error: err.Error()})
			}
		},
		OnFinished: func(ev reply.FinishedEvent) {
			printer.print(FetchEvent{
				Event:      "finished",
				RequestID:  ev.RequestID,
				URL:        ev.Proxy.URL(),
				StatusCode: ev.StatusCode,
				StatusText: ev.StatusText,
				BodySize:   ev.BodySize,
				Body:       ev.Body,
			})
			settle()
		},
	})
	tracker := reply.NewTracker(recorder, reply.WithLogger(log))
	manager := netreply.NewManager(lp,
		netreply.WithLogger(log),
		netreply.WithUserAgent(opts.userAgent),
		netreply.WithTimeout(opts.timeout),
	)

	for i, u := range urls {
		id := reply.RequestID(i + 1)
		rawURL := u
		err := lp.Post(func() {
			r, err := manager.Get(rawURL)
			if err != nil {
				printer.print(FetchEvent{Event: "invalid", RequestID: id, URL: rawURL, Error: err.Error()})
				rec := recording.NewRecording(id, rawURL)
				rec.Error = &recording.ErrorInfo{Kind: reply.ProtocolUnknown.String(), Code: int(reply.ProtocolUnknown), Message: err.Error()}
				store.Add(rec)
				settle()
				return
			}
			p := tracker.Track(r, id, opts.capture)
			proxyIDs[p] = id
			proxies = append(proxies, p)
			recorder.Begin(p, id)
		})
		if err != nil {
			return nil, err
		}
	}

	select {
	case <-allDone:
		return store, nil
	case <-ctx.Done():
	}

	log.Info("aborting outstanding requests")
	if err := lp.Post(func() {
		for _, p := range proxies {
			tracker.Abort(reply.ByProxy(p), 0, reply.OperationCanceled.String())
		}
	}); err != nil {
		return nil, err
	}
	<-allDone
	return store, fmt.Errorf("fetch interrupted: %w", ctx.Err())
}
