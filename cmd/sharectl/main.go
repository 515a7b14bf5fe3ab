// Command sharectl uploads one file to an erfa3ly server and prints its
// share link.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cairocoder/erfa3ly/internal/client"
	"github.com/cairocoder/erfa3ly/internal/logging"
)

func main() {
	var (
		serverURL string
		session   string
		markers   string
		poll      time.Duration
	)
	flag.StringVar(&serverURL, "server", getEnv("ERFA_SERVER", "http://localhost:8080"), "Server base URL")
	flag.StringVar(&session, "session", os.Getenv("ERFA_SESSION"), "Login cookie value (empty uploads anonymously)")
	flag.StringVar(&markers, "marker-file", client.DefaultMarkerPath(), "Where pending cancellations are kept")
	flag.DurationVar(&poll, "poll", client.DefaultPollInterval, "Progress poll interval")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FILE\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	logging.Setup(os.Stderr, getEnv("ERFA_LOG_LEVEL", "warn"), "")

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	os.Exit(run(serverURL, session, markers, poll, flag.Arg(0)))
}

func run(serverURL, session, markerPath string, poll time.Duration, path string) int {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	view := newBarView(os.Stderr)
	ctrl := client.NewController(client.NewAPI(serverURL, session), serverURL, client.NewMarkerStore(markerPath), view)
	ctrl.SetPollInterval(poll)

	if id, err := ctrl.ResumePending(ctx); err != nil {
		logging.Warn("pending cancel not delivered", logging.Fields{"error": err.Error()})
	} else if id != "" {
		fmt.Fprintf(os.Stderr, "cancelled upload %s left over from an earlier run\n", id)
	}

	file, fh, err := openFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer fh.Close()

	if err := ctrl.Select(file); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			trigger := client.TriggerUnload
			if sig == syscall.SIGHUP {
				trigger = client.TriggerHidden
			}
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ctrl.Cancel(cancelCtx, trigger)
			cancel()
		}
	}()

	res, err := ctrl.Submit(ctx)
	switch {
	case errors.Is(err, client.ErrCancelled):
		fmt.Fprintln(os.Stderr, "upload cancelled")
		return 130
	case err != nil:
		fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
		return 1
	}
	fmt.Println(res.URL)
	return 0
}

// openFile returns the selection for path along with the handle to close.
func openFile(path string) (client.File, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return client.File{}, nil, err
	}
	info, err := f.Stat()
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", path)
	}
	if err != nil {
		_ = f.Close()
		return client.File{}, nil, err
	}
	return client.File{
		Name:        info.Name(),
		ContentType: contentType(info.Name()),
		Size:        info.Size(),
		Body:        f,
	}, f, nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
