package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/workflow"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Drop-folder intake: every *.json file in -dir holds one recognition message.
// Processed files move to done/, poisoned ones to failed/. Transient failures
// stay in place and are retried on the next scan.
func main() {
	dir := flag.String("dir", "", "Directory to watch (required)")
	publish := flag.Bool("publish", false, "Publish to the recognition topic instead of ingesting directly")
	watch := flag.Bool("watch", true, "Keep watching after the initial scan")
	workers := flag.Int("workers", 4, "Concurrent files in flight")
	flag.Parse()

	if strings.TrimSpace(*dir) == "" {
		fmt.Fprintln(os.Stderr, "-dir is required")
		os.Exit(1)
	}
	for _, sub := range []string{"done", "failed"} {
		if err := os.MkdirAll(filepath.Join(*dir, sub), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", sub, err)
			os.Exit(1)
		}
	}

	logger := config.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*publish {
		config.ConnectDatabaseWithRetry()
		if config.GetDB() == nil {
			fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
			os.Exit(1)
		}
	}

	p := &dropFolder{dir: *dir, publish: *publish, logger: logger}
	files := listMessageFiles(*dir)
	logger.WithFields(logrus.Fields{"dir": *dir, "files": len(files)}).Info("initial scan")
	fileCh := make(chan string, len(files)+1)
	for _, f := range files {
		fileCh <- f
	}
	if !*watch {
		close(fileCh)
		p.run(ctx, fileCh, *workers)
		return
	}

	if err := watchDirectory(ctx, *dir, fileCh, logger); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		os.Exit(1)
	}
	p.run(ctx, fileCh, *workers)
}

type dropFolder struct {
	dir     string
	publish bool
	logger  *logrus.Logger
}

func (p *dropFolder) run(ctx context.Context, fileCh <-chan string, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case name, ok := <-fileCh:
					if !ok {
						return
					}
					p.handle(ctx, name)
				}
			}
		}()
	}
	wg.Wait()
}

func (p *dropFolder) handle(ctx context.Context, name string) {
	path := filepath.Join(p.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		// already moved by another event
		return
	}
	msg, err := workflow.DecodeRecognitionMessage(data)
	if err != nil {
		config.LogError(p.logger, "recognition-watch", "handle", "DecodeRecognitionMessage", name, err)
		p.move(name, "failed")
		return
	}

	if p.publish {
		id, err := workflow.PublishRecognitionMessage(ctx, msg)
		if err != nil {
			config.LogError(p.logger, "recognition-watch", "handle", "PublishRecognitionMessage", name, err)
			return
		}
		p.logger.WithFields(logrus.Fields{"file": name, "message_id": id}).Info("published")
		p.move(name, "done")
		return
	}

	if _, err := workflow.ProcessRecognitionMessage(ctx, p.logger, msg, "file:"+name); err != nil {
		if workflow.IsPermanent(err) {
			p.move(name, "failed")
		}
		return
	}
	p.move(name, "done")
}

func (p *dropFolder) move(name string, sub string) {
	if err := os.Rename(filepath.Join(p.dir, name), filepath.Join(p.dir, sub, name)); err != nil {
		config.LogError(p.logger, "recognition-watch", "move", sub, name, err)
	}
}

func isMessageFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".json")
}

func listMessageFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isMessageFile(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

// watchDirectory feeds fileCh with files that stopped changing for 300ms.
func watchDirectory(ctx context.Context, dir string, fileCh chan<- string, logger *logrus.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	logger.WithFields(logrus.Fields{"dir": dir}).Info("watching (debounced)")

	go func() {
		defer w.Close()
		pending := map[string]time.Time{}
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				name := filepath.Base(ev.Name)
				if !isMessageFile(name) {
					continue
				}
				pending[name] = time.Now()
			case <-ticker.C:
				now := time.Now()
				for name, t := range pending {
					if now.Sub(t) > 300*time.Millisecond {
						select {
						case fileCh <- name:
							delete(pending, name)
						default:
							// workers busy; retry on the next tick
						}
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.WithFields(logrus.Fields{"dir": dir}).Warn("watch error: " + err.Error())
			}
		}
	}()
	return nil
}
