// Package run implements gitbound's watch loop, starting and stopping all
// services.
package run

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/bpineau/gitbound/config"
	"github.com/bpineau/gitbound/pkg/event"
	"github.com/bpineau/gitbound/pkg/health"
	"github.com/bpineau/gitbound/pkg/recorder"
	"github.com/bpineau/gitbound/pkg/synchronizer"
	"github.com/bpineau/gitbound/pkg/watcher"
)

// Run launchs the services, until a SIGTERM or SIGINT is received
func Run(config *config.GbConfig) {
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigterm)

	Services(config).Wait(sigterm)
}

// Running holds the started services
type Running struct {
	reco *recorder.Listener
	wtch *watcher.Watcher
	http *health.Listener
}

// Services starts the watcher, and the recorder and healthcheck handler
// when they are configured.
func Services(config *config.GbConfig) *Running {
	r := &Running{}

	var notifier event.Notifier
	if config.SummaryDir != "" {
		evts := event.New()
		notifier = evts
		r.reco = recorder.New(config.Logger, evts, config.SummaryDir, config.PollInterval, config.DryRun).Start()
	}

	syncer := synchronizer.New(config.Logger, config.RemoteOptions()...)
	r.wtch = watcher.New(config.Logger, syncer, notifier, config.Targets,
		config.PollInterval, config.Concurrency, config.DryRun).Start()

	r.http = health.New(config).Start()

	return r
}

// Wait blocks until stop receives something, then halts the services
func (r *Running) Wait(stop <-chan os.Signal) {
	<-stop

	r.wtch.Stop()
	if r.reco != nil {
		r.reco.Stop()
	}
	r.http.Stop()
}
