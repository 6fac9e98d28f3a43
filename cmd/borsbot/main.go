/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cron "gopkg.in/robfig/cron.v2"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/config"
	"github.com/clarketm/borsbot/dashboard"
	"github.com/clarketm/borsbot/git"
	"github.com/clarketm/borsbot/github"
	"github.com/clarketm/borsbot/hook"
	"github.com/clarketm/borsbot/processor"
	"github.com/clarketm/borsbot/repoowners"
)

type options struct {
	port int

	configPath string

	dryRun bool

	githubEndpoint  string
	githubTokenFile string

	webhookSecretFile  string
	dashboardKeyFile   string
	resyncCronSchedule string
	botName            string
	botEmail           string
}

func (o *options) Validate() error {
	if o.configPath == "" {
		return errors.New("--config-path is required")
	}
	return nil
}

func gatherOptions() options {
	o := options{}
	flag.IntVar(&o.port, "port", 8888, "Port to listen on.")
	flag.StringVar(&o.configPath, "config-path", "/etc/config/config.yaml", "Path to config.yaml.")
	flag.BoolVar(&o.dryRun, "dry-run", true, "Dry run for testing. Uses API tokens but does not mutate.")
	flag.StringVar(&o.githubEndpoint, "github-endpoint", "https://api.github.com", "GitHub's API endpoint.")
	flag.StringVar(&o.githubTokenFile, "github-token-file", "/etc/github/oauth", "Path to the file containing the GitHub OAuth secret.")
	flag.StringVar(&o.webhookSecretFile, "hmac-secret-file", "", "Path to the file containing the GitHub webhook HMAC secret. If unset, signature verification is skipped.")
	flag.StringVar(&o.dashboardKeyFile, "dashboard-cookie-key-file", "", "Path to the file containing the dashboard's session cookie hash key.")
	flag.StringVar(&o.resyncCronSchedule, "resync-cron", "@every 1m", "cron.v2 schedule for the periodic Synchronize pulse (spec.md §5).")
	flag.StringVar(&o.botName, "bot-name", "borsbot", "Account the bot authenticates as and addresses commands to.")
	flag.StringVar(&o.botEmail, "bot-email", "borsbot@users.noreply.github.com", "Email used to author integration commits.")
	flag.Parse()
	return o
}

func readSecretFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(raw), nil
}

func main() {
	o := gatherOptions()
	if err := o.Validate(); err != nil {
		logrus.Fatalf("Invalid options: %v", err)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	configAgent := &config.Agent{}
	if err := configAgent.Start(o.configPath); err != nil {
		logrus.WithError(err).Fatal("error starting config agent")
	}

	// Ignore SIGTERM so in-flight work finishes before SIGKILL.
	signal.Ignore(syscall.SIGTERM)

	webhookSecret, err := readSecretFile(o.webhookSecretFile)
	if err != nil {
		logrus.WithError(err).Fatal("could not read webhook secret file")
	}
	dashboardKey, err := readSecretFile(o.dashboardKeyFile)
	if err != nil {
		logrus.WithError(err).Fatal("could not read dashboard cookie key file")
	}
	if len(dashboardKey) == 0 {
		dashboardKey = []byte("insecure-development-dashboard-key")
	}

	oauthSecretRaw, err := ioutil.ReadFile(o.githubTokenFile)
	if err != nil {
		logrus.WithError(err).Fatal("could not read github token file")
	}
	oauthSecret := string(bytes.TrimSpace(oauthSecretRaw))

	if _, err := url.Parse(o.githubEndpoint); err != nil {
		logrus.WithError(err).Fatal("must specify a valid --github-endpoint URL")
	}

	var gh *github.Client
	if o.dryRun {
		gh = github.NewDryRunClient(oauthSecret, o.githubEndpoint, o.botName)
	} else {
		gh = github.NewClient(oauthSecret, o.githubEndpoint, o.botName)
	}

	gitClient, err := git.NewClient()
	if err != nil {
		logrus.WithError(err).Fatal("error creating git client")
	}
	defer gitClient.Clean()
	gitClient.Configure(o.botName, o.botEmail)

	ownersClient := repoowners.NewClient(gitClient, gh)
	authz := repoowners.NewAuthorizer(ownersClient)

	cfg := configAgent.Config()
	processors := make(map[string]*processor.EventProcessor, len(cfg.Repos))
	for _, repoCfg := range cfg.Repos {
		p, err := processor.New(repoCfg, gh, gitClient, nil, authz, o.botName)
		if err != nil {
			logrus.WithError(err).Fatalf("error constructing event processor for %s", repoCfg.Repo)
		}
		processors[repoCfg.Repo.Owner+"/"+repoCfg.Repo.Name] = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for key, p := range processors {
		go func(key string, p *processor.EventProcessor) {
			if err := p.Start(ctx); err != nil && err != context.Canceled {
				logrus.WithError(err).WithField("repo", key).Fatal("event processor terminated")
			}
		}(key, p)
	}

	c := cron.New()
	if _, err := c.AddFunc(o.resyncCronSchedule, func() { pulseResync(ctx, processors) }); err != nil {
		logrus.WithError(err).Fatal("error scheduling periodic resync")
	}
	c.Start()
	defer c.Stop()

	promMetrics := hook.NewMetrics()
	hookServer := hook.NewServer(processors, webhookSecret, promMetrics)
	dashboardAgent := dashboard.NewAgent(processors, dashboardKey, logrus.WithField("component", "dashboard"))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/hook", hookServer)
	for _, repoCfg := range cfg.Repos {
		owner, name := repoCfg.Repo.Owner, repoCfg.Repo.Name
		mux.Handle(fmt.Sprintf("/repos/%s/%s", owner, name), gziphandler.GzipHandler(dashboardAgent.HandleSnapshot(owner, name)))
		mux.HandleFunc(fmt.Sprintf("/repos/%s/%s/resync", owner, name), dashboardAgent.HandleResync(owner, name))
	}

	logrus.Fatal(http.ListenAndServe(":"+strconv.Itoa(o.port), mux))
}

func pulseResync(ctx context.Context, processors map[string]*processor.EventProcessor) {
	for key, p := range processors {
		if err := p.Synchronize(ctx); err != nil {
			logrus.WithError(err).WithField("repo", key).Warn("periodic resync failed")
		}
	}
}
