package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/subscribe/subscribe"
)

const SubscribeCtlVersion = "0.0.1"

func main() {
	usage := fmt.Sprintf(
		`Materialize subscribe control.

The config file is yaml with keys host, proxy, sql_port, auth.user, auth.password.
Environment variables MZ_HOST, MZ_PROXY, MZ_SQL_PORT, MZ_USER, MZ_PASSWORD override the file,
and options override both.

Usage:
    subscribectl subscribe --sql=<sql> [--key=<key>...] [--cluster=<cluster>] [--no_snapshot]
        [--history]
        [--config=<config>]
        [--host=<host>]
        [--user=<user>]
        [--password=<password>]
        [--proxy=<proxy>]
        [--status_port=<status_port>]
        [--v=<v>]
    subscribectl query --sql=<sql> [--cluster=<cluster>]
        [--config=<config>]
        [--host=<host>]
        [--user=<user>]
        [--password=<password>]
        [--v=<v>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --sql=<sql>                      The query to subscribe to or run.
    --key=<key>                      Key column. Repeat for a composite key.
    --cluster=<cluster>              Run on this cluster.
    --no_snapshot                    Only changes after the subscription starts.
    --history                        Include the updates of each flush.
    --config=<config>                Config file.
    --host=<host>
    --user=<user>
    --password=<password>
    --proxy=<proxy>                  Websocket proxy host or url.
    --status_port=<status_port>      Serve /status and /metrics on this port [default: %d].
    --v=<v>                          Log verbosity [default: 0].`,
		DefaultStatusPort,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SubscribeCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		subscribeQuery(opts)
	} else if query_, _ := opts.Bool("query"); query_ {
		executeQuery(opts)
	}
}

const DefaultStatusPort = 8090

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if v, err := opts.String("--v"); err == nil {
		flag.Set("v", v)
	}
}

func subscribeQuery(opts docopt.Opts) {
	config := requireConfig(opts)
	query := queryFromOpts(opts)

	statusPort, _ := opts.Int("--status_port")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()

	settings := subscribe.DefaultSubscriberSettings()
	settings.History, _ = opts.Bool("--history")
	settings.Metrics = subscribe.NewMetrics(registry)

	subscriber, err := subscribe.NewSubscriber(ctx, config, query, settings)
	if err != nil {
		exitWithError(err)
	}
	defer subscriber.Close()

	subscriber.AddResultsCallback(func(results *subscribe.Results) {
		resultsJson, err := json.Marshal(results)
		if err != nil {
			glog.Infof("[ctl]results error = %s\n", err)
			return
		}
		fmt.Printf("%s\n", resultsJson)
	})

	mux := http.NewServeMux()
	mux.Handle("/status", &Status{
		subscriber: subscriber,
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	statusServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", statusPort),
		Handler: mux,
	}

	go func() {
		defer stop()
		err := statusServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Infof("[ctl]status error = %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-subscriber.Done():
	}

	statusServer.Shutdown(context.Background())
}

func executeQuery(opts docopt.Opts) {
	config := requireConfig(opts)
	query := queryFromOpts(opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	results, err := subscribe.ExecuteQuery(ctx, config, query)
	if err != nil {
		exitWithError(err)
	}
	resultsJson, err := json.Marshal(results)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("%s\n", resultsJson)
}

func queryFromOpts(opts docopt.Opts) *subscribe.Query {
	query := &subscribe.Query{}
	query.Sql, _ = opts.String("--sql")
	if keys, ok := opts["--key"].([]string); ok {
		query.Key = keys
	}
	query.Cluster, _ = opts.String("--cluster")
	query.NoSnapshot, _ = opts.Bool("--no_snapshot")
	return query
}

// file, then env, then options
// prompts for the password when it is still missing and stdin is a terminal
func requireConfig(opts docopt.Opts) *subscribe.Config {
	config := &subscribe.Config{}
	if path, err := opts.String("--config"); err == nil {
		config, err = subscribe.LoadConfigFile(path)
		if err != nil {
			exitWithError(err)
		}
	}
	if err := config.ParseEnv(); err != nil {
		exitWithError(err)
	}

	if host, err := opts.String("--host"); err == nil {
		config.Host = host
	}
	if proxy, err := opts.String("--proxy"); err == nil {
		config.Proxy = proxy
	}
	if user, err := opts.String("--user"); err == nil {
		config.Auth.User = user
	}
	if password, err := opts.String("--password"); err == nil {
		config.Auth.Password = password
	}

	if config.Auth.Password == "" && term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		config.Auth.Password = string(passwordBytes)
		fmt.Printf("\n")
	}

	if err := config.Validate(); err != nil {
		exitWithError(err)
	}
	return config
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "%s (%s)\n", err, subscribe.ErrorKind(err))
	glog.Flush()
	os.Exit(1)
}

type Status struct {
	subscriber *subscribe.Subscriber
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version string             `json:"version,omitempty"`
		Status  string             `json:"status"`
		Host    string             `json:"host"`
		Results *subscribe.Results `json:"results"`
	}

	results := self.subscriber.Results()
	status := "ok"
	if results.Err != nil {
		status = subscribe.ErrorKind(results.Err)
	} else if results.Loading {
		status = "loading"
	}

	result := &StatusResult{
		Version: RequireVersion(),
		Status:  status,
		Host:    RequireHost(),
		Results: results,
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func Host() (string, error) {
	host := os.Getenv("SUBSCRIBE_HOST")
	if host != "" {
		return host, nil
	}
	host, err := os.Hostname()
	if err == nil {
		return host, nil
	}
	return "", errors.New("SUBSCRIBE_HOST not set")
}

func RequireHost() string {
	host, err := Host()
	if err != nil {
		panic(err)
	}
	return host
}

func RequireVersion() string {
	if version := os.Getenv("SUBSCRIBE_VERSION"); version != "" {
		return version
	}
	return SubscribeCtlVersion
}
