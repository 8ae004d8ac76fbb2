package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acadeveia/server/internal/clientstate"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stderr, "acadeveia: ", 0)

	path := os.Getenv("ACADEVEIA_SESSION")
	if path == "" {
		var err error
		if path, err = clientstate.DefaultPath(); err != nil {
			logger.Fatal(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := commandLine{
		state:  clientstate.NewFileStore(path),
		server: serverFromEnv(),
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
	if err := cli.run(ctx, os.Args); err != nil {
		if !errors.Is(err, errHelp) {
			logger.Printf("error: %s", err)
		}
		stop()
		os.Exit(1)
	}
}

func serverFromEnv() string {
	if s := os.Getenv("ACADEVEIA_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}
