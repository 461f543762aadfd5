package main

import (
	"os"
	"os/signal"
	"syscall"

	"agent-sentinel/account"
	"agent-sentinel/api"
	"agent-sentinel/audit"
	"agent-sentinel/logger"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logger.Logger

func main() {
	// Logger is automatically initialized via init() function

	app := &cli.App{
		Name:        "agent-sentinel-api",
		Usage:       "REST API server over a sentinel node's durable state",
		Description: "Serves the audit chain and structured logs without running the consensus daemon",
		Version:     "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   "8080",
				Usage:   "Port to run the API server on",
			},
			&cli.StringFlag{
				Name:  "pem",
				Value: "./key.pem",
				Usage: "key pem file path",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Value: "./data",
				Usage: "Directory holding the audit database",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
			},
		},
		Action: runAPIServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Application failed")
	}
}

func runAPIServer(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		log.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	acc, err := account.LoadFromFile(c.String("pem"))
	if err != nil {
		return err
	}

	chain, err := audit.NewChain(acc, c.String("data-dir"))
	if err != nil {
		return err
	}
	defer chain.Close()

	port := c.String("port")
	log.WithFields(logrus.Fields{
		"port":         port,
		"auditEntries": chain.Count(),
		"version":      c.App.Version,
	}).Info("Starting Agent Sentinel API Server")

	server := api.NewServer(port, nil, nil, nil, chain)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		sig := <-sigChan
		log.WithField("signal", sig).Info("Received shutdown signal")

		if err := server.Stop(); err != nil {
			log.WithError(err).Error("Error stopping server")
		}
	}()

	return server.Start()
}
