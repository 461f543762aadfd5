package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"agent-sentinel/account"
	"agent-sentinel/api"
	"agent-sentinel/audit"
	"agent-sentinel/behavior"
	"agent-sentinel/consensus"
	"agent-sentinel/events"
	"agent-sentinel/evidence"
	"agent-sentinel/logger"
	"agent-sentinel/network"
	"agent-sentinel/pow"
	"agent-sentinel/protocol"
	"agent-sentinel/quarantine"
	"agent-sentinel/reputation"
	"agent-sentinel/scheduler"
	"agent-sentinel/threshold"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logger.Logger

func main() {
	app := &cli.App{
		Name:        "agent-sentinel",
		Usage:       "Agent misbehavior detection and quarantine daemon",
		Description: "Runs weighted multi-round consensus over misbehavior evidence and manages the quarantine ladder for convicted agents",
		Version:     "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "create-pem",
				Usage: "create a new key pem file at the given path",
			},
			&cli.StringFlag{
				Name:  "pem",
				Value: "./key.pem",
				Usage: "key pem file path",
			},
			&cli.IntFlag{
				Name:  "port",
				Value: 18790,
				Usage: "P2P port to listen on",
			},
			&cli.StringFlag{
				Name:  "api-port",
				Value: "8080",
				Usage: "REST API port, empty to disable",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Value: "./data",
				Usage: "Directory for audit and behavior databases",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "commit-reveal",
				Usage: "Require commit-reveal voting in round one",
			},
			&cli.BoolFlag{
				Name:  "threshold-sigs",
				Usage: "Attest finalized verdicts with BLS aggregate signatures",
			},
		},
		Action: runSentinel,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Application failed")
	}
}

func loadAccount(c *cli.Context) (*account.Account, error) {
	if createPem := c.String("create-pem"); createPem != "" {
		acc, err := account.New()
		if err != nil {
			return nil, err
		}
		if err := acc.SaveToFile(createPem); err != nil {
			return nil, err
		}
		log.WithField("path", createPem).Info("New account key saved")
		return acc, nil
	}
	return account.LoadFromFile(c.String("pem"))
}

func runSentinel(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		log.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	acc, err := loadAccount(c)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	dataDir := c.String("data-dir")

	log.WithFields(logrus.Fields{
		"address": acc.Address,
		"port":    c.Int("port"),
		"dataDir": dataDir,
		"version": c.App.Version,
	}).Info(logger.DISPLAY_TAG + " Starting agent sentinel daemon")

	clock := scheduler.NewNetworkClock()
	if err := clock.Start(); err != nil {
		return err
	}
	defer clock.Stop()

	sched := scheduler.TimerScheduler{}
	bus := events.NewBus()

	registry := consensus.NewRegistry()
	registry.Register(acc.Address, acc.PublicKey)

	board := reputation.NewBoard()
	pool := evidence.NewPool(registry)

	config := consensus.DefaultConfig()
	config.UseCommitReveal = c.Bool("commit-reveal")
	config.ThresholdSignatures = c.Bool("threshold-sigs")

	engine := consensus.NewEngine(config, registry, pool, board, clock, sched, bus)

	if config.ThresholdSignatures {
		committee := threshold.NewCommittee()
		if err := committee.AddMember(acc.Address); err != nil {
			return err
		}
		engine.SetAggregateSigner(committee)
	}

	behaviorService, err := behavior.NewService(filepath.Join(dataDir, "behavior.db"), clock)
	if err != nil {
		return fmt.Errorf("failed to start behavior service: %w", err)
	}
	defer behaviorService.Close()

	powService := pow.NewService()
	scorer := &quarantine.DefaultScorer{Behavior: behaviorService, Pow: powService}

	manager := quarantine.NewManager(quarantine.DefaultConfig(), clock, sched, bus,
		behaviorService, board, registry, scorer)
	engine.SetQuarantineSink(manager.OnMaliciousVerdict)

	chain, err := audit.NewChain(acc, dataDir)
	if err != nil {
		return fmt.Errorf("failed to open audit chain: %w", err)
	}
	defer chain.Close()

	node := network.NewNode(acc.Address, c.Int("port"))
	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start P2P node: %w", err)
	}
	defer node.Stop()

	wireAuditAndBroadcast(bus, engine, board, chain, node)
	go dispatchMessages(node, engine, manager)

	manager.StartMonitoring()
	defer manager.StopMonitoring()

	if apiPort := c.String("api-port"); apiPort != "" {
		server := api.NewServer(apiPort, engine, manager, pool, chain)
		go func() {
			if err := server.Start(); err != nil {
				log.WithError(err).Error("API server stopped with error")
			}
		}()
		defer server.Stop()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals

	log.WithField("signal", sig).Info(logger.DISPLAY_TAG + " Shutting down agent sentinel daemon")
	return nil
}

// Reputation consequences of verdicts and recoveries. A conviction burns
// reputation and stake in proportion to the confidence behind it; a full
// recovery earns back part of the default standing, not all of it.
const (
	slashFractionAtFullConfidence = 0.5
	recoveryReputationCredit      = 0.1
)

// wireAuditAndBroadcast records the durable events on the audit chain,
// applies their reputation consequences and fans finalized verdicts out to
// the peers.
func wireAuditAndBroadcast(bus *events.Bus, engine *consensus.Engine, board *reputation.Board, chain *audit.Chain, node *network.Node) {
	bus.Subscribe(func(event events.Event) {
		switch event.Type {
		case events.ConsensusFinalized:
			result, err := engine.GetResult(event.SessionID)
			if err != nil {
				log.WithError(err).Error("Finalized session has no result")
				return
			}
			if result.Decision == consensus.DecisionMalicious {
				board.Slash(event.AgentID, slashFractionAtFullConfidence*result.Confidence)
			}
			entry, err := chain.Append(audit.KindVerdict, event.AgentID, event.SessionID, result)
			if err != nil {
				log.WithError(err).Error("Failed to record verdict on audit chain")
				return
			}
			if err := node.BroadcastPayload(protocol.MessageTypeVerdict, &protocol.VerdictMessage{
				Result:    result,
				AuditHash: entry.Hash,
			}); err != nil {
				log.WithError(err).Warn("Failed to broadcast verdict")
			}

		case events.AgentQuarantined, events.QuarantineEscalated, events.QuarantineExtended:
			if _, err := chain.Append(audit.KindQuarantine, event.AgentID, event.SessionID, event.Details); err != nil {
				log.WithError(err).Error("Failed to record quarantine action on audit chain")
			}

		case events.QuarantineViolation:
			if _, err := chain.Append(audit.KindViolation, event.AgentID, event.SessionID, event.Details); err != nil {
				log.WithError(err).Error("Failed to record violation on audit chain")
			}

		case events.RecoveryProcessed:
			if outcome, _ := event.Details["outcome"].(string); outcome == "recovered" {
				board.Adjust(event.AgentID, recoveryReputationCredit)
			}
			if _, err := chain.Append(audit.KindRecovery, event.AgentID, event.SessionID, event.Details); err != nil {
				log.WithError(err).Error("Failed to record recovery on audit chain")
			}
		}
	})
}

// dispatchMessages routes incoming peer messages to the engine and manager
func dispatchMessages(node *network.Node, engine *consensus.Engine, manager *quarantine.Manager) {

	for msg := range node.Incoming() {
		switch msg.Type {
		case protocol.MessageTypeEvidence:
			var payload protocol.EvidenceMessage
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.WithError(err).Warn("Malformed evidence message")
				continue
			}
			if err := engine.SubmitEvidence(payload.SessionID, payload.Evidence); err != nil {
				log.WithError(err).Debug("Peer evidence rejected")
			}

		case protocol.MessageTypeVote:
			var payload protocol.VoteMessage
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.WithError(err).Warn("Malformed vote message")
				continue
			}
			if err := engine.SubmitVote(payload.SessionID, payload.Vote); err != nil {
				log.WithError(err).Debug("Peer vote rejected")
			}

		case protocol.MessageTypeVoteCommit:
			var payload protocol.VoteCommitMessage
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.WithError(err).Warn("Malformed vote commit message")
				continue
			}
			if err := engine.SubmitVoteCommit(payload.SessionID, payload.VoterID, payload.CommitHash); err != nil {
				log.WithError(err).Debug("Peer vote commit rejected")
			}

		case protocol.MessageTypeVoteReveal:
			var payload protocol.VoteRevealMessage
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.WithError(err).Warn("Malformed vote reveal message")
				continue
			}
			if err := engine.RevealVote(payload.SessionID, payload.Vote); err != nil {
				log.WithError(err).Debug("Peer vote reveal rejected")
			}

		case protocol.MessageTypeEndorsement:
			var payload protocol.EndorsementMessage
			if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Endorsement == nil {
				log.WithError(err).Warn("Malformed endorsement message")
				continue
			}
			e := payload.Endorsement
			if _, err := manager.SubmitPeerEndorsement(e.Endorser, e.Subject, e.Type,
				e.Strength, e.Comment, e.Signature); err != nil {
				log.WithError(err).Debug("Peer endorsement rejected")
			}

		case protocol.MessageTypeVerdict:
			var payload protocol.VerdictMessage
			if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Result == nil {
				log.WithError(err).Warn("Malformed verdict message")
				continue
			}
			log.WithFields(logger.Fields{
				"sessionID": payload.Result.SessionID,
				"target":    payload.Result.TargetAgent,
				"decision":  payload.Result.Decision,
			}).Info("Peer verdict received")

		case protocol.MessageTypeStatusRequest:
			// Status is served over the REST API; peers polling over TCP just
			// get logged for now.
			log.Debug("Peer status request received")

		default:
			log.WithField("type", msg.Type).Debug("Unhandled message type")
		}
	}
}
