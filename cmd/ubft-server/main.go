// Command ubft-server runs one replica of the agreement engine: it
// bootstraps its identity and connections through the shared
// key-value store (spec.md §6), wires a tail p2p mesh to every peer
// replica and client, and drives the resulting consensus.Engine /
// rpc.Server pair through an smr.Coordinator until signalled to stop.
//
// Grounded on original_source/ubft/src/server.hpp's main (bootstrap,
// wire every channel, then loop ticking everything) and
// internal/consensus's engine_test.go fixture for which channels a
// replica needs and how they're keyed — the only difference being
// that fixture's shared in-process rdmasim.Region becomes, here, one
// region hosted locally and a RemoteRegion dialed from every peer.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LPD-EPFL/ubft-sub000/internal/app"
	"github.com/LPD-EPFL/ubft-sub000/internal/certifier"
	"github.com/LPD-EPFL/ubft-sub000/internal/consensus"
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/latency"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/rpc"
	"github.com/LPD-EPFL/ubft-sub000/internal/smr"
	"github.com/LPD-EPFL/ubft-sub000/internal/tcb"
	"github.com/LPD-EPFL/ubft-sub000/internal/topo"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

const (
	requestMaxPayload = 64 * 1024
	smallMaxPayload   = 64
	shareMaxPayload   = 8 + ed25519.SignatureSize
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type serverFlags struct {
	localID            int
	serverIDs          []int
	clientIDs          []int
	listen             string
	kvStore            string
	window             int
	consensusWindow    int
	consensusCBTail    int
	consensusBatchSize int
	fastPath           bool
	optimisticRPC      bool
	logLevel           string
	sampleApp          string
}

func newRootCmd() *cobra.Command {
	var flags serverFlags

	cmd := &cobra.Command{
		Use:   "ubft-server",
		Short: "Run one replica of the uBFT agreement engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.localID, "local-id", 0, "this replica's ProcId (required)")
	cmd.Flags().IntSliceVar(&flags.serverIDs, "server-id", nil, "the list of replica ids (required)")
	cmd.Flags().IntSliceVar(&flags.clientIDs, "client-id", []int{100}, "client ids this replica accepts requests from")
	cmd.Flags().StringVar(&flags.listen, "listen", "127.0.0.1:0", "address this replica's fabric server binds to")
	cmd.Flags().StringVar(&flags.kvStore, "kv-store", "127.0.0.1:9000", "bootstrap key-value store address")
	cmd.Flags().IntVar(&flags.window, "window", 8, "tail / client window")
	cmd.Flags().IntVar(&flags.consensusWindow, "consensus-window", 8, "consensus instance/checkpoint tail")
	cmd.Flags().IntVar(&flags.consensusCBTail, "consensus-cb-tail", 8, "TCB and certifier stream tail")
	cmd.Flags().IntVar(&flags.consensusBatchSize, "consensus-batch-size", 4, "max requests packed per proposal")
	cmd.Flags().BoolVar(&flags.fastPath, "fast-path", true, "enable the fast (optimistic) certification path; --fast-path=false forces signed quorum certificates")
	cmd.Flags().BoolVar(&flags.optimisticRPC, "optimistic-rpc", true, "accept requests once peers echo them, without waiting for a client signature")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "zerolog level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.sampleApp, "sample-app", "echo", "sample application to execute decided requests against: echo, flip, kv")
	cmd.MarkFlagRequired("server-id")

	return cmd
}

func runServer(ctx context.Context, flags serverFlags) error {
	level, err := zerolog.ParseLevel(flags.logLevel)
	if err != nil {
		return fmt.Errorf("ubft-server: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Int("replica", flags.localID).Logger()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	self := cryptoutil.ProcID(flags.localID)
	replicas := toProcIDs(flags.serverIDs)
	clients := toProcIDs(flags.clientIDs)
	others := otherPeers(append(append([]cryptoutil.ProcID{}, replicas...), clients...), self)

	window := uint64(flags.window)
	cbTail := uint64(flags.consensusCBTail)

	log.Info().Str("kv_store", flags.kvStore).Msg("bootstrapping cluster identity")
	cluster, err := topo.Bootstrap(ctx, flags.kvStore, flags.listen, self, others)
	if err != nil {
		return fmt.Errorf("ubft-server: bootstrap: %w", err)
	}
	defer cluster.Close()

	otherReplicas := otherPeers(replicas, self)

	server, err := buildRPCServer(cluster, self, replicas, clients, window, flags.optimisticRPC)
	if err != nil {
		return fmt.Errorf("ubft-server: wire rpc server: %w", err)
	}

	pool := workpool.New(4, 64, 256)
	own, err := buildOwnBroadcaster(cluster, self, otherReplicas, cbTail, pool)
	if err != nil {
		return fmt.Errorf("ubft-server: wire own broadcast stream: %w", err)
	}
	receivers, err := buildTCBReceivers(cluster, self, replicas, cbTail, pool)
	if err != nil {
		return fmt.Errorf("ubft-server: wire tcb receivers: %w", err)
	}
	fastCommitOut, fastCommitIn, err := buildFastCommitChannels(cluster, self, replicas, cbTail)
	if err != nil {
		return fmt.Errorf("ubft-server: wire fast-commit channels: %w", err)
	}

	prepareCert, err := buildCertifier(cluster, self, otherReplicas, cbTail, pool, "prepare", flags.fastPath, !flags.fastPath)
	if err != nil {
		return fmt.Errorf("ubft-server: wire prepare certifier: %w", err)
	}
	// The checkpoint and view-change certifiers need a transferable
	// Certificate, not a same-process promise quorum, so both are forced
	// slow-path-only regardless of --fast-path, matching
	// original_source/ubft/src/consensus/consensus.hpp's constructor,
	// which forces the same on checkpoint_certifier and every
	// vc_state_certifier.
	checkpointCert, err := buildCertifier(cluster, self, otherReplicas, cbTail, pool, "checkpoint", false, true)
	if err != nil {
		return fmt.Errorf("ubft-server: wire checkpoint certifier: %w", err)
	}
	vcCerts, err := buildViewChangeCertifiers(cluster, self, replicas, otherReplicas, cbTail, pool)
	if err != nil {
		return fmt.Errorf("ubft-server: wire view-change certifiers: %w", err)
	}

	engine := consensus.NewEngine(consensus.Config{
		Self: self, Replicas: replicas, Window: uint64(flags.consensusWindow),
		Own: own, Receivers: receivers,
		FastCommitOut: fastCommitOut, FastCommitIn: fastCommitIn,
		PrepareCertifier: prepareCert, CheckpointCertifier: checkpointCert, ViewChangeCertifiers: vcCerts,
		Log: server,
	})
	coord := smr.New(server, engine, flags.consensusBatchSize)

	application, err := buildApp(flags.sampleApp)
	if err != nil {
		return fmt.Errorf("ubft-server: %w", err)
	}

	if err := cluster.Ready(ctx); err != nil {
		return fmt.Errorf("ubft-server: %w", err)
	}
	log.Info().Msg("cluster ready, entering main loop")

	rec := latency.NewRecorder()
	return mainLoop(ctx, log, coord, application, rec)
}

func mainLoop(ctx context.Context, log zerolog.Logger, coord *smr.Coordinator, application app.Application, rec *latency.Recorder) error {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	reportTicker := time.NewTicker(10 * time.Second)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case <-reportTicker.C:
			snap := rec.Snapshot(latency.StageSMR)
			log.Info().Int("count", snap.Count).Dur("p50", snap.P50).Dur("p99", snap.P99).Msg("latency report")
		case <-ticker.C:
			if err := coord.Tick(); err != nil {
				if err == smr.ErrDrainInProgress {
					continue
				}
				return fmt.Errorf("ubft-server: tick: %w", err)
			}
			if err := drainDecisions(coord, application, rec); err != nil {
				return err
			}
		}
	}
}

func drainDecisions(coord *smr.Coordinator, application app.Application, rec *latency.Recorder) error {
	for {
		req, ok, err := coord.PollToExecute()
		if err != nil {
			return fmt.Errorf("ubft-server: poll to execute: %w", err)
		}
		if !ok {
			return nil
		}
		start := time.Now()
		resp, err := application.Execute(req.Payload)
		if err != nil {
			return fmt.Errorf("ubft-server: application execute: %w", err)
		}
		if err := coord.Executed(req, resp); err != nil {
			return fmt.Errorf("ubft-server: respond: %w", err)
		}
		rec.Record(latency.StageSMR, time.Since(start))

		if coord.ShouldCheckpoint() {
			digest := cryptoutil.Hash256(resp)
			if err := coord.CheckpointAppState(digest); err != nil {
				return fmt.Errorf("ubft-server: checkpoint: %w", err)
			}
		}
	}
}

func buildApp(name string) (app.Application, error) {
	switch name {
	case "echo":
		return app.Echo{}, nil
	case "flip":
		return app.NewFlip(), nil
	case "kv":
		return app.NewKV(), nil
	default:
		return nil, fmt.Errorf("unknown sample app %q", name)
	}
}

// buildRPCServer wires the per-client request/response channels and
// the per-replica echo/signed-forward mesh, matching ServerConfig's
// field-by-field wiring contract.
func buildRPCServer(cluster *topo.Cluster, self cryptoutil.ProcID, replicas, clients []cryptoutil.ProcID, window uint64, optimisticRPC bool) (*rpc.Server, error) {
	requestIn := make(map[cryptoutil.ProcID]*p2p.Receiver, len(clients))
	responseOut := make(map[cryptoutil.ProcID]*p2p.Sender, len(clients))
	for _, client := range clients {
		reqName := fmt.Sprintf("req-%d-%d", client, self)
		region := cluster.HostRegion(reqName, p2p.RegionSize(window, requestMaxPayload))
		requestIn[client] = p2p.NewReceiver(region, window, requestMaxPayload)

		respName := fmt.Sprintf("resp-%d-%d", self, client)
		endpoint, err := cluster.RemoteEndpoint(client, respName)
		if err != nil {
			return nil, err
		}
		responseOut[client] = p2p.NewSender(endpoint, window, requestMaxPayload)
	}

	var echoOut map[cryptoutil.ProcID]*p2p.Sender
	var echoIn map[cryptoutil.ProcID]*p2p.Receiver
	if optimisticRPC {
		var err error
		echoOut, echoIn, err = buildDirectedMesh(cluster, self, replicas, "rpcecho", window, smallMaxPayload)
		if err != nil {
			return nil, err
		}
	}
	signedOut, signedIn, err := buildDirectedMesh(cluster, self, replicas, "rpcsigned", window, requestMaxPayload)
	if err != nil {
		return nil, err
	}

	return rpc.NewServer(rpc.ServerConfig{
		Self: self, Replicas: replicas, Window: window,
		RequestIn: requestIn, ResponseOut: responseOut,
		EchoOut: echoOut, EchoIn: echoIn,
		SignedOut: signedOut, SignedIn: signedIn,
		Keys: cluster.Facade, Pool: workpool.New(2, 32, 128),
	}), nil
}

// buildDirectedMesh hosts one region per ordered (from, self) pair for
// every other replica and dials the matching RemoteRegion for the
// (self, to) direction, returning the resulting p2p sender/receiver
// maps keyed by peer id, as the full-mesh channels in this engine
// (rpc echo/signed, fast-commit, certifier promise/share) need; the tcb
// message and echo channels are wired by buildOwnBroadcaster and
// buildTCBReceivers instead.
func buildDirectedMesh(cluster *topo.Cluster, self cryptoutil.ProcID, peers []cryptoutil.ProcID, prefix string, window uint64, maxPayload int) (map[cryptoutil.ProcID]*p2p.Sender, map[cryptoutil.ProcID]*p2p.Receiver, error) {
	out := make(map[cryptoutil.ProcID]*p2p.Sender)
	in := make(map[cryptoutil.ProcID]*p2p.Receiver)
	for _, peer := range peers {
		if peer == self {
			continue
		}
		inName := fmt.Sprintf("%s-%d-%d", prefix, peer, self)
		region := cluster.HostRegion(inName, p2p.RegionSize(window, maxPayload))
		in[peer] = p2p.NewReceiver(region, window, maxPayload)

		outName := fmt.Sprintf("%s-%d-%d", prefix, self, peer)
		endpoint, err := cluster.RemoteEndpoint(peer, outName)
		if err != nil {
			return nil, nil, err
		}
		out[peer] = p2p.NewSender(endpoint, window, maxPayload)
	}
	return out, in, nil
}

func buildOwnBroadcaster(cluster *topo.Cluster, self cryptoutil.ProcID, otherReplicas []cryptoutil.ProcID, window uint64, pool *workpool.Pool) (*tcb.Broadcaster, error) {
	msgSenders := make(map[cryptoutil.ProcID]*p2p.Sender, len(otherReplicas))
	for _, owner := range otherReplicas {
		name := fmt.Sprintf("tcbmsg-%d-%d", self, owner)
		endpoint, err := cluster.RemoteEndpoint(owner, name)
		if err != nil {
			return nil, err
		}
		msgSenders[owner] = p2p.NewSender(endpoint, window, requestMaxPayload)
	}
	return tcb.NewBroadcaster(self, cluster.Facade, pool, window, msgSenders, nil), nil
}

// buildTCBReceivers wires one tcb.Receiver per other replica's own
// broadcast stream: the message channel from that broadcaster, and an
// echo mesh among every other receiver of the same stream. The
// signature stream and SWMR cross-check are left unwired: this
// deployment runs the fast (echo-quorum) TCB path only, matching
// consensus/engine_test.go's own fixture, which exercises fast-commit
// decisions without ever toggling a receiver's slow path.
func buildTCBReceivers(cluster *topo.Cluster, self cryptoutil.ProcID, replicas []cryptoutil.ProcID, window uint64, pool *workpool.Pool) (map[cryptoutil.ProcID]*tcb.Receiver, error) {
	receivers := make(map[cryptoutil.ProcID]*tcb.Receiver, len(replicas)-1)
	for _, bcast := range replicas {
		if bcast == self {
			continue
		}
		msgName := fmt.Sprintf("tcbmsg-%d-%d", bcast, self)
		msgRegion := cluster.HostRegion(msgName, p2p.RegionSize(window, requestMaxPayload))
		fromBroadcaster := p2p.NewReceiver(msgRegion, window, requestMaxPayload)

		var peers []cryptoutil.ProcID
		for _, o := range replicas {
			if o != bcast && o != self {
				peers = append(peers, o)
			}
		}
		echoOut := make(map[cryptoutil.ProcID]*p2p.Sender, len(peers))
		echoIn := make(map[cryptoutil.ProcID]*p2p.Receiver, len(peers))
		for _, peer := range peers {
			inName := fmt.Sprintf("tcbecho-%d-%d-%d", bcast, peer, self)
			region := cluster.HostRegion(inName, p2p.RegionSize(window, smallMaxPayload))
			echoIn[peer] = p2p.NewReceiver(region, window, smallMaxPayload)

			outName := fmt.Sprintf("tcbecho-%d-%d-%d", bcast, self, peer)
			endpoint, err := cluster.RemoteEndpoint(peer, outName)
			if err != nil {
				return nil, err
			}
			echoOut[peer] = p2p.NewSender(endpoint, window, smallMaxPayload)
		}

		receivers[bcast] = tcb.NewReceiver(tcb.ReceiverConfig{
			Self: self, Broadcaster: bcast, Peers: peers,
			Keys: cluster.Facade, Pool: pool, Window: window,
			FromBroadcaster: fromBroadcaster,
			EchoIn:          echoIn,
			EchoOut:         echoOut,
		})
	}
	return receivers, nil
}

func buildFastCommitChannels(cluster *topo.Cluster, self cryptoutil.ProcID, replicas []cryptoutil.ProcID, window uint64) (map[cryptoutil.ProcID]*p2p.Sender, map[cryptoutil.ProcID]*p2p.Receiver, error) {
	return buildDirectedMesh(cluster, self, replicas, "fastcommit", window, smallMaxPayload)
}

func buildCertifier(cluster *topo.Cluster, self cryptoutil.ProcID, otherReplicas []cryptoutil.ProcID, window uint64, pool *workpool.Pool, identifier string, enableFast, enableSlow bool) (*certifier.Certifier, error) {
	promiseOut, promiseIn, err := buildDirectedMesh(cluster, self, otherReplicas, "cert-"+identifier+"-promise", window, smallMaxPayload)
	if err != nil {
		return nil, err
	}
	shareOut, shareIn, err := buildDirectedMesh(cluster, self, otherReplicas, "cert-"+identifier+"-share", window, shareMaxPayload)
	if err != nil {
		return nil, err
	}
	c := certifier.New(certifier.Config{
		Self: self, Keys: cluster.Facade, Pool: pool, Window: window,
		StrIdentifier:    identifier,
		PromiseSenders:   promiseOut,
		PromiseReceivers: promiseIn,
		ShareSenders:     shareOut,
		ShareReceivers:   shareIn,
	})
	c.ToggleFastPath(enableFast)
	c.ToggleSlowPath(enableSlow)
	return c, nil
}

// buildViewChangeCertifiers wires one certifier per replica in replicas
// (including self), each keyed by a distinct "viewchange-<subject>"
// identifier so its commitment hash can never be confused with another
// replica's. Every replica acknowledges each sealing replica's state
// into that replica's certifier (see consensus.Engine.onSealView), and
// the certifier's own promise/share
// mesh among otherReplicas replicates the resulting certificate to
// every node — including whichever one turns out to be the next
// leader — without a dedicated forwarding channel.
func buildViewChangeCertifiers(cluster *topo.Cluster, self cryptoutil.ProcID, replicas, otherReplicas []cryptoutil.ProcID, window uint64, pool *workpool.Pool) (map[cryptoutil.ProcID]*certifier.Certifier, error) {
	vcCerts := make(map[cryptoutil.ProcID]*certifier.Certifier, len(replicas))
	for _, subject := range replicas {
		ident := fmt.Sprintf("viewchange-%d", subject)
		c, err := buildCertifier(cluster, self, otherReplicas, window, pool, ident, false, true)
		if err != nil {
			return nil, fmt.Errorf("view-change certifier for replica %d: %w", subject, err)
		}
		vcCerts[subject] = c
	}
	return vcCerts, nil
}

func toProcIDs(ids []int) []cryptoutil.ProcID {
	out := make([]cryptoutil.ProcID, len(ids))
	for i, id := range ids {
		out[i] = cryptoutil.ProcID(id)
	}
	return out
}

func otherPeers(ids []cryptoutil.ProcID, self cryptoutil.ProcID) []cryptoutil.ProcID {
	out := make([]cryptoutil.ProcID, 0, len(ids))
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
