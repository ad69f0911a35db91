// Command ubft-client bootstraps a connection to every replica named
// by --server-id and submits a small synthetic workload through
// internal/rpc.Client, reporting each call's round-trip latency.
//
// Grounded on original_source/ubft-apps/src/client.cpp's "connect to
// every server, submit N requests, wait for quorum, report latency"
// shape, reusing the same topo bootstrap helper cmd/ubft-server uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/latency"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/rpc"
	"github.com/LPD-EPFL/ubft-sub000/internal/topo"
)

const requestMaxPayload = 64 * 1024

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type clientFlags struct {
	localID   int
	serverIDs []int
	listen    string
	kvStore   string
	window    int
	logLevel  string
	requests  int
	payload   string
	tickEvery time.Duration
}

func newRootCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "ubft-client",
		Short: "Submit requests to a uBFT replica group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.localID, "local-id", 100, "this client's ProcId (required)")
	cmd.Flags().IntSliceVar(&flags.serverIDs, "server-id", nil, "the list of replica ids to submit to (required)")
	cmd.Flags().StringVar(&flags.listen, "listen", "127.0.0.1:0", "address this client's fabric server binds to")
	cmd.Flags().StringVar(&flags.kvStore, "kv-store", "127.0.0.1:9000", "bootstrap key-value store address")
	cmd.Flags().IntVar(&flags.window, "window", 8, "tail / client window")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "zerolog level (debug, info, warn, error)")
	cmd.Flags().IntVar(&flags.requests, "requests", 10, "number of requests to submit before exiting")
	cmd.Flags().StringVar(&flags.payload, "payload", "abcd", "request payload, repeated for every submitted request")
	cmd.Flags().DurationVar(&flags.tickEvery, "tick-every", 200*time.Microsecond, "how often to tick the transport while waiting for replies")
	cmd.MarkFlagRequired("server-id")

	return cmd
}

func runClient(ctx context.Context, flags clientFlags) error {
	level, err := zerolog.ParseLevel(flags.logLevel)
	if err != nil {
		return fmt.Errorf("ubft-client: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Int("client", flags.localID).Logger()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	self := cryptoutil.ProcID(flags.localID)
	servers := toProcIDs(flags.serverIDs)
	window := uint64(flags.window)

	log.Info().Str("kv_store", flags.kvStore).Msg("bootstrapping client connections")
	cluster, err := topo.Bootstrap(ctx, flags.kvStore, flags.listen, self, servers)
	if err != nil {
		return fmt.Errorf("ubft-client: bootstrap: %w", err)
	}
	defer cluster.Close()

	requestOut := make(map[cryptoutil.ProcID]*p2p.Sender, len(servers))
	responseIn := make(map[cryptoutil.ProcID]*p2p.Receiver, len(servers))
	for _, server := range servers {
		reqName := fmt.Sprintf("req-%d-%d", self, server)
		endpoint, err := cluster.RemoteEndpoint(server, reqName)
		if err != nil {
			return fmt.Errorf("ubft-client: wire request channel to %d: %w", server, err)
		}
		requestOut[server] = p2p.NewSender(endpoint, window, requestMaxPayload)

		respName := fmt.Sprintf("resp-%d-%d", server, self)
		region := cluster.HostRegion(respName, p2p.RegionSize(window, requestMaxPayload))
		responseIn[server] = p2p.NewReceiver(region, window, requestMaxPayload)
	}

	client := rpc.NewClient(rpc.ClientConfig{
		Self: self, Servers: servers, F: (len(servers) - 1) / 2,
		RequestOut: requestOut, ResponseIn: responseIn,
		Keys: cluster.Keys,
	})

	if err := cluster.Ready(ctx); err != nil {
		return fmt.Errorf("ubft-client: %w", err)
	}
	log.Info().Int("servers", len(servers)).Msg("cluster ready, submitting requests")

	rec := latency.NewRecorder()
	if err := submitWorkload(ctx, log, client, rec, flags); err != nil {
		return err
	}

	snap := rec.Snapshot(latency.StageSMR)
	log.Info().Int("count", snap.Count).Dur("p50", snap.P50).Dur("p90", snap.P90).Dur("p99", snap.P99).Dur("max", snap.Max).Msg("workload complete")
	return nil
}

func submitWorkload(ctx context.Context, log zerolog.Logger, client *rpc.Client, rec *latency.Recorder, flags clientFlags) error {
	ticker := time.NewTicker(flags.tickEvery)
	defer ticker.Stop()

	type inflight struct {
		id    uint64
		start time.Time
	}
	var pending []inflight
	submitted := 0

	for submitted < flags.requests || len(pending) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ubft-client: interrupted with %d requests still pending", len(pending))
		case <-ticker.C:
			if submitted < flags.requests {
				id, err := client.Submit([]byte(flags.payload))
				if err != nil {
					return fmt.Errorf("ubft-client: submit request %d: %w", submitted, err)
				}
				pending = append(pending, inflight{id: id, start: time.Now()})
				submitted++
			}
			if err := client.Tick(); err != nil {
				return fmt.Errorf("ubft-client: tick: %w", err)
			}
			remaining := pending[:0]
			for _, call := range pending {
				if resp, ok := client.PollResult(call.id); ok {
					rec.Record(latency.StageSMR, time.Since(call.start))
					log.Debug().Uint64("request", call.id).Int("bytes", len(resp)).Dur("latency", time.Since(call.start)).Msg("response received")
					continue
				}
				remaining = append(remaining, call)
			}
			pending = remaining
		}
	}
	return nil
}

func toProcIDs(ids []int) []cryptoutil.ProcID {
	out := make([]cryptoutil.ProcID, len(ids))
	for i, id := range ids {
		out[i] = cryptoutil.ProcID(id)
	}
	return out
}
