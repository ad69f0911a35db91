package smr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LPD-EPFL/ubft-sub000/internal/certifier"
	"github.com/LPD-EPFL/ubft-sub000/internal/consensus"
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/rdmasim"
	"github.com/LPD-EPFL/ubft-sub000/internal/rpc"
	"github.com/LPD-EPFL/ubft-sub000/internal/tcb"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

const (
	smrTestWindow     uint64 = 8
	smrTestMaxPayload        = 256
	smrReplicaID             = cryptoutil.ProcID(0)
	smrClientID              = cryptoutil.ProcID(100)
)

// smrFixture is a single-replica deployment: with no peers, the
// echo-based RPC fast path is structurally unreachable (totalFollowers
// is 0), so requests only become proposable through the signed slow
// path, and consensus's fast-commit and certificate quorums are both
// trivially satisfied by this replica's own vote.
type smrFixture struct {
	coord  *Coordinator
	client *rpc.Client
}

func newChannel(t *testing.T, name string) (*p2p.Sender, *p2p.Receiver) {
	t.Helper()
	region := rdmasim.NewRegion(name, p2p.RegionSize(smrTestWindow, smrTestMaxPayload))
	return p2p.NewSender(region, smrTestWindow, smrTestMaxPayload), p2p.NewReceiver(region, smrTestWindow, smrTestMaxPayload)
}

func newSMRFixture(t *testing.T) *smrFixture {
	t.Helper()

	replicaKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	clientKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	replicaFacade := cryptoutil.NewFacade(replicaKeys)
	replicaFacade.SetPeerKey(smrClientID, clientKeys.Public)

	reqSender, reqReceiver := newChannel(t, "req")
	respSender, respReceiver := newChannel(t, "resp")

	rpcPool := workpool.New(2, 8, 32)
	server := rpc.NewServer(rpc.ServerConfig{
		Self:        smrReplicaID,
		Replicas:    []cryptoutil.ProcID{smrReplicaID},
		Window:      smrTestWindow,
		RequestIn:   map[cryptoutil.ProcID]*p2p.Receiver{smrClientID: reqReceiver},
		ResponseOut: map[cryptoutil.ProcID]*p2p.Sender{smrClientID: respSender},
		Keys:        replicaFacade,
		Pool:        rpcPool,
	})
	server.SetLeader(true)

	tcbPool := workpool.New(2, 8, 32)
	own := tcb.NewBroadcaster(smrReplicaID, replicaFacade, tcbPool, smrTestWindow, nil, nil)

	prepareCert := certifier.New(certifier.Config{
		Self: smrReplicaID, Keys: replicaFacade, Pool: workpool.New(2, 8, 32), Window: smrTestWindow,
		StrIdentifier: "prepare",
	})
	checkpointCert := certifier.New(certifier.Config{
		Self: smrReplicaID, Keys: replicaFacade, Pool: workpool.New(2, 8, 32), Window: smrTestWindow,
		StrIdentifier: "checkpoint",
	})
	vcCert := certifier.New(certifier.Config{
		Self: smrReplicaID, Keys: replicaFacade, Pool: workpool.New(2, 8, 32), Window: smrTestWindow,
		StrIdentifier: "viewchange-0",
	})

	engine := consensus.NewEngine(consensus.Config{
		Self: smrReplicaID, Replicas: []cryptoutil.ProcID{smrReplicaID}, Window: smrTestWindow,
		Own:                  own,
		PrepareCertifier:     prepareCert,
		CheckpointCertifier:  checkpointCert,
		ViewChangeCertifiers: map[cryptoutil.ProcID]*certifier.Certifier{smrReplicaID: vcCert},
		Log:                  server,
	})

	coord := New(server, engine, 4)

	client := rpc.NewClient(rpc.ClientConfig{
		Self:       smrClientID,
		Servers:    []cryptoutil.ProcID{smrReplicaID},
		F:          0,
		RequestOut: map[cryptoutil.ProcID]*p2p.Sender{smrReplicaID: reqSender},
		ResponseIn: map[cryptoutil.ProcID]*p2p.Receiver{smrReplicaID: respReceiver},
		Keys:       clientKeys,
	})

	return &smrFixture{coord: coord, client: client}
}

func (f *smrFixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.client.Tick())
	require.NoError(t, f.coord.Tick())
}

func TestCoordinatorProposesAndDecidesSignedRequest(t *testing.T) {
	f := newSMRFixture(t)

	id, err := f.client.Submit([]byte("hello"))
	require.NoError(t, err)

	var executed bool
	for i := 0; i < 50 && !executed; i++ {
		f.tick(t)
		for {
			req, ok, err := f.coord.PollToExecute()
			require.NoError(t, err)
			if !ok {
				break
			}
			require.Equal(t, smrClientID, req.Client)
			require.Equal(t, id, req.ID)
			require.Equal(t, "hello", string(req.Payload))
			require.NoError(t, f.coord.Executed(req, []byte("world")))
			executed = true
		}
	}
	require.True(t, executed, "request should have been proposed, decided and drained")

	var resp []byte
	for i := 0; i < 20; i++ {
		f.tick(t)
		if r, ok := f.client.PollResult(id); ok {
			resp = r
			break
		}
	}
	require.Equal(t, "world", string(resp))
}

func TestCoordinatorTickRejectedWhileDraining(t *testing.T) {
	f := newSMRFixture(t)
	_, err := f.client.Submit([]byte("x"))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		f.tick(t)
		if _, ok, err := f.coord.PollToExecute(); err == nil && ok {
			// decision arrived and partially drained; Tick must now refuse
			// until the batch is fully drained, since its backing memory
			// (consensus's decided-instance buffer) must stay alive.
			require.ErrorIs(t, f.coord.Tick(), ErrDrainInProgress)
			return
		}
	}
	t.Fatal("expected a decision to arrive within 50 ticks")
}

func TestCoordinatorCheckpointAfterDrain(t *testing.T) {
	f := newSMRFixture(t)

	// Propose enough requests to cross the checkpoint instance (instance
	// index window/2 = 4, the 5th decided instance).
	for i := 0; i < 5; i++ {
		_, err := f.client.Submit([]byte("r"))
		require.NoError(t, err)
	}

	drained := 0
	var sawCheckpoint bool
	for i := 0; i < 200 && drained < 5; i++ {
		f.tick(t)
		for {
			req, ok, err := f.coord.PollToExecute()
			require.NoError(t, err)
			if !ok {
				break
			}
			require.NoError(t, f.coord.Executed(req, []byte("ack")))
			drained++
			if f.coord.ShouldCheckpoint() {
				sawCheckpoint = true
				require.NoError(t, f.coord.CheckpointAppState(cryptoutil.Hash256([]byte("state"))))
				require.False(t, f.coord.ShouldCheckpoint())
			}
		}
	}
	require.Equal(t, 5, drained)
	require.True(t, sawCheckpoint, "one of the first 5 decided instances should have asked for a checkpoint")
}

func TestCoordinatorCheckpointWithoutDecisionErrors(t *testing.T) {
	f := newSMRFixture(t)
	err := f.coord.CheckpointAppState(cryptoutil.Hash256([]byte("state")))
	require.Error(t, err)
}
