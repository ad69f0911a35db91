package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/rdmasim"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

const rpcTestTail = 64
const rpcTestMaxPayload = 4096

var rpcReplicaIDs = []cryptoutil.ProcID{0, 1, 2}

func newChannel(t *testing.T, name string) (*p2p.Sender, *p2p.Receiver) {
	t.Helper()
	region := rdmasim.NewRegion(name, p2p.RegionSize(rpcTestTail, rpcTestMaxPayload))
	return p2p.NewSender(region, rpcTestTail, rpcTestMaxPayload), p2p.NewReceiver(region, rpcTestTail, rpcTestMaxPayload)
}

type rpcFixture struct {
	servers map[cryptoutil.ProcID]*Server
	client  *Client
}

// newRPCFixture wires 3 replica servers and one client: one
// request/response channel pair per (client, server), and a full echo
// + signed-forward mesh among the 3 replicas.
func newRPCFixture(t *testing.T) *rpcFixture {
	t.Helper()
	const clientID = cryptoutil.ProcID(100)

	requestOut := make(map[cryptoutil.ProcID]*p2p.Sender)  // client -> server
	responseIn := make(map[cryptoutil.ProcID]*p2p.Receiver) // client side, keyed by server

	requestIn := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Receiver)  // server -> (keyed by client)
	responseOut := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Sender)  // server -> (keyed by client)

	for _, s := range rpcReplicaIDs {
		reqSender, reqRecv := newChannel(t, "req")
		respSender, respRecv := newChannel(t, "resp")
		requestOut[s] = reqSender
		responseIn[s] = respRecv
		requestIn[s] = map[cryptoutil.ProcID]*p2p.Receiver{clientID: reqRecv}
		responseOut[s] = map[cryptoutil.ProcID]*p2p.Sender{clientID: respSender}
	}

	echoOut := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Sender)
	echoIn := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Receiver)
	signedOut := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Sender)
	signedIn := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Receiver)
	for _, a := range rpcReplicaIDs {
		echoOut[a] = make(map[cryptoutil.ProcID]*p2p.Sender)
		echoIn[a] = make(map[cryptoutil.ProcID]*p2p.Receiver)
		signedOut[a] = make(map[cryptoutil.ProcID]*p2p.Sender)
		signedIn[a] = make(map[cryptoutil.ProcID]*p2p.Receiver)
	}
	for _, a := range rpcReplicaIDs {
		for _, b := range rpcReplicaIDs {
			if a == b {
				continue
			}
			es, er := newChannel(t, "echo")
			echoOut[a][b] = es
			echoIn[b][a] = er
			ss, sr := newChannel(t, "signed")
			signedOut[a][b] = ss
			signedIn[b][a] = sr
		}
	}

	servers := make(map[cryptoutil.ProcID]*Server)
	for _, id := range rpcReplicaIDs {
		servers[id] = NewServer(ServerConfig{
			Self:        id,
			Replicas:    rpcReplicaIDs,
			Window:      rpcTestTail,
			RequestIn:   requestIn[id],
			ResponseOut: responseOut[id],
			EchoOut:     echoOut[id],
			EchoIn:      echoIn[id],
			SignedOut:   signedOut[id],
			SignedIn:    signedIn[id],
			Pool:        workpool.New(2, 8, 32),
		})
	}
	servers[rpcReplicaIDs[0]].SetLeader(true)

	client := NewClient(ClientConfig{
		Self:       clientID,
		Servers:    rpcReplicaIDs,
		F:          1,
		RequestOut: requestOut,
		ResponseIn: responseIn,
	})

	return &rpcFixture{servers: servers, client: client}
}

func (f *rpcFixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.client.Tick())
	for _, s := range f.servers {
		require.NoError(t, s.Tick())
	}
}

func TestSubmitReachesEveryServerAndEchoesToFastPathQuorum(t *testing.T) {
	f := newRPCFixture(t)
	_, err := f.client.Submit([]byte("hello"))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		f.tick(t)
	}

	leader := f.servers[rpcReplicaIDs[0]]
	req, ok := leader.PollProposable()
	require.True(t, ok)
	require.Equal(t, "hello", string(req.Payload))

	for _, id := range rpcReplicaIDs {
		r, ok := f.servers[id].PollReceived()
		require.True(t, ok, "replica %d should have received the request", id)
		require.Equal(t, "hello", string(r.Payload))
	}
}

func TestClientCollectsQuorumOfIdenticalResponses(t *testing.T) {
	f := newRPCFixture(t)
	id, err := f.client.Submit([]byte("ping"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		f.tick(t)
	}
	for _, server := range rpcReplicaIDs {
		require.NoError(t, f.servers[server].Executed(100, id, []byte("pong")))
	}
	for i := 0; i < 10; i++ {
		f.tick(t)
	}

	resp, ok := f.client.PollResult(id)
	require.True(t, ok)
	require.Equal(t, "pong", string(resp))
}

func TestClientTickErrorsOnDisagreeingResponses(t *testing.T) {
	f := newRPCFixture(t)
	id, err := f.client.Submit([]byte("ping"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		f.tick(t)
	}

	require.NoError(t, f.servers[rpcReplicaIDs[0]].Executed(100, id, []byte("pong")))
	require.NoError(t, f.servers[rpcReplicaIDs[1]].Executed(100, id, []byte("WRONG")))

	err = f.client.Tick()
	require.Error(t, err)
}

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	reqs := []Request{
		{Client: 1, ID: 1, Payload: []byte("a")},
		{Client: 1, ID: 2, Payload: []byte("bb")},
	}
	decoded, err := DecodeBatch(EncodeBatch(reqs))
	require.NoError(t, err)
	require.Equal(t, reqs, decoded)
}

func TestServerAdmittedRejectsUnreceivedBatch(t *testing.T) {
	f := newRPCFixture(t)
	batch := EncodeBatch([]Request{{Client: 100, ID: 0, Payload: []byte("x")}})
	require.False(t, f.servers[rpcReplicaIDs[0]].Admitted(batch))
}

func TestServerAdmittedAcceptsReceivedBatch(t *testing.T) {
	f := newRPCFixture(t)
	_, err := f.client.Submit([]byte("hello"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		f.tick(t)
	}
	batch := EncodeBatch([]Request{{Client: 100, ID: 0, Payload: []byte("hello")}})
	require.True(t, f.servers[rpcReplicaIDs[0]].Admitted(batch))
}
