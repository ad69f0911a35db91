package consensus

import (
	"github.com/LPD-EPFL/ubft-sub000/internal/certifier"
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
)

// viewChangeState is held by the next leader while it gathers view-
// change state certificates from a quorum of replicas, one per sealed
// replica. Grounded on view-change.hpp's ViewChangeState.
type viewChangeState struct {
	sealedView   View
	certificates map[cryptoutil.ProcID]certifier.Certificate
}

func newViewChangeState(sealedView View) *viewChangeState {
	return &viewChangeState{sealedView: sealedView, certificates: make(map[cryptoutil.ProcID]certifier.Certificate)}
}

func (v *viewChangeState) add(sealedReplica cryptoutil.ProcID, cert certifier.Certificate) {
	v.certificates[sealedReplica] = cert
}

func (v *viewChangeState) ready(quorum int) bool { return len(v.certificates) >= quorum }

func (v *viewChangeState) buildNewView() NewViewMessage {
	return NewViewMessage{NewView: v.sealedView + 1, Certificates: v.certificates}
}

// validValues recomputes, from a NewView's bundle of serialized-state
// certificates, the proposal that MUST be re-proposed at every
// instance: the one from the highest view among all certified
// commits. Grounded on messages.hpp's NewViewMessage::validValues.
func validValues(nv NewViewMessage) map[Instance]struct {
	View     View
	Proposal []byte
} {
	best := make(map[Instance]struct {
		View     View
		Proposal []byte
	})
	for _, cert := range nv.Certificates {
		commits, err := decodeSerializedState(cert.Message)
		if err != nil {
			continue
		}
		for _, c := range commits {
			cur, ok := best[c.Instance]
			if !ok || cur.View < c.View {
				best[c.Instance] = struct {
					View     View
					Proposal []byte
				}{View: c.View, Proposal: c.Proposal}
			}
		}
	}
	return best
}
