package sync

import (
	"sort"
	"time"

	"github.com/alimasry/go-mindmap-sync/doc"
)

// DefaultSkewTolerance suppresses false-positive conflicts from
// near-simultaneous writes on skewed clocks.
const DefaultSkewTolerance = time.Second

// Action says what reconciliation decided for one document.
type Action string

const (
	// ActionUpload pushes a document that exists only locally to the server.
	ActionUpload Action = "upload"
	// ActionAdopt replaces the local document with the server version.
	ActionAdopt Action = "adopt"
	// ActionKeepLocal keeps the local version; the server is updated.
	ActionKeepLocal Action = "keep_local"
)

// Decision is the reconciliation outcome for one document id.
type Decision struct {
	DocID    string
	Action   Action
	Conflict bool
}

// Resolution is the output of an offline reconciliation pass: the reconciled
// document set, the per-document decisions, and the count of documents where
// both sides had diverged beyond the skew tolerance. Conflicts are resolved
// by document-level last-write-wins; they are reported for observability,
// never surfaced as a merge UI.
type Resolution struct {
	Documents []*doc.Document
	Decisions []Decision
	Conflicts int
}

// Uploads returns the documents the caller must push to the server.
func (r Resolution) Uploads() []*doc.Document {
	var out []*doc.Document
	byID := indexByID(r.Documents)
	for _, dec := range r.Decisions {
		if dec.Action == ActionUpload || dec.Action == ActionKeepLocal {
			out = append(out, byID[dec.DocID])
		}
	}
	return out
}

// Reconcile merges a batch of locally held documents against the
// authoritative server set after an offline period. Per document id:
// present only locally means upload, present only on the server means adopt,
// present in both means the later UpdatedAt wins in full. The result is
// deterministic and idempotent: resolving the same pair again yields the
// same winners and the same conflict count.
func Reconcile(local, server []*doc.Document, skew time.Duration) Resolution {
	localByID := indexByID(local)
	serverByID := indexByID(server)

	ids := make([]string, 0, len(localByID)+len(serverByID))
	seen := make(map[string]bool)
	for _, d := range append(append([]*doc.Document{}, local...), server...) {
		if !seen[d.ID] {
			seen[d.ID] = true
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)

	var res Resolution
	for _, id := range ids {
		l, haveLocal := localByID[id]
		s, haveServer := serverByID[id]
		switch {
		case haveLocal && !haveServer:
			res.Documents = append(res.Documents, l.Clone())
			res.Decisions = append(res.Decisions, Decision{DocID: id, Action: ActionUpload})
		case !haveLocal && haveServer:
			res.Documents = append(res.Documents, s.Clone())
			res.Decisions = append(res.Decisions, Decision{DocID: id, Action: ActionAdopt})
		default:
			dec := resolvePair(l, s, skew)
			if dec.Action == ActionKeepLocal {
				res.Documents = append(res.Documents, l.Clone())
			} else {
				res.Documents = append(res.Documents, s.Clone())
			}
			if dec.Conflict {
				res.Conflicts++
			}
			res.Decisions = append(res.Decisions, dec)
		}
	}
	return res
}

func indexByID(docs []*doc.Document) map[string]*doc.Document {
	byID := make(map[string]*doc.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	return byID
}

// resolvePair applies document-level last-write-wins. Timestamps within the
// skew tolerance are treated as the same instant and the authoritative
// server copy is kept. A divergence counts as a conflict only when both
// sides changed: the server advanced its sequence past the local snapshot
// while the local copy also carries newer edits.
func resolvePair(local, server *doc.Document, skew time.Duration) Decision {
	delta := local.UpdatedAt.Sub(server.UpdatedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta <= skew {
		return Decision{DocID: local.ID, Action: ActionAdopt}
	}

	if local.UpdatedAt.After(server.UpdatedAt) {
		// Matching sequences mean the local copy only carries offline edits
		// on top of a state the server already had: a plain upload, not a
		// divergence. Differing sequences mean the server moved on too.
		return Decision{DocID: local.ID, Action: ActionKeepLocal, Conflict: server.Seq != local.Seq}
	}
	return Decision{DocID: local.ID, Action: ActionAdopt, Conflict: local.Seq > server.Seq}
}
