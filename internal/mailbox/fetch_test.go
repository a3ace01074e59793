package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-imap"
	"go.uber.org/zap/zaptest"

	"dmarcwatch/internal/batch"
	"dmarcwatch/internal/enrich"
	"dmarcwatch/internal/extract"
	"dmarcwatch/internal/parser"
	"dmarcwatch/internal/report"
)

const cycleAggregateXML = `<?xml version="1.0" encoding="UTF-8"?>
<feedback>
  <report_metadata>
    <org_name>solarmora.com</org_name>
    <email>noreply-dmarc@solarmora.com</email>
    <report_id>cycle-2023-1</report_id>
    <date_range>
      <begin>1690329600</begin>
      <end>1690415999</end>
    </date_range>
  </report_metadata>
  <policy_published>
    <domain>example.com</domain>
    <p>none</p>
  </policy_published>
  <record>
    <row>
      <source_ip>192.0.2.1</source_ip>
      <count>1</count>
      <policy_evaluated>
        <disposition>none</disposition>
        <dkim>pass</dkim>
        <spf>pass</spf>
      </policy_evaluated>
    </row>
    <identifiers>
      <header_from>example.com</header_from>
    </identifiers>
    <auth_results>
      <spf>
        <domain>example.com</domain>
        <result>pass</result>
      </spf>
    </auth_results>
  </record>
</feedback>`

// fakeConn is an in-memory imapConn. It records every operation in call
// order so tests can assert what happened to the mailbox and when.
type fakeConn struct {
	mu       sync.Mutex
	unseen   []uint32
	bodies   map[uint32][]byte
	moveErrs map[uint32]error

	calls    []string
	flags    map[uint32][]string
	moved    map[uint32]string
	created  []string
	expunged bool
}

func newFakeConn(order []uint32, bodies map[uint32][]byte) *fakeConn {
	return &fakeConn{
		unseen:   order,
		bodies:   bodies,
		moveErrs: make(map[uint32]error),
		flags:    make(map[uint32][]string),
		moved:    make(map[uint32]string),
	}
}

func (f *fakeConn) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeConn) uidsIn(seqset *imap.SeqSet) []uint32 {
	var uids []uint32
	for _, uid := range f.unseen {
		if seqset.Contains(uid) {
			uids = append(uids, uid)
		}
	}
	return uids
}

func (f *fakeConn) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.record("search")
	return append([]uint32(nil), f.unseen...), nil
}

func (f *fakeConn) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	f.record("fetch")

	var section *imap.BodySectionName
	for _, item := range items {
		if s, err := imap.ParseBodySectionName(item); err == nil {
			section = s
			break
		}
	}
	if section == nil {
		return errors.New("no body section requested")
	}
	// A real server answers a BODY.PEEK[] request with an untagged BODY[]
	// item, so the response section never carries the peek marker.
	section.Peek = false

	for _, uid := range f.uidsIn(seqset) {
		body, ok := f.bodies[uid]
		if !ok {
			continue
		}
		ch <- &imap.Message{
			Uid:  uid,
			Body: map[*imap.BodySectionName]imap.Literal{section: bytes.NewBuffer(body)},
		}
	}
	return nil
}

func (f *fakeConn) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	if ch != nil {
		close(ch)
	}
	for _, uid := range f.uidsIn(seqset) {
		f.record(fmt.Sprintf("store:%d", uid))
		f.mu.Lock()
		if flags, ok := value.([]interface{}); ok {
			for _, flag := range flags {
				if s, ok := flag.(string); ok {
					f.flags[uid] = append(f.flags[uid], s)
				}
			}
		}
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) UidMove(seqset *imap.SeqSet, dest string) error {
	for _, uid := range f.uidsIn(seqset) {
		if err, ok := f.moveErrs[uid]; ok {
			f.record(fmt.Sprintf("movefail:%d", uid))
			return err
		}
		f.record(fmt.Sprintf("move:%d", uid))
		f.mu.Lock()
		f.moved[uid] = dest
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) Create(name string) error {
	f.record("create:" + name)
	f.mu.Lock()
	f.created = append(f.created, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Expunge(ch chan uint32) error {
	if ch != nil {
		close(ch)
	}
	f.record("expunge")
	f.mu.Lock()
	f.expunged = true
	f.mu.Unlock()
	return nil
}

func testWatcher(t *testing.T, opts Options, conn *fakeConn) *Watcher {
	t.Helper()
	logger := zaptest.NewLogger(t)
	factory := func() (*parser.Parser, error) {
		cache := enrich.NewCache(nil, nil, logger)
		return parser.New(cache, extract.New(logger, ""), logger), nil
	}
	w := New(opts, batch.New(2, factory, logger), logger)
	w.ops = conn
	w.state = stateSelected
	return w
}

// isMutation reports whether a recorded call changes mailbox state.
func isMutation(call string) bool {
	return strings.HasPrefix(call, "store:") ||
		strings.HasPrefix(call, "move:") ||
		strings.HasPrefix(call, "movefail:") ||
		strings.HasPrefix(call, "create:") ||
		call == "expunge"
}

func TestCycleReconcilesAfterAllOutcomes(t *testing.T) {
	conn := newFakeConn([]uint32{1, 2, 3}, map[uint32][]byte{
		1: []byte(cycleAggregateXML),
		2: []byte("<feedback><record>"), // unparseable, quarantined
		3: []byte(cycleAggregateXML),
	})
	opts := Options{
		Mailbox:          "INBOX",
		ArchiveFolder:    "Archive",
		QuarantineFolder: "Invalid",
		OnOutcome: func(o *report.Outcome) {
			conn.record("outcome:" + o.MessageID)
		},
	}
	w := testWatcher(t, opts, conn)

	outcomes, err := w.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle() error = %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}

	if got := conn.moved[1]; got != "Archive" {
		t.Errorf("uid 1 moved to %q, want Archive", got)
	}
	if got := conn.moved[2]; got != "Invalid" {
		t.Errorf("uid 2 moved to %q, want Invalid", got)
	}
	if got := conn.moved[3]; got != "Archive" {
		t.Errorf("uid 3 moved to %q, want Archive", got)
	}

	// Every terminal outcome must be delivered before the first mailbox
	// mutation. A crash mid-parse then reprocesses the whole batch.
	lastOutcome := -1
	firstMutation := len(conn.calls)
	for i, call := range conn.calls {
		if strings.HasPrefix(call, "outcome:") && i > lastOutcome {
			lastOutcome = i
		}
		if isMutation(call) && i < firstMutation {
			firstMutation = i
		}
	}
	if lastOutcome == -1 {
		t.Fatal("no outcomes recorded")
	}
	if firstMutation < lastOutcome {
		t.Errorf("mailbox mutated at call %d before final outcome at call %d: %v",
			firstMutation, lastOutcome, conn.calls)
	}
}

func TestCycleMoveErrorDoesNotStopBatch(t *testing.T) {
	conn := newFakeConn([]uint32{1, 2, 3}, map[uint32][]byte{
		1: []byte(cycleAggregateXML),
		2: []byte("<feedback><record>"),
		3: []byte(cycleAggregateXML),
	})
	conn.moveErrs[1] = errors.New("NO [CANNOT] message locked")
	opts := Options{
		Mailbox:          "INBOX",
		ArchiveFolder:    "Archive",
		QuarantineFolder: "Invalid",
	}
	w := testWatcher(t, opts, conn)

	if _, err := w.cycle(context.Background()); err != nil {
		t.Fatalf("cycle() error = %v", err)
	}

	if _, ok := conn.moved[1]; ok {
		t.Error("uid 1 should not have moved")
	}
	if got := conn.moved[2]; got != "Invalid" {
		t.Errorf("uid 2 moved to %q, want Invalid", got)
	}
	if got := conn.moved[3]; got != "Archive" {
		t.Errorf("uid 3 moved to %q, want Archive", got)
	}
}

func TestCycleCancelledBeforeReconcileLeavesMailboxUntouched(t *testing.T) {
	conn := newFakeConn([]uint32{1, 2}, map[uint32][]byte{
		1: []byte(cycleAggregateXML),
		2: []byte(cycleAggregateXML),
	})
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{
		Mailbox:       "INBOX",
		ArchiveFolder: "Archive",
		OnOutcome: func(*report.Outcome) {
			cancel()
		},
	}
	w := testWatcher(t, opts, conn)

	outcomes, err := w.cycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cycle() error = %v, want context.Canceled", err)
	}
	if len(outcomes) != 2 {
		t.Errorf("got %d outcomes, want 2", len(outcomes))
	}

	for _, call := range conn.calls {
		if isMutation(call) {
			t.Errorf("mailbox mutated after cancellation: %s", call)
		}
	}
	if len(conn.flags) != 0 || len(conn.moved) != 0 || conn.expunged {
		t.Errorf("mailbox state changed: flags=%v moved=%v expunged=%v",
			conn.flags, conn.moved, conn.expunged)
	}
}

func TestCycleDeleteProcessedExpunges(t *testing.T) {
	conn := newFakeConn([]uint32{7}, map[uint32][]byte{
		7: []byte(cycleAggregateXML),
	})
	opts := Options{
		Mailbox:         "INBOX",
		DeleteProcessed: true,
	}
	w := testWatcher(t, opts, conn)

	if _, err := w.cycle(context.Background()); err != nil {
		t.Fatalf("cycle() error = %v", err)
	}

	flags := conn.flags[7]
	if !containsFlag(flags, imap.SeenFlag) || !containsFlag(flags, imap.DeletedFlag) {
		t.Errorf("uid 7 flags = %v, want Seen and Deleted", flags)
	}
	if !conn.expunged {
		t.Error("expunge not issued after delete")
	}
	if len(conn.moved) != 0 {
		t.Errorf("unexpected moves: %v", conn.moved)
	}
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
