package mailbox

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"go.uber.org/zap"

	"dmarcwatch/internal/batch"
	"dmarcwatch/internal/report"
)

// imapConn is the slice of the IMAP client that discovery and reconciliation
// use. *client.Client implements it; tests substitute an in-memory fake.
type imapConn interface {
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	Create(name string) error
	Expunge(ch chan uint32) error
}

// reconcileAction is the terminal mailbox operation for one message.
type reconcileAction int

const (
	actionLeave reconcileAction = iota
	actionDelete
	actionArchive
	actionQuarantine
	actionFlag
)

// actionFor decides what happens to a message once its parse outcome is
// known. Failed messages are never deleted; messages with no recognized
// payload are archived or flagged so they are not fetched again.
func actionFor(outcome *report.Outcome, opts Options) reconcileAction {
	switch {
	case outcome.Parsed():
		if opts.DeleteProcessed {
			return actionDelete
		}
		return actionArchive
	case outcome.Failure != nil:
		if opts.QuarantineFolder == "" {
			return actionLeave
		}
		return actionQuarantine
	default:
		if opts.EmptyMessageAction == EmptyActionFlag {
			return actionFlag
		}
		return actionArchive
	}
}

func outcomeLabel(outcome *report.Outcome) string {
	switch {
	case outcome.Parsed():
		return "parsed"
	case outcome.Failure != nil:
		return "failed"
	default:
		return "empty"
	}
}

// cycle runs one discover, process, reconcile pass over the selected folder.
// Reconciliation only starts once every message has a terminal outcome, so a
// crash mid-parse reprocesses the batch instead of losing it.
func (w *Watcher) cycle(ctx context.Context) ([]*report.Outcome, error) {
	w.setState(stateFetching)

	uids, err := w.searchUnseen()
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		w.setState(stateSelected)
		return nil, nil
	}
	w.metrics.RecordBatch(len(uids))
	w.logger.Info("Discovered messages", zap.Int("count", len(uids)))

	messages, err := w.fetchMessages(uids)
	if err != nil {
		return nil, err
	}

	w.setState(stateProcessing)
	outcomes, err := w.dispatcher.Process(ctx, messages, "imap")
	if err != nil {
		return nil, err
	}

	if w.opts.OnOutcome != nil {
		for _, outcome := range outcomes {
			w.opts.OnOutcome(outcome)
		}
	}

	// Cancellation before this point must leave the mailbox untouched.
	if err := ctx.Err(); err != nil {
		return outcomes, err
	}

	w.setState(stateReconciling)
	w.reconcile(uids, outcomes)

	w.setState(stateSelected)
	return outcomes, nil
}

// searchUnseen enumerates unprocessed messages in stable server order.
func (w *Watcher) searchUnseen() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := w.ops.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return uids, nil
}

// fetchMessages pulls the raw bytes for every UID, preserving discovery
// order. Bodies are fetched with peek so flags stay unchanged until
// reconciliation.
func (w *Watcher) fetchMessages(uids []uint32) ([]batch.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	fetched := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- w.ops.UidFetch(seqSet, items, fetched)
	}()

	raws := make(map[uint32][]byte, len(uids))
	for msg := range fetched {
		body := msg.GetBody(section)
		if body == nil {
			w.logger.Warn("Message has no body section", zap.Uint32("uid", msg.Uid))
			continue
		}
		data, err := io.ReadAll(body)
		if err != nil {
			w.logger.Warn("Failed to read message body",
				zap.Uint32("uid", msg.Uid),
				zap.Error(err),
			)
			continue
		}
		raws[msg.Uid] = data
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	messages := make([]batch.Message, 0, len(uids))
	for _, uid := range uids {
		raw, ok := raws[uid]
		if !ok {
			// Expunged between search and fetch.
			continue
		}
		messages = append(messages, batch.Message{
			ID:  fmt.Sprintf("%d", uid),
			Raw: raw,
		})
	}
	return messages, nil
}

// reconcile applies the terminal action for each message. Individual move or
// store errors are logged and counted, never fatal, so one stubborn message
// cannot stall the rest of the batch.
func (w *Watcher) reconcile(uids []uint32, outcomes []*report.Outcome) {
	byID := make(map[string]uint32, len(uids))
	for _, uid := range uids {
		byID[fmt.Sprintf("%d", uid)] = uid
	}

	needExpunge := false
	for _, outcome := range outcomes {
		uid, ok := byID[outcome.MessageID]
		if !ok {
			continue
		}
		w.metrics.RecordOutcome(outcomeLabel(outcome))

		var err error
		switch actionFor(outcome, w.opts) {
		case actionDelete:
			err = w.addFlags(uid, imap.SeenFlag, imap.DeletedFlag)
			needExpunge = needExpunge || err == nil
		case actionArchive:
			err = w.moveTo(uid, w.opts.ArchiveFolder)
		case actionQuarantine:
			err = w.moveTo(uid, w.opts.QuarantineFolder)
		case actionFlag:
			err = w.addFlags(uid, imap.SeenFlag, imap.FlaggedFlag)
		case actionLeave:
			err = w.addFlags(uid, imap.SeenFlag)
		}

		if err != nil {
			w.metrics.ReconcileErrorsTotal.Inc()
			w.logger.Error("Failed to reconcile message",
				zap.Uint32("uid", uid),
				zap.String("outcome", outcomeLabel(outcome)),
				zap.Error(err),
			)
		}
	}

	if needExpunge {
		if err := w.ops.Expunge(nil); err != nil {
			w.metrics.ReconcileErrorsTotal.Inc()
			w.logger.Error("Failed to expunge deleted messages", zap.Error(err))
		}
	}
}

func (w *Watcher) addFlags(uid uint32, flags ...string) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	items := make([]interface{}, len(flags))
	for i, flag := range flags {
		items[i] = flag
	}
	return w.ops.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), items, nil)
}

// moveTo moves one message into folder, creating it on first use. When the
// server rejects a nested folder name, the alternate hierarchy separator is
// substituted and remembered.
func (w *Watcher) moveTo(uid uint32, folder string) error {
	resolved, err := w.ensureFolder(folder)
	if err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	return w.ops.UidMove(seqSet, resolved)
}

func (w *Watcher) ensureFolder(folder string) (string, error) {
	if w.resolvedFolders == nil {
		w.resolvedFolders = make(map[string]string)
	}
	if resolved, ok := w.resolvedFolders[folder]; ok {
		return resolved, nil
	}

	name := normalizeFolder(folder, w.separator)
	err := w.ops.Create(name)
	if err != nil && !alreadyExists(err) {
		alt := swapSeparator(name, w.separator)
		if alt != name {
			if altErr := w.ops.Create(alt); altErr == nil || alreadyExists(altErr) {
				w.logger.Debug("Folder separator fallback",
					zap.String("folder", folder),
					zap.String("resolved", alt),
				)
				w.resolvedFolders[folder] = alt
				return alt, nil
			}
		}
		return "", fmt.Errorf("create folder %s: %w", name, err)
	}

	w.resolvedFolders[folder] = name
	return name, nil
}

// normalizeFolder rewrites a slash-addressed folder path with the server's
// hierarchy separator.
func normalizeFolder(folder, separator string) string {
	if separator == "" || separator == "/" {
		return folder
	}
	return strings.ReplaceAll(folder, "/", separator)
}

// swapSeparator substitutes the alternate hierarchy separator.
func swapSeparator(folder, separator string) string {
	switch separator {
	case ".":
		return strings.ReplaceAll(folder, ".", "/")
	default:
		return strings.ReplaceAll(folder, separator, ".")
	}
}

func alreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "alreadyexists")
}
