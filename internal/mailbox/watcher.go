// Package mailbox owns the long-lived IMAP session that discovers report
// messages, drives them through parsing and reconciles the mailbox once a
// whole batch has reached terminal outcomes.
package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"dmarcwatch/internal/batch"
	"dmarcwatch/internal/metrics"
	"dmarcwatch/internal/report"
)

// Watcher states. The connection handle is only valid in states at or past
// stateSelected; any transport error drops back to stateDisconnected.
type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateSelected
	stateIdleWait
	stateFetching
	stateProcessing
	stateReconciling
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateSelected:
		return "selected"
	case stateIdleWait:
		return "idle_wait"
	case stateFetching:
		return "fetching"
	case stateProcessing:
		return "processing"
	case stateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Actions taken on messages with no recognized report payload.
const (
	EmptyActionArchive = "archive"
	EmptyActionFlag    = "flag"
)

// Options configures one watcher.
type Options struct {
	Host       string
	Port       int
	Username   string
	Password   string
	TLS        bool
	SkipVerify bool

	Mailbox          string
	ArchiveFolder    string
	QuarantineFolder string

	// DeleteProcessed deletes parsed messages instead of archiving them.
	DeleteProcessed bool
	// EmptyMessageAction is EmptyActionArchive or EmptyActionFlag.
	EmptyMessageAction string

	// Watch keeps the session open and waits for server pushes; otherwise
	// the watcher terminates after one discover, process, reconcile cycle.
	Watch bool
	// IdleRefresh bounds how long one IDLE command may run before it is
	// reissued. Must stay under the server's idle-session timeout.
	IdleRefresh time.Duration

	Timeout        time.Duration
	ConnectRetries int
	RetryBase      time.Duration
	RetryMax       time.Duration

	// OnOutcome receives every terminal outcome in discovery order.
	OnOutcome func(*report.Outcome)
}

func (o *Options) applyDefaults() {
	if o.Port == 0 {
		o.Port = 993
	}
	if o.Mailbox == "" {
		o.Mailbox = "INBOX"
	}
	if o.ArchiveFolder == "" {
		o.ArchiveFolder = "Archive"
	}
	if o.QuarantineFolder == "" {
		o.QuarantineFolder = "Invalid"
	}
	if o.EmptyMessageAction == "" {
		o.EmptyMessageAction = EmptyActionArchive
	}
	if o.IdleRefresh <= 0 || o.IdleRefresh > 29*time.Minute {
		// RFC 2177 allows servers to drop sessions idle past 30 minutes.
		o.IdleRefresh = 24 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Minute
	}
}

// Watcher drives the mailbox state machine. It owns the connection
// exclusively; nothing else touches the IMAP session.
type Watcher struct {
	opts       Options
	dispatcher *batch.Dispatcher
	logger     *zap.Logger
	metrics    *metrics.WatcherMetrics

	conn            *client.Client
	ops             imapConn
	separator       string
	state           state
	resolvedFolders map[string]string
}

// New creates a watcher. Run or RunOnce must be called from a single
// goroutine.
func New(opts Options, dispatcher *batch.Dispatcher, logger *zap.Logger) *Watcher {
	opts.applyDefaults()
	return &Watcher{
		opts:       opts,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics.NewWatcherMetrics(),
		separator:  "/",
		state:      stateDisconnected,
	}
}

// Run watches the mailbox until the context is cancelled. Transport errors
// tear the session down and reconnect; they are never returned to the
// caller.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := w.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("Mailbox session failed, reconnecting", zap.Error(err))
		}
		w.disconnect()

		select {
		case <-time.After(w.opts.RetryBase):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single discover, process, reconcile cycle and returns
// the accumulated outcomes. Cancellation before reconciliation leaves the
// mailbox untouched.
func (w *Watcher) RunOnce(ctx context.Context) ([]*report.Outcome, error) {
	defer w.disconnect()

	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	if err := w.selectFolder(); err != nil {
		return nil, err
	}
	return w.cycle(ctx)
}

// session runs one connected lifetime: select, then cycle and idle until the
// context ends or the transport fails.
func (w *Watcher) session(ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		return err
	}
	if err := w.selectFolder(); err != nil {
		return err
	}

	for {
		if _, err := w.cycle(ctx); err != nil {
			return err
		}
		if !w.opts.Watch {
			return nil
		}
		if err := w.idleWait(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// connect opens a fresh authenticated session with bounded backoff. A failed
// attempt never leaves a half-open connection behind.
func (w *Watcher) connect(ctx context.Context) error {
	w.setState(stateConnecting)

	return retryWithBackoff(ctx, w.opts.ConnectRetries, w.opts.RetryBase, w.opts.RetryMax, func() error {
		conn, err := w.dial()
		if err != nil {
			w.metrics.RecordConnection(false)
			w.logger.Warn("Mailbox connection attempt failed", zap.Error(err))
			return err
		}
		if err := conn.Login(w.opts.Username, w.opts.Password); err != nil {
			w.metrics.RecordConnection(false)
			conn.Logout()
			return fmt.Errorf("login: %w", err)
		}

		w.metrics.RecordConnection(true)
		w.conn = conn
		w.ops = conn
		w.logger.Info("Connected to mailbox",
			zap.String("host", w.opts.Host),
			zap.Int("port", w.opts.Port),
			zap.String("username", w.opts.Username),
		)
		return nil
	})
}

func (w *Watcher) dial() (*client.Client, error) {
	address := fmt.Sprintf("%s:%d", w.opts.Host, w.opts.Port)
	tlsConfig := &tls.Config{
		ServerName:         w.opts.Host,
		InsecureSkipVerify: w.opts.SkipVerify,
	}

	if w.opts.TLS {
		conn, err := client.DialTLS(address, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		conn.Timeout = w.opts.Timeout
		return conn, nil
	}

	conn, err := client.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.Timeout = w.opts.Timeout

	if caps, err := conn.Capability(); err == nil && caps["STARTTLS"] {
		if err := conn.StartTLS(tlsConfig); err != nil {
			w.logger.Warn("Failed to start TLS", zap.Error(err))
		}
	}
	return conn, nil
}

// selectFolder opens the watched folder and probes the hierarchy separator
// used to address the archive and quarantine folders.
func (w *Watcher) selectFolder() error {
	w.separator = w.probeSeparator()
	// Resolved folder names depend on the probed separator.
	w.resolvedFolders = nil

	status, err := w.conn.Select(w.opts.Mailbox, false)
	if err != nil {
		return fmt.Errorf("select %s: %w", w.opts.Mailbox, err)
	}
	w.setState(stateSelected)
	w.logger.Debug("Selected mailbox",
		zap.String("mailbox", w.opts.Mailbox),
		zap.Uint32("messages", status.Messages),
		zap.String("separator", w.separator),
	)
	return nil
}

// probeSeparator asks the server for its hierarchy delimiter. Servers that
// refuse the LIST probe get the conventional slash.
func (w *Watcher) probeSeparator() string {
	mailboxes := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() {
		done <- w.conn.List("", "", mailboxes)
	}()

	separator := "/"
	for info := range mailboxes {
		if info.Delimiter != "" {
			separator = info.Delimiter
		}
	}
	if err := <-done; err != nil {
		w.logger.Debug("Separator probe failed, using fallback", zap.Error(err))
	}
	return separator
}

// idleWait blocks for a server push, reissuing IDLE before the refresh
// horizon so the server never expires the session.
func (w *Watcher) idleWait(ctx context.Context) error {
	w.setState(stateIdleWait)

	updates := make(chan client.Update, 16)
	w.conn.Updates = updates
	defer func() { w.conn.Updates = nil }()

	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- w.conn.Idle(stop, &client.IdleOptions{
			LogoutTimeout: w.opts.IdleRefresh,
			PollInterval:  w.opts.IdleRefresh,
		})
	}()

	stopped := false
	stopIdle := func() {
		if !stopped {
			close(stop)
			stopped = true
		}
	}
	defer stopIdle()

	for {
		select {
		case update := <-updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				w.logger.Debug("Mailbox update received")
				stopIdle()
				return <-idleDone
			}
		case err := <-idleDone:
			return err
		case <-ctx.Done():
			stopIdle()
			<-idleDone
			return ctx.Err()
		}
	}
}

func (w *Watcher) disconnect() {
	if w.conn != nil {
		if err := w.conn.Logout(); err != nil {
			w.logger.Debug("Logout failed", zap.Error(err))
		}
		w.conn = nil
		w.ops = nil
	}
	w.setState(stateDisconnected)
}

func (w *Watcher) setState(s state) {
	if w.state != s {
		w.logger.Debug("Watcher state change",
			zap.Stringer("from", w.state),
			zap.Stringer("to", s),
		)
		w.state = s
	}
}
