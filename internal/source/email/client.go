package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

const logoutTimeout = 5 * time.Second

// RawMessage is one message as returned by UID FETCH.
type RawMessage struct {
	UID uint32

	// Subject is the decoded ENVELOPE subject, used when the message's
	// own header cannot be decoded.
	Subject string

	Raw []byte
}

// Session is an authenticated IMAP session against one account.
// Errors wrapping source.ErrConnection or source.ErrTimeout mean the
// session is unusable; any other error is a server-side refusal of a
// single command.
type Session interface {
	// Select opens a folder read-only.
	Select(ctx context.Context, folder string) error

	// Search returns the UIDs in the selected folder received on or
	// after the day of since. A zero since searches ALL.
	Search(ctx context.Context, since time.Time) ([]uint32, error)

	// Fetch retrieves ENVELOPE and BODY.PEEK[] for uids in the selected
	// folder with a single UID FETCH.
	Fetch(ctx context.Context, uids []uint32) ([]source.Result[RawMessage], error)

	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, account model.AccountConfig) (Session, error)
}

// IMAPDialer connects over implicit TLS, or STARTTLS when the account
// disables it, and logs in.
type IMAPDialer struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration

	// TLSConfig is cloned per connection. Nil uses the system roots.
	TLSConfig *tls.Config
}

// NewIMAPDialer creates a dialer with the given timeouts.
func NewIMAPDialer(dialTimeout, commandTimeout time.Duration) *IMAPDialer {
	return &IMAPDialer{
		DialTimeout:    dialTimeout,
		CommandTimeout: commandTimeout,
	}
}

// Dial connects to the account's server and authenticates. The TCP
// connect, greeting, TLS negotiation and LOGIN share the dial timeout. A
// rejected login is returned as *source.AuthError.
func (d *IMAPDialer) Dial(
	ctx context.Context, account model.AccountConfig,
) (Session, error) {
	addr := account.Addr()

	dctx, cancel := withTimeout(ctx, d.DialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, transportError(ctx, dctx, err))
	}

	tlsConfig := &tls.Config{}
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = account.Host
	}

	options := &imapclient.Options{
		TLSConfig: tlsConfig,
		WordDecoder: &mime.WordDecoder{
			CharsetReader: charset.Reader,
		},
	}

	// imapclient manages read deadlines itself, so a stalled server is
	// cut off by closing the connection.
	stop := context.AfterFunc(dctx, func() {
		_ = conn.Close()
	})

	var client *imapclient.Client
	if account.UseTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(dctx); err != nil {
			stop()
			_ = conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", addr, transportError(ctx, dctx, err))
		}
		client = imapclient.New(tlsConn, options)
	} else {
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			stop()
			_ = conn.Close()
			return nil, fmt.Errorf("STARTTLS with %s: %w", addr, transportError(ctx, dctx, err))
		}
	}

	err = client.Login(account.Username, account.Password).Wait()
	if !stop() && err == nil {
		err = net.ErrClosed
	}
	if err != nil {
		_ = client.Close()
		if isServerError(err) && dctx.Err() == nil {
			return nil, &source.AuthError{
				Account: account.Key,
				Message: fmt.Sprintf(
					"authentication failed for %s: %v",
					account.Username, err,
				),
			}
		}
		return nil, fmt.Errorf("logging in to %s: %w", addr, transportError(ctx, dctx, err))
	}

	return &imapSession{
		client:  client,
		raw:     conn,
		timeout: d.CommandTimeout,
		account: account.Key,
	}, nil
}

// imapSession implements Session on top of go-imap v2. Every command
// runs under the command timeout and is aborted by closing the
// connection when the timeout or ctx ends.
type imapSession struct {
	client  *imapclient.Client
	raw     net.Conn
	timeout time.Duration
	account string
}

func (s *imapSession) Select(ctx context.Context, folder string) error {
	return s.run(ctx, func() error {
		_, err := s.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", folder, err)
		}
		return nil
	})
}

func (s *imapSession) Search(ctx context.Context, since time.Time) ([]uint32, error) {
	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		criteria.Since = since
	}

	var uids []uint32
	err := s.run(ctx, func() error {
		data, err := s.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching: %w", err)
		}
		for _, uid := range data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	return uids, err
}

func (s *imapSession) Fetch(
	ctx context.Context, uids []uint32,
) ([]source.Result[RawMessage], error) {
	if len(uids) == 0 {
		return nil, nil
	}

	set := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imap.UID(uid))
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	var results []source.Result[RawMessage]
	err := s.run(ctx, func() error {
		fetchCmd := s.client.Fetch(imap.UIDSetNum(set...), fetchOpts)
		defer fetchCmd.Close()

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}

			buf, err := msg.Collect()
			if err != nil {
				results = append(results, source.Skip[RawMessage](
					"collecting message data", err,
				))
				continue
			}

			raw := buf.FindBodySection(bodySection)
			if raw == nil {
				results = append(results, source.Skip[RawMessage](
					"no body section for UID "+strconv.FormatUint(uint64(buf.UID), 10), nil,
				))
				continue
			}

			m := RawMessage{UID: uint32(buf.UID), Raw: raw}
			if buf.Envelope != nil {
				m.Subject = buf.Envelope.Subject
			}
			results = append(results, source.OK(m))
		}

		if err := fetchCmd.Close(); err != nil {
			return fmt.Errorf("fetching messages: %w", err)
		}
		return nil
	})
	return results, err
}

func (s *imapSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = s.raw.Close()
	})
	_ = s.client.Logout().Wait()
	stop()
	return s.client.Close()
}

// run executes one command under the command timeout and maps transport
// failures onto source.ErrTimeout and source.ErrConnection. Server
// refusals (NO/BAD) are returned unchanged.
func (s *imapSession) run(ctx context.Context, cmd func() error) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}

	cctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(cctx, func() {
		_ = s.raw.Close()
	})

	err := cmd()
	stop()
	if err == nil {
		return nil
	}
	if isServerError(err) && cctx.Err() == nil {
		return err
	}
	return transportError(ctx, cctx, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// isServerError reports whether err is a tagged NO or BAD response.
func isServerError(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// transportError classifies a failed network operation. op is the
// context bounding the operation, derived from parent; its expiry is a
// timeout even when imapclient reports the closed connection instead.
func transportError(parent, op context.Context, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return fmt.Errorf("%w: %w", ctxError(parentErr), err)
	}
	if op.Err() != nil || isTimeout(err) {
		return fmt.Errorf("%w: %w", source.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", source.ErrConnection, err)
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", source.ErrTimeout, err)
	}
	return err
}
