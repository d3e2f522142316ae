package email

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

const testTimeout = 300 * time.Millisecond

// replyFunc answers one tagged command. An empty reply leaves the client
// waiting.
type replyFunc func(tag, command string) string

func okReply(tag string) string { return tag + " OK done\r\n" }

// serverCert borrows httptest's localhost certificate.
func serverCert(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	srv := httptest.NewTLSServer(nil)
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return &tls.Config{Certificates: srv.TLS.Certificates}, pool
}

// startIMAPServer runs a scripted IMAP server on the loopback interface
// and returns an account and dialer pointing at it. STARTTLS is handled
// by the server itself; every other command goes to reply.
func startIMAPServer(t *testing.T, useTLS bool, reply replyFunc) (model.AccountConfig, *IMAPDialer) {
	t.Helper()
	serverTLS, pool := serverCert(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveIMAP(conn, useTLS, serverTLS, reply)
		}
	}()

	account := model.AccountConfig{
		Key:      "work",
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Username: "me",
		Password: "secret",
		UseTLS:   useTLS,
	}
	dialer := NewIMAPDialer(testTimeout, testTimeout)
	dialer.TLSConfig = &tls.Config{RootCAs: pool}
	return account, dialer
}

func serveIMAP(conn net.Conn, useTLS bool, cfg *tls.Config, reply replyFunc) {
	defer conn.Close()
	if useTLS {
		conn = tls.Server(conn, cfg)
	}
	r := bufio.NewReader(conn)
	_, _ = io.WriteString(conn, "* OK [CAPABILITY IMAP4rev1 STARTTLS AUTH=PLAIN] ready\r\n")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		tag, command, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")

		switch strings.ToUpper(command) {
		case "STARTTLS":
			_, _ = io.WriteString(conn, okReply(tag))
			conn = tls.Server(conn, cfg)
			r = bufio.NewReader(conn)
			continue
		case "CAPABILITY":
			_, _ = io.WriteString(conn, "* CAPABILITY IMAP4rev1 AUTH=PLAIN\r\n"+okReply(tag))
			continue
		case "LOGOUT":
			_, _ = io.WriteString(conn, "* BYE\r\n"+okReply(tag))
			return
		}

		if out := reply(tag, command); out != "" {
			_, _ = io.WriteString(conn, out)
		}
	}
}

// silentListener accepts connections and never answers.
func silentListener(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// mailbox answers LOGIN, EXAMINE, UID SEARCH and UID FETCH like a small
// server holding one message with UID 7.
func mailbox(raw string) replyFunc {
	return func(tag, command string) string {
		verb := strings.ToUpper(command)
		switch {
		case strings.HasPrefix(verb, "LOGIN"):
			return okReply(tag)
		case strings.HasPrefix(verb, "EXAMINE"):
			return "* 1 EXISTS\r\n* FLAGS (\\Seen)\r\n" + tag + " OK [READ-ONLY] done\r\n"
		case strings.HasPrefix(verb, "UID SEARCH"):
			return "* SEARCH 3 7\r\n" + okReply(tag)
		case strings.HasPrefix(verb, "UID FETCH"):
			return fmt.Sprintf(
				"* 1 FETCH (UID 7 ENVELOPE (NIL \"Hello\" NIL NIL NIL NIL NIL NIL NIL NIL) BODY[] {%d}\r\n%s)\r\n%s",
				len(raw), raw, okReply(tag),
			)
		}
		return okReply(tag)
	}
}

func TestIMAPDialerSession(t *testing.T) {
	raw := "Subject: Hello\r\n\r\nbody\r\n"

	for _, useTLS := range []bool{true, false} {
		t.Run(fmt.Sprintf("tls=%v", useTLS), func(t *testing.T) {
			account, dialer := startIMAPServer(t, useTLS, mailbox(raw))
			ctx := context.Background()

			s, err := dialer.Dial(ctx, account)
			require.NoError(t, err)
			defer s.Close()

			require.NoError(t, s.Select(ctx, "INBOX"))

			uids, err := s.Search(ctx, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			assert.Equal(t, []uint32{3, 7}, uids)

			results, err := s.Fetch(ctx, []uint32{7})
			require.NoError(t, err)
			require.Len(t, results, 1)
			require.True(t, results[0].Ok(), results[0].Reason)
			msg := results[0].Value
			assert.Equal(t, uint32(7), msg.UID)
			assert.Equal(t, "Hello", msg.Subject)
			assert.Equal(t, raw, string(msg.Raw))
		})
	}
}

func TestIMAPDialerLoginRejected(t *testing.T) {
	account, dialer := startIMAPServer(t, true, func(tag, command string) string {
		return tag + " NO [AUTHENTICATIONFAILED] invalid credentials\r\n"
	})

	_, err := dialer.Dial(context.Background(), account)
	require.Error(t, err)

	var authErr *source.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "work", authErr.Account)
	assert.Contains(t, authErr.Message, "invalid credentials")
	assert.True(t, source.IsFatal(err))
}

func TestIMAPSessionServerRefusals(t *testing.T) {
	account, dialer := startIMAPServer(t, true, func(tag, command string) string {
		verb := strings.ToUpper(command)
		switch {
		case strings.HasPrefix(verb, "LOGIN"):
			return okReply(tag)
		case strings.HasPrefix(verb, "EXAMINE") && strings.Contains(command, "Junk"):
			return tag + " NO no such mailbox\r\n"
		case strings.HasPrefix(verb, "EXAMINE"):
			return "* 0 EXISTS\r\n" + tag + " OK [READ-ONLY] done\r\n"
		case strings.HasPrefix(verb, "UID SEARCH"):
			return tag + " BAD search not supported\r\n"
		}
		return okReply(tag)
	})
	ctx := context.Background()

	s, err := dialer.Dial(ctx, account)
	require.NoError(t, err)
	defer s.Close()

	tests := []struct {
		name string
		call func() error
	}{
		{"select", func() error { return s.Select(ctx, "Junk") }},
		{"search", func() error {
			require.NoError(t, s.Select(ctx, "INBOX"))
			_, err := s.Search(ctx, time.Time{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, isServerError(err))
			assert.False(t, source.IsFatal(err))
			assert.NotErrorIs(t, err, source.ErrConnection)
			assert.NotErrorIs(t, err, source.ErrTimeout)
		})
	}
}

func TestIMAPDialerTimeouts(t *testing.T) {
	tests := []struct {
		name   string
		useTLS bool
	}{
		{"silent server tls", true},
		{"silent server starttls", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := model.AccountConfig{
				Key: "work", Host: "127.0.0.1", Port: silentListener(t), UseTLS: tt.useTLS,
			}
			dialer := NewIMAPDialer(testTimeout, testTimeout)

			start := time.Now()
			_, err := dialer.Dial(context.Background(), account)
			require.Error(t, err)
			assert.ErrorIs(t, err, source.ErrTimeout)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestIMAPDialerLoginStalls(t *testing.T) {
	account, dialer := startIMAPServer(t, true, func(tag, command string) string {
		return ""
	})

	start := time.Now()
	_, err := dialer.Dial(context.Background(), account)
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestIMAPSessionCommandTimeout(t *testing.T) {
	account, dialer := startIMAPServer(t, true, func(tag, command string) string {
		if strings.HasPrefix(strings.ToUpper(command), "LOGIN") {
			return okReply(tag)
		}
		return ""
	})
	ctx := context.Background()

	s, err := dialer.Dial(ctx, account)
	require.NoError(t, err)

	start := time.Now()
	err = s.Select(ctx, "INBOX")
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrTimeout)
	assert.True(t, source.IsFatal(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	_ = s.Close()
}

func TestIMAPSessionCancelled(t *testing.T) {
	account, dialer := startIMAPServer(t, true, func(tag, command string) string {
		if strings.HasPrefix(strings.ToUpper(command), "LOGIN") {
			return okReply(tag)
		}
		return ""
	})
	dialer.CommandTimeout = time.Minute

	s, err := dialer.Dial(context.Background(), account)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err = s.Select(ctx, "INBOX")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, source.ErrTimeout)
}
