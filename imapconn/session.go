// Package imapconn owns the IMAP side of ingestion: dialing authenticated
// sessions, pooling one live session per account, and streaming message
// ranges out of a selected mailbox.
package imapconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
)

// ErrAuthFailed is returned by a Dialer when the server rejected the
// credentials. It is never retried.
var ErrAuthFailed = errors.New("imap authentication failed")

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("imap session closed")

// Session is one authenticated mailbox session.
type Session interface {
	// SelectMailbox opens name read-only and returns its message count.
	SelectMailbox(ctx context.Context, name string) (uint32, error)
	// FetchRange returns the full bodies of sequence numbers start..end.
	// Only completely received literals are returned.
	FetchRange(ctx context.Context, start, end uint32) ([]models.RawMessage, error)
	// Noop round-trips a NOOP to prove the session is alive.
	Noop(ctx context.Context) error
	Close() error
}

// Dialer opens authenticated sessions for an account.
type Dialer interface {
	Dial(ctx context.Context, account models.Account) (Session, error)
}

// IMAPDialer dials real servers with go-imap.
type IMAPDialer struct {
	cfg       config.IMAPConfig
	tlsConfig *tls.Config
}

// NewDialer builds a dialer from the shared IMAP settings.
func NewDialer(cfg config.IMAPConfig) *IMAPDialer {
	return &IMAPDialer{
		cfg: cfg,
		tlsConfig: &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}
}

// Dial connects, waits for the greeting and authenticates. ctx bounds the
// whole establishment; when it expires the socket is closed.
func (d *IMAPDialer) Dial(ctx context.Context, account models.Account) (Session, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.Addr(), err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	establish := func() (*imapclient.Client, error) {
		opts := &imapclient.Options{TLSConfig: d.tlsConfig}
		switch d.cfg.TLSMode {
		case "tls":
			tlsConn := tls.Client(conn, d.tlsConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return nil, fmt.Errorf("tls handshake: %w", err)
			}
			return imapclient.New(tlsConn, opts), nil
		case "starttls":
			c, err := imapclient.NewStartTLS(conn, opts)
			if err != nil {
				return nil, fmt.Errorf("starttls: %w", err)
			}
			return c, nil
		default:
			return imapclient.New(conn, opts), nil
		}
	}

	client, err := establish()
	if err == nil {
		err = client.WaitGreeting()
		if err == nil {
			err = d.authenticate(client, account)
		}
		if err != nil {
			client.Close()
		}
	}
	if !stop() {
		// ctx fired and the socket is already closed
		if err == nil {
			client.Close()
		}
		return nil, fmt.Errorf("imap establishment aborted: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Debug("IMAP: session established", "account", account.ID, "mode", d.cfg.TLSMode)
	return newClientSession(client, account.ID), nil
}

func (d *IMAPDialer) authenticate(client *imapclient.Client, account models.Account) error {
	var err error
	if d.cfg.Auth == "plain" {
		err = client.Authenticate(sasl.NewPlainClient("", account.Address, account.Secret))
	} else {
		err = client.Login(account.Address, account.Secret).Wait()
	}
	if err == nil {
		return nil
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("%w: %v", ErrAuthFailed, imapErr)
	}
	return fmt.Errorf("authenticate: %w", err)
}

// clientSession adapts *imapclient.Client to Session. go-imap calls are not
// context aware, so each call runs in the background and the client is
// closed if ctx ends first; the session is unusable afterwards.
type clientSession struct {
	client    *imapclient.Client
	accountID int

	closeOnce sync.Once
	closed    chan struct{}
}

func newClientSession(client *imapclient.Client, accountID int) *clientSession {
	return &clientSession{client: client, accountID: accountID, closed: make(chan struct{})}
}

func (s *clientSession) run(ctx context.Context, fn func() error) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Close()
		<-errCh
		return ctx.Err()
	}
}

func (s *clientSession) SelectMailbox(ctx context.Context, name string) (uint32, error) {
	var total uint32
	err := s.run(ctx, func() error {
		data, err := s.client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return err
		}
		total = data.NumMessages
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", name, err)
	}
	return total, nil
}

func (s *clientSession) FetchRange(ctx context.Context, start, end uint32) ([]models.RawMessage, error) {
	if start == 0 || end < start {
		return nil, fmt.Errorf("invalid fetch range %d:%d", start, end)
	}

	var seqSet imap.SeqSet
	seqSet.AddRange(start, end)
	options := &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}

	messages := make([]models.RawMessage, 0, end-start+1)
	err := s.run(ctx, func() error {
		cmd := s.client.Fetch(seqSet, options)
		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			for {
				item := msg.Next()
				if item == nil {
					break
				}
				body, ok := item.(imapclient.FetchItemDataBodySection)
				if !ok || body.Literal == nil {
					continue
				}
				buf, err := io.ReadAll(body.Literal)
				if err != nil {
					cmd.Close()
					return fmt.Errorf("reading body of message %d: %w", msg.SeqNum, err)
				}
				messages = append(messages, models.RawMessage{SeqNum: msg.SeqNum, Body: buf})
			}
		}
		return cmd.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %d:%d: %w", start, end, err)
	}
	return messages, nil
}

func (s *clientSession) Noop(ctx context.Context) error {
	return s.run(ctx, func() error {
		return s.client.Noop().Wait()
	})
}

// Close logs out with a short grace period and closes the socket.
func (s *clientSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		logout := make(chan struct{})
		go func() {
			s.client.Logout().Wait()
			close(logout)
		}()
		select {
		case <-logout:
		case <-time.After(2 * time.Second):
		}
		err = s.client.Close()
	})
	return err
}
