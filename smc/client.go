package smc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/mailbox"
)

// Caller crosses into the TEE. When Call returns nil the exchange completed
// and cmd.RetVal and cmd.ErrOrigin describe the outcome; a non-nil error
// means the command never reached the TEE.
type Caller interface {
	Call(cmd *Command) error
}

// ErrClosed is returned by a client after Close.
var ErrClosed = errors.New("secure call channel closed")

// Endpoint configures where the TEE listens.
type Endpoint struct {
	CID  uint32 `yaml:"cid"`
	Port uint32 `yaml:"port"`
}

// Client sends commands to a TEE over one stream connection. Calls are
// serialized. Only the mailbox buffers a command references travel with it,
// and only those are written back before Call returns.
type Client struct {
	conn net.Conn
	pool *mailbox.Pool
	mu   sync.Mutex
}

// Dial connects to the TEE. In development mode a TCP connection to
// localhost is used instead of vsock.
func Dial(ep Endpoint, pool *mailbox.Pool, devMode bool) (*Client, error) {
	var conn net.Conn
	var err error

	if devMode {
		addr := fmt.Sprintf("localhost:%d", ep.Port)
		conn, err = net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to dev TEE at %s: %w", addr, err)
		}
		log.Info().Str("addr", addr).Msg("Connected to development TEE via TCP")
	} else {
		conn, err = vsock.Dial(ep.CID, ep.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to TEE CID %d port %d: %w", ep.CID, ep.Port, err)
		}
		log.Info().Uint32("cid", ep.CID).Uint32("port", ep.Port).Msg("Connected to TEE via vsock")
	}

	return NewClient(conn, pool), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, pool *mailbox.Pool) *Client {
	return &Client{conn: conn, pool: pool}
}

// Call implements Caller.
func (c *Client) Call(cmd *Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		Fail(cmd, OriginComms, ResultCommunication)
		return ErrClosed
	}

	req := Request{Cmd: *cmd, Regions: c.pool.Snapshot(referenced(cmd)...)}
	if err := writeFrame(c.conn, &req); err != nil {
		c.drop()
		Fail(cmd, OriginComms, ResultCommunication)
		return fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		c.drop()
		Fail(cmd, OriginComms, ResultCommunication)
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.Error != "" {
		Fail(cmd, OriginComms, ResultCommunication)
		return fmt.Errorf("TEE rejected command: %s", resp.Error)
	}

	sent := make(map[uint64]int, len(req.Regions))
	for _, r := range req.Regions {
		sent[r.Phys] = len(r.Data)
	}
	for _, r := range resp.Regions {
		if n, ok := sent[r.Phys]; !ok || n != len(r.Data) {
			Fail(cmd, OriginComms, ResultCommunication)
			return fmt.Errorf("%w: 0x%x was not sent", mailbox.ErrUnknownRegion, r.Phys)
		}
	}

	if err := c.pool.Apply(resp.Regions); err != nil {
		Fail(cmd, OriginComms, ResultCommunication)
		return fmt.Errorf("failed to apply mailbox writes: %w", err)
	}
	*cmd = resp.Cmd
	return nil
}

// drop closes a connection whose framing can no longer be trusted. Callers
// hold c.mu.
func (c *Client) drop() {
	c.conn.Close()
	c.conn = nil
	log.Warn().Msg("Secure call connection dropped after transport error")
}

// referenced returns the mailbox addresses a command carries. With a token
// present the operation buffer travels as part of the token's command pack,
// since its address may be scrambled.
func referenced(cmd *Command) []uint64 {
	addrs := []uint64{
		mailbox.JoinPhys(cmd.ParamsPhys, cmd.ParamsHPhys),
		mailbox.JoinPhys(cmd.LoginDataPhy, cmd.LoginDataHAddr),
	}
	if tok := mailbox.JoinPhys(cmd.TokenPhys, cmd.TokenHPhys); tok != 0 {
		return append(addrs, tok)
	}
	return append(addrs, mailbox.JoinPhys(cmd.OperationPhys, cmd.OperationHPhys))
}

// Close closes the connection. Later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected returns true if the client has not been closed
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
