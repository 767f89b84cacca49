package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"go.uber.org/zap"
)

var (
	ErrNotConnected        = errors.New("gateway: not connected")
	ErrTransactionMismatch = errors.New("gateway: transaction ID mismatch")
)

// DefaultNetworkTimeout is added to every operation's own timeout.
const DefaultNetworkTimeout = 500 * time.Millisecond

// RemoteError is a failure reported by the gateway server.
type RemoteError struct {
	Command uint8
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway %s: %s", CommandName(e.Command), e.Message)
}

// Client is a fieldbus.Master that forwards every call to a gateway
// server. One request is in flight at a time.
type Client struct {
	address        string
	networkTimeout time.Duration
	logger         *zap.Logger

	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
}

func NewClient(address string, networkTimeout time.Duration, logger *zap.Logger) *Client {
	if networkTimeout <= 0 {
		networkTimeout = DefaultNetworkTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		address:        address,
		networkTimeout: networkTimeout,
		logger:         logger,
	}
}

// Connect opens the TCP connection if it is not open yet.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.networkTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	c.conn = conn

	c.logger.Info("Gateway connected", zap.String("address", c.address))
	return nil
}

func (c *Client) disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// roundTrip sends one request and waits for its response. opTimeout is the
// time the remote operation itself may take.
func (c *Client) roundTrip(ctx context.Context, request *Frame, opTimeout time.Duration) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	c.transactionID++
	request.TransactionID = c.transactionID
	request.ProtocolID = ProtocolID

	deadline := time.Now().Add(opTimeout + c.networkTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := c.conn
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteFrame(conn, request); err != nil {
		c.dropOnError(err)
		return nil, c.wrapIOError(ctx, "write", err)
	}

	response, err := ReadFrame(conn)
	if err != nil {
		c.dropOnError(err)
		return nil, c.wrapIOError(ctx, "read", err)
	}

	if response.TransactionID != request.TransactionID {
		c.disconnect()
		return nil, fmt.Errorf("%w: expected %d, got %d",
			ErrTransactionMismatch, request.TransactionID, response.TransactionID)
	}

	switch response.Status {
	case StatusOK:
		return response, nil
	case StatusSDOAbort:
		d := decoder{buf: response.Payload}
		abort := fieldbus.SDOAbort{Code: d.u32(), Index: d.u16(), SubIndex: d.u8()}
		if d.err != nil {
			return nil, fmt.Errorf("malformed abort response: %w", d.err)
		}
		return nil, abort
	default:
		return nil, &RemoteError{Command: request.Command, Message: string(response.Payload)}
	}
}

// dropOnError closes the connection after an I/O failure; the stream
// position is unknown afterwards.
func (c *Client) dropOnError(err error) {
	c.logger.Warn("Gateway connection dropped",
		zap.String("address", c.address),
		zap.Error(err))
	c.disconnect()
}

func (c *Client) wrapIOError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s failed: %w", op, ctxErr)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

func (c *Client) call(ctx context.Context, unit int, cmd uint8, payload []byte, opTimeout time.Duration) (*decoder, error) {
	response, err := c.roundTrip(ctx, &Frame{Unit: uint16(unit), Command: cmd, Payload: payload}, opTimeout)
	if err != nil {
		return nil, err
	}
	return &decoder{buf: response.Payload}, nil
}

// Open connects and opens the remote master on cfg.Interface.
func (c *Client) Open(ctx context.Context, cfg fieldbus.OpenConfig) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if _, err := c.call(ctx, 0, CmdOpen, []byte(cfg.Interface), 0); err != nil {
		c.mu.Lock()
		c.disconnect()
		c.mu.Unlock()
		return err
	}
	return nil
}

// Close closes the remote master and the connection.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.networkTimeout)
	defer cancel()

	_, err := c.call(ctx, 0, CmdClose, nil, 0)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}

	c.mu.Lock()
	closeErr := c.disconnect()
	c.mu.Unlock()

	if err != nil {
		return err
	}
	return closeErr
}

func (c *Client) ConfigureAll(ctx context.Context) (int, error) {
	d, err := c.call(ctx, 0, CmdConfigureAll, nil, 0)
	if err != nil {
		return 0, err
	}
	count := d.u16()
	return int(count), d.err
}

func (c *Client) MapProcessImage(ctx context.Context) (*fieldbus.ProcessImage, error) {
	d, err := c.call(ctx, 0, CmdMapProcessImage, nil, 0)
	if err != nil {
		return nil, err
	}
	out, in := d.u32(), d.u32()
	if d.err != nil {
		return nil, d.err
	}
	return fieldbus.NewProcessImage(int(out), int(in)), nil
}

func (c *Client) RequestState(ctx context.Context, unit int, target fieldbus.State) error {
	payload := (&encoder{}).u16(uint16(target)).buf
	_, err := c.call(ctx, unit, CmdRequestState, payload, 0)
	return err
}

func (c *Client) PollUntilState(ctx context.Context, unit int, target fieldbus.State, timeout time.Duration) (fieldbus.State, error) {
	payload := (&encoder{}).u16(uint16(target)).u32(micros(timeout)).buf
	d, err := c.call(ctx, unit, CmdPollState, payload, timeout)
	if err != nil {
		return fieldbus.StateNone, err
	}
	state := fieldbus.State(d.u16())
	return state, d.err
}

func (c *Client) ReadDiagnostics(ctx context.Context, unit int) (fieldbus.Diagnostics, error) {
	d, err := c.call(ctx, unit, CmdReadDiagnostics, nil, 0)
	if err != nil {
		return fieldbus.Diagnostics{}, err
	}
	diag := fieldbus.Diagnostics{
		Unit:       unit,
		State:      fieldbus.State(d.u16()),
		StatusCode: d.u16(),
	}
	diag.StatusText = string(d.rest())
	return diag, d.err
}

func (c *Client) SendCycle(ctx context.Context, img *fieldbus.ProcessImage) error {
	_, err := c.call(ctx, 0, CmdSendCycle, img.Outputs(), 0)
	return err
}

func (c *Client) ReceiveCycle(ctx context.Context, img *fieldbus.ProcessImage, timeout time.Duration) (int, error) {
	payload := (&encoder{}).u32(micros(timeout)).u32(uint32(img.InputBytes)).buf
	d, err := c.call(ctx, 0, CmdReceiveCycle, payload, timeout)
	if err != nil {
		return 0, err
	}
	wkc := d.u16()
	copy(img.Inputs(), d.rest())
	return int(wkc), d.err
}

func (c *Client) SDOWrite(ctx context.Context, unit int, index uint16, subIndex uint8, data []byte, timeout time.Duration) error {
	payload := (&encoder{}).u16(index).u8(subIndex).u32(micros(timeout)).bytes(data).buf
	_, err := c.call(ctx, unit, CmdSDOWrite, payload, timeout)
	return err
}

func (c *Client) SDORead(ctx context.Context, unit int, index uint16, subIndex uint8, size int, timeout time.Duration) ([]byte, error) {
	payload := (&encoder{}).u16(index).u8(subIndex).u16(uint16(size)).u32(micros(timeout)).buf
	d, err := c.call(ctx, unit, CmdSDORead, payload, timeout)
	if err != nil {
		return nil, err
	}
	return d.rest(), nil
}

func micros(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Microsecond)
}

var _ fieldbus.Master = (*Client)(nil)
