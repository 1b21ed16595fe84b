package patch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Websocket transport to the authoritative peer. Provides the coordinator's
// send capability: each batch is written as one frame and resolved by the
// matching BatchAck. The core is agnostic to this transport - any
// SendFunction works - but this is the platform default.
//
// The connection authenticates with a jwt frame immediately after the
// handshake and reconnects with a fixed timeout until the context is done.

type PlatformTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	auth        *ClientAuth

	settings *TransportSettings

	stateLock sync.Mutex
	conn      *websocket.Conn
	writeLock sync.Mutex
	waiters   map[Id]chan *BatchAck
}

func NewPlatformTransportWithDefaults(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
) *PlatformTransport {
	return NewPlatformTransport(ctx, platformUrl, auth, DefaultTransportSettings())
}

func NewPlatformTransport(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
	settings *TransportSettings,
) *PlatformTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PlatformTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		platformUrl: platformUrl,
		auth:        auth,
		settings:    settings,
		waiters:     map[Id]chan *BatchAck{},
	}
	go transport.run()
	return transport
}

func (self *PlatformTransport) run() {
	defer self.cancel()

	clientId, _ := self.auth.ClientId()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn, err := self.connect()
		if err != nil {
			glog.Infof("[pt]connect %s error: %s\n", clientId, err)
		} else {
			glog.V(2).Infof("[pt]connect %s\n", clientId)
			self.setConn(conn)
			self.readLoop(conn)
			self.setConn(nil)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *PlatformTransport) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.platformUrl, nil)
	if err != nil {
		return nil, err
	}

	authBytes := EncodeAuth(&Auth{
		ByJwt:      self.auth.ByJwt,
		InstanceId: self.auth.InstanceId,
		AppVersion: self.auth.AppVersion,
	})
	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(MessageTypeAuth, authBytes)); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

func (self *PlatformTransport) setConn(conn *websocket.Conn) {
	self.stateLock.Lock()
	previous := self.conn
	self.conn = conn
	var orphaned []chan *BatchAck
	if conn == nil {
		for _, waiter := range self.waiters {
			orphaned = append(orphaned, waiter)
		}
		self.waiters = map[Id]chan *BatchAck{}
	}
	self.stateLock.Unlock()

	if previous != nil {
		previous.Close()
	}
	for _, waiter := range orphaned {
		close(waiter)
	}
}

func (self *PlatformTransport) readLoop(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		for {
			select {
			case <-stopPing:
				return
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				self.writeLock.Lock()
				conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				self.writeLock.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			glog.Infof("[pt]read error: %s\n", err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		frameType, messageBytes, err := DecodeFrame(message)
		if err != nil {
			glog.Infof("[pt]frame error: %s\n", err)
			return
		}
		switch frameType {
		case MessageTypeBatchAck:
			ack, err := DecodeBatchAck(messageBytes)
			if err != nil {
				glog.Infof("[pt]ack error: %s\n", err)
				return
			}
			self.resolve(ack)
		default:
			glog.V(2).Infof("[pt]ignore message type %d\n", frameType)
		}
	}
}

func (self *PlatformTransport) resolve(ack *BatchAck) {
	self.stateLock.Lock()
	waiter, ok := self.waiters[ack.BatchId]
	if ok {
		delete(self.waiters, ack.BatchId)
	}
	self.stateLock.Unlock()

	if ok {
		waiter <- ack
	} else {
		glog.V(2).Infof("[pt]orphaned ack %s\n", ack.BatchId)
	}
}

// Send transmits one batch and waits for its acknowledgement. Implements
// SendFunction.
func (self *PlatformTransport) Send(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
	batchId := NewId()
	encoded, err := EncodeBatch(&Batch{
		BatchId:      batchId,
		Instructions: batch,
	})
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	conn := self.conn
	if conn == nil {
		self.stateLock.Unlock()
		return nil, errors.New("not connected")
	}
	waiter := make(chan *BatchAck, 1)
	self.waiters[batchId] = waiter
	self.stateLock.Unlock()

	self.writeLock.Lock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(MessageTypeBatch, encoded))
	self.writeLock.Unlock()
	if err != nil {
		self.stateLock.Lock()
		delete(self.waiters, batchId)
		self.stateLock.Unlock()
		conn.Close()
		return nil, err
	}

	select {
	case ack, ok := <-waiter:
		if !ok {
			return nil, errors.New("connection lost")
		}
		return &SendResult{
			Status: ack.Status,
			Reason: ack.Reason,
		}, nil
	case <-ctx.Done():
		self.stateLock.Lock()
		delete(self.waiters, batchId)
		self.stateLock.Unlock()
		return nil, fmt.Errorf("no acknowledgement: %w", ctx.Err())
	case <-self.ctx.Done():
		return nil, errors.New("transport closed")
	}
}

func (self *PlatformTransport) Close() {
	self.cancel()
	self.setConn(nil)
}
