package bitcoindoracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/walletsync/chainoracle"
	"github.com/lightningnetwork/walletsync/chaintypes"
)

const (
	rawBlockZMQCommand = "rawblock"
	rawTxZMQCommand    = "rawtx"

	// maxRawBlockSize and maxRawTxSize bound the messages read from the
	// ZMQ sockets.
	maxRawBlockSize = 4_000_000
	maxRawTxSize    = 4_000_000

	seqNumLen = 4

	// eventQueueSize is the buffer of the event queue before it falls
	// back to its overflow list.
	eventQueueSize = 100
)

// notifier follows bitcoind for one notification registration. The tip
// tracker and the mempool poller push events onto an unbounded queue, from
// which a single goroutine calls the handler, so a slow handler never
// stalls polling.
//
// NOTE: notifier implements chainoracle.Subscription.
type notifier struct {
	id      uint64
	oracle  *Oracle
	handler chainoracle.NotificationHandler

	events *queue.ConcurrentQueue

	// wake triggers a tip poll ahead of the ticker.
	wake chan struct{}

	zmqConns []*gozmq.Conn

	gm *fn.GoroutineManager

	// lastTip is the tip the handler was told about. Only the tracker
	// goroutine uses it.
	lastTip chaintypes.BlockID

	// mempool is the last polled mempool. Only the mempool goroutine
	// uses it.
	mempool map[chainhash.Hash]struct{}

	stopOnce sync.Once
}

// A compile time check to ensure notifier implements the Subscription
// interface.
var _ chainoracle.Subscription = (*notifier)(nil)

func newNotifier(id uint64, o *Oracle, handler chainoracle.NotificationHandler,
	tip chaintypes.BlockID) *notifier {

	return &notifier{
		id:      id,
		oracle:  o,
		handler: handler,
		events:  queue.NewConcurrentQueue(eventQueueSize),
		wake:    make(chan struct{}, 1),
		gm:      fn.NewGoroutineManager(),
		lastTip: tip,
		mempool: make(map[chainhash.Hash]struct{}),
	}
}

// start subscribes to the ZMQ endpoints, if any, and launches the
// goroutines.
func (n *notifier) start() error {
	cfg := n.oracle.cfg

	var blockConn, txConn *gozmq.Conn
	if cfg.ZMQBlockHost != "" {
		conn, err := gozmq.Subscribe(
			cfg.ZMQBlockHost, []string{rawBlockZMQCommand},
			cfg.ZMQReadDeadline,
		)
		if err != nil {
			return fmt.Errorf("unable to subscribe for zmq block "+
				"events: %w", err)
		}
		blockConn = conn
		n.zmqConns = append(n.zmqConns, conn)
	}
	if cfg.ZMQTxHost != "" {
		conn, err := gozmq.Subscribe(
			cfg.ZMQTxHost, []string{rawTxZMQCommand},
			cfg.ZMQReadDeadline,
		)
		if err != nil {
			n.closeZMQ()
			return fmt.Errorf("unable to subscribe for zmq tx "+
				"events: %w", err)
		}
		txConn = conn
		n.zmqConns = append(n.zmqConns, conn)
	}

	n.events.Start()

	// The goroutines outlive the registration call, only Cancel ends
	// them.
	ctx := context.Background()
	n.gm.Go(ctx, n.deliverEvents)
	n.gm.Go(ctx, n.trackTip)
	if cfg.MempoolPollInterval > 0 {
		n.gm.Go(ctx, n.pollMempoolLoop)
	}
	if blockConn != nil {
		n.gm.Go(ctx, func(ctx context.Context) {
			n.readZMQ(
				ctx, blockConn, rawBlockZMQCommand,
				maxRawBlockSize,
			)
		})
	}
	if txConn != nil {
		n.gm.Go(ctx, func(ctx context.Context) {
			n.readZMQ(ctx, txConn, rawTxZMQCommand, maxRawTxSize)
		})
	}

	return nil
}

func (n *notifier) closeZMQ() {
	for _, conn := range n.zmqConns {
		if err := conn.Close(); err != nil {
			log.Debugf("Unable to close zmq connection: %v", err)
		}
	}
}

// Cancel stops following bitcoind. It returns once no handler call is in
// flight.
//
// NOTE: This is part of the chainoracle.Subscription interface.
func (n *notifier) Cancel() {
	n.stopOnce.Do(func() {
		log.Debugf("Cancelling notification registration %d", n.id)

		n.closeZMQ()
		n.gm.Stop()
		n.events.Stop()
		n.oracle.remove(n.id)
	})
}

// destroy cancels the registration and tells the handler.
func (n *notifier) destroy() {
	n.Cancel()
	n.handler.Destroy()
}

// push queues an event for delivery.
func (n *notifier) push(ctx context.Context, e event) bool {
	select {
	case n.events.ChanIn() <- e:
		return true

	case <-ctx.Done():
		return false
	}
}

// deliverEvents hands the queued events to the handler in order.
//
// NOTE: This MUST be run as a goroutine.
func (n *notifier) deliverEvents(ctx context.Context) {
	for {
		select {
		case item, ok := <-n.events.ChanOut():
			if !ok {
				return
			}

			e, ok := item.(event)
			if !ok {
				log.Errorf("Unknown queue item %T", item)
				continue
			}

			if err := e.deliver(n.handler); err != nil {
				log.Debugf("Handler rejected %v: %v", e, err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// trackTip polls the tip on every tick or ZMQ wake-up.
//
// NOTE: This MUST be run as a goroutine.
func (n *notifier) trackTip(ctx context.Context) {
	t := n.oracle.newTicker(n.oracle.cfg.BlockPollInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
		case <-n.wake:
		case <-ctx.Done():
			return
		}

		if err := n.pollTip(ctx); err != nil {
			log.Errorf("Unable to poll bitcoind tip: %v", err)
		}
	}
}

// pollTip compares the bitcoind tip with the last reported one and queues
// the disconnections and connections leading from one to the other.
func (n *notifier) pollTip(ctx context.Context) error {
	o := n.oracle

	tip, err := o.GetTip(ctx)
	if err != nil {
		return err
	}
	if tip == n.lastTip {
		return nil
	}

	found, err := o.FindCommonAncestor(ctx, tip.Hash, n.lastTip.Hash)
	if err != nil {
		return err
	}
	// The last tip is unknown to bitcoind, so there is nothing to walk.
	// Only the tip change is reported.
	if found.IsNone() {
		log.Errorf("Bitcoind tip %v shares no block with %v", tip,
			n.lastTip)

		if !n.push(ctx, tipUpdated{}) {
			return ctx.Err()
		}
		n.lastTip = tip

		return nil
	}
	ancestor := found.UnwrapOr(chaintypes.BlockID{})

	if ancestor.Height < n.lastTip.Height {
		log.Infof("Bitcoind reorganized from %v to %v, common "+
			"ancestor %v", n.lastTip, tip, ancestor)
	}

	// Stale blocks are disconnected from the top down.
	hash := n.lastTip.Hash
	for height := n.lastTip.Height; height > ancestor.Height; height-- {
		if !n.push(ctx, blockDisconnected{height: height, hash: hash}) {
			return ctx.Err()
		}

		hdr, err := o.header(hash)
		if err != nil {
			return err
		}
		hash = hdr.prev
	}
	n.lastTip = ancestor

	for height := ancestor.Height + 1; height <= tip.Height; height++ {
		hash, err := o.ancestor(tip.Hash, height)
		if err != nil {
			return err
		}
		block, err := o.block(hash)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := block.Serialize(&buf); err != nil {
			return err
		}

		e := blockConnected{height: height, raw: buf.Bytes()}
		if !n.push(ctx, e) {
			return ctx.Err()
		}
		n.lastTip = chaintypes.BlockID{Height: height, Hash: hash}
	}

	if !n.push(ctx, tipUpdated{}) {
		return ctx.Err()
	}

	return nil
}

// pollMempoolLoop polls the mempool on every tick.
//
// NOTE: This MUST be run as a goroutine.
func (n *notifier) pollMempoolLoop(ctx context.Context) {
	t := n.oracle.newTicker(n.oracle.cfg.MempoolPollInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			if err := n.pollMempool(ctx); err != nil {
				log.Errorf("Unable to poll bitcoind mempool: %v",
					err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// pollMempool queues the transactions that entered and left the mempool
// since the last poll.
func (n *notifier) pollMempool(ctx context.Context) error {
	txids, err := n.oracle.cfg.RPC.GetRawMempool()
	if err != nil {
		return transportErr("getrawmempool", err)
	}

	current := make(map[chainhash.Hash]struct{}, len(txids))
	for _, txid := range txids {
		current[*txid] = struct{}{}
		if _, ok := n.mempool[*txid]; ok {
			continue
		}

		tx, err := n.oracle.cfg.RPC.GetRawTransaction(txid)
		switch {
		// Mined or evicted since the mempool was listed.
		case isNotFound(err):
			delete(current, *txid)
			continue

		case err != nil:
			return transportErr("getrawtransaction", err)
		}

		var buf bytes.Buffer
		if err := tx.MsgTx().Serialize(&buf); err != nil {
			return err
		}
		if !n.push(ctx, mempoolAdded{raw: buf.Bytes()}) {
			return ctx.Err()
		}
	}

	for txid := range n.mempool {
		if _, ok := current[txid]; ok {
			continue
		}
		if !n.push(ctx, mempoolRemoved{txid: txid}) {
			return ctx.Err()
		}
	}
	n.mempool = current

	return nil
}

// readZMQ reads events from a ZMQ subscription. Blocks wake the tip
// tracker, transactions are delivered as mempool additions.
//
// NOTE: This MUST be run as a goroutine.
func (n *notifier) readZMQ(ctx context.Context, conn *gozmq.Conn,
	command string, maxSize int) {

	log.Infof("Listening for bitcoind %v events via ZMQ on %v", command,
		conn.RemoteAddr())

	var (
		cmd    = make([]byte, len(command))
		seqNum [seqNumLen]byte
		data   = make([]byte, maxSize)
	)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufs, err := conn.Receive([][]byte{cmd, data, seqNum[:]})
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Tracef("Re-establishing timed out ZMQ %v "+
					"connection", command)
				continue
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				command, err)
			continue
		}

		if string(bufs[0]) != command {
			log.Debugf("Ignoring ZMQ event %q on %v subscription",
				bufs[0], command)
			continue
		}

		switch command {
		case rawBlockZMQCommand:
			select {
			case n.wake <- struct{}{}:
			default:
			}

		case rawTxZMQCommand:
			raw := bytes.Clone(bufs[1])
			if !n.push(ctx, mempoolAdded{raw: raw}) {
				return
			}
		}
	}
}
