// Package rangedl implements the multi-source HTTP range-request download
// scheduler: one Downloader ties together a block map, a pending queue, an
// assembly buffer, and one fetch loop per mirror, exposing a blocking
// Consumer Gate to callers.
//
// The wiring mirrors the teacher project's top-level shape (client.go
// assembling a dialer and client, scanner.go's New/Run tying config to
// collaborators) generalized from "scan N hosts with M bypass payloads" to
// "fetch N blocks from M mirrors".
package rangedl

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-rangedl/rangedl/blockmap"
	"github.com/go-rangedl/rangedl/buffer"
	"github.com/go-rangedl/rangedl/config"
	"github.com/go-rangedl/rangedl/internal/logging"
	"github.com/go-rangedl/rangedl/internal/rerr"
	"github.com/go-rangedl/rangedl/queue"
	"github.com/go-rangedl/rangedl/transport"
)

// Chunk is one element of the asynchronous streaming interface.
type Chunk struct {
	Data []byte
	Err  error
}

// Event is one telemetry entry: a block id and the mirror that requested or
// delivered it, timestamped relative to the download's start.
type Event struct {
	Elapsed time.Duration `json:"elapsed_ns"`
	BlockID int           `json:"block_id"`
	Host    string        `json:"host"`
}

// mirror is one worker's full state: its session, delay bias, and
// in-flight block id.
type mirror struct {
	session  transport.Session
	host     string
	delay    int64 // delay[w]
	prev     int64 // prev[w]
	inFlight int64 // in_flight[w]; -1 means absent
}

// Downloader is the scheduler/coordinator described in SPEC_FULL.md §4.
// A zero Downloader is not usable; construct with New.
type Downloader struct {
	cfg config.Config
	log logging.Sink

	bm      blockmap.Map
	pending *queue.Pending
	buf     *buffer.Assembly

	mirrors []*mirror

	received int64 // atomic global counter

	activeWorkers int64 // atomic; 0 triggers Incomplete if buf not done

	started int32

	sendLogMu sync.Mutex
	sendLog   []Event
	recvLog   []Event

	startTime time.Time
}

// New resolves every mirror's HEAD, validates agreement on content length,
// computes initial per-worker delay bias, and returns a Downloader ready to
// have Run called on it. It does not start fetching.
func New(ctx context.Context, urls []string, cfg config.Config, log logging.Sink) (*Downloader, error) {
	if log == nil {
		log = logging.Nop{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessions := make([]transport.Session, len(urls))
	heads := make([]transport.HeadResult, len(urls))
	rtts := make([]time.Duration, len(urls))
	errs := make([]error, len(urls))

	var doh *transport.DoHResolver
	if cfg.UseDoH {
		doh = transport.NewDoHResolver()
	}

	topts := transport.DefaultOptions()
	topts.Timeout = cfg.RequestTimeout
	topts.ProxyURL = cfg.ProxyURL
	topts.AllowRedirects = cfg.AllowRedirects
	if doh != nil {
		topts.Resolve = doh.Resolve
	}

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()

			sess, err := transport.NewSession(u, topts)
			if err != nil {
				errs[i] = err
				return
			}
			sessions[i] = sess

			start := time.Now()
			hr, err := sess.Head(ctx, u)
			rtts[i] = time.Since(start)
			if err != nil {
				errs[i] = err
				return
			}
			sess.SetURL(hr.FinalURL)
			heads[i] = hr
		}(i, u)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			closeAll(sessions)
			if doh != nil {
				doh.Close()
			}
			return nil, err
		}
	}

	length := heads[0].ContentLength
	for _, hr := range heads[1:] {
		if hr.ContentLength != length {
			lengths := map[string]int64{}
			for i, u := range urls {
				lengths[u] = heads[i].ContentLength
			}
			closeAll(sessions)
			if doh != nil {
				doh.Close()
			}
			return nil, rerr.FileSize(lengths)
		}
	}

	bm, err := blockmap.New(length, cfg.SplitSize)
	if err != nil {
		closeAll(sessions)
		if doh != nil {
			doh.Close()
		}
		return nil, err
	}

	dMin := rtts[0]
	for _, d := range rtts[1:] {
		if d < dMin {
			dMin = d
		}
	}

	mirrors := make([]*mirror, len(urls))
	for i, u := range urls {
		var delay int64
		if cfg.InitialDelayPrediction && dMin > 0 {
			ratio := float64(rtts[i]) / float64(dMin)
			if ratio > 2 {
				delay = int64(math.Floor((ratio - 1) * float64(cfg.InitialDelayCoefficient)))
			}
		}
		mirrors[i] = &mirror{session: sessions[i], host: u, delay: delay, prev: 0, inFlight: -1}
		log.Infof("mirror %s resolved to %s, rtt=%s, initial delay=%d", u, heads[i].FinalURL, rtts[i], delay)
	}

	d := &Downloader{
		cfg:     cfg,
		log:     log,
		bm:      bm,
		pending: queue.New(bm.Count),
		buf:     buffer.New(bm.Count),
		mirrors: mirrors,
	}
	return d, nil
}

func closeAll(sessions []transport.Session) {
	for _, s := range sessions {
		if s != nil {
			s.Close()
		}
	}
}

// Run starts one fetch loop per mirror and returns once they have all been
// launched; it does not block for completion. Callers drain the download
// via Next or Chunks. Run may be called at most once.
func (d *Downloader) Run(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return
	}
	d.startTime = time.Now()
	atomic.StoreInt64(&d.activeWorkers, int64(len(d.mirrors)))

	pool := pond.NewPool(len(d.mirrors))
	group := pool.NewGroup()

	for idx := range d.mirrors {
		w := idx
		group.Submit(func() {
			d.fetchLoop(ctx, w)
			if atomic.AddInt64(&d.activeWorkers, -1) == 0 {
				d.checkIncomplete()
			}
		})
	}

	go func() {
		group.Wait()
		sessions := make([]transport.Session, len(d.mirrors))
		for i, m := range d.mirrors {
			sessions[i] = m.session
		}
		closeAll(sessions)
		pool.StopAndWait()
	}()
}

// checkIncomplete surfaces Incomplete to a parked or future consumer once
// no fetch loop remains active and the buffer is not yet complete; this is
// the deliberate deadlock correction.
func (d *Downloader) checkIncomplete() {
	if d.buf.Cursor() == d.buf.Len() {
		return
	}
	d.log.Warnf("all mirrors exited with %d/%d blocks delivered; surfacing Incomplete", d.buf.Cursor(), d.buf.Len())
	d.buf.Close(rerr.Incomplete(d.buf.Cursor(), d.buf.Len()))
}

// fetchLoop is the per-source loop of SPEC_FULL.md §4.3-4.6: select a
// block, maybe duplicate a stuck one first, fetch it, deposit it, update
// delay. It returns when the queue is empty or a request fails.
func (d *Downloader) fetchLoop(ctx context.Context, w int) {
	m := d.mirrors[w]

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.maybeDuplicate(w)

		pos := d.selectPosition(w)
		blockID, ok := d.pending.PopAt(pos)
		if !ok {
			return
		}
		atomic.StoreInt64(&m.inFlight, int64(blockID))

		start, end := d.bm.Range(blockID)
		dispatched := time.Since(d.startTime)
		res, err := m.session.GetRange(ctx, m.session.URL(), start, end)

		if err != nil {
			d.log.Warnf("mirror %s failed on block %d: %v; exiting worker", m.host, blockID, err)
			d.pending.PushFront(blockID)
			atomic.StoreInt64(&m.inFlight, -1)
			return
		}

		d.recordSend(blockID, m.host, dispatched)

		won := d.buf.Deposit(blockID, res.Data)
		atomic.StoreInt64(&m.inFlight, -1)
		if won {
			d.recordRecv(blockID, m.host, time.Since(d.startTime))
		}

		d.updateDelay(m)
	}
}

// selectPosition implements §4.3: delay-biased position, 0 if dynamic
// selection is off or this worker ties for the smallest delay.
func (d *Downloader) selectPosition(w int) int {
	if !d.cfg.DynamicBlockNumSelection {
		return 0
	}

	m := d.mirrors[w]
	delay := atomic.LoadInt64(&m.delay)
	if delay == d.minDelay() {
		return 0
	}
	if delay < 0 {
		delay = 0
	}

	n := d.pending.Len()
	if n == 0 {
		return 0
	}
	pos := int(delay)
	if pos > n-1 {
		pos = n - 1
	}
	return pos
}

// maybeDuplicate implements §4.4: push the globally-least in-flight block
// to the queue head when all four duplication conditions hold.
func (d *Downloader) maybeDuplicate(w int) {
	if !d.cfg.DuplicateRequest {
		return
	}
	m := d.mirrors[w]
	if atomic.LoadInt64(&m.delay) != d.minDelay() {
		return
	}
	if d.buf.InvalidCount() <= d.cfg.Threshold {
		return
	}

	target, ok := d.minInFlight()
	if !ok {
		return
	}
	if !d.buf.IsEmpty(target) {
		return
	}

	d.log.Debugf("mirror %s duplicating stuck block %d", m.host, target)
	d.pending.PushFront(target)
}

func (d *Downloader) minDelay() int64 {
	min := atomic.LoadInt64(&d.mirrors[0].delay)
	for _, m := range d.mirrors[1:] {
		if v := atomic.LoadInt64(&m.delay); v < min {
			min = v
		}
	}
	return min
}

func (d *Downloader) minInFlight() (int, bool) {
	var min int64 = -1
	found := false
	for _, m := range d.mirrors {
		v := atomic.LoadInt64(&m.inFlight)
		if v < 0 {
			continue
		}
		if !found || v < min {
			min = v
			found = true
		}
	}
	return int(min), found
}

// updateDelay implements §4.6.
func (d *Downloader) updateDelay(m *mirror) {
	received := atomic.LoadInt64(&d.received)
	n := received - atomic.LoadInt64(&m.prev)
	delay := n - int64(len(d.mirrors))
	atomic.StoreInt64(&m.delay, delay)
	atomic.StoreInt64(&m.prev, received)
	atomic.AddInt64(&d.received, 1)
	d.log.Debugf("mirror %s delay=%d", m.host, delay)
}

func (d *Downloader) recordSend(blockID int, host string, elapsed time.Duration) {
	d.sendLogMu.Lock()
	d.sendLog = append(d.sendLog, Event{Elapsed: elapsed, BlockID: blockID, Host: host})
	d.sendLogMu.Unlock()
}

func (d *Downloader) recordRecv(blockID int, host string, elapsed time.Duration) {
	d.sendLogMu.Lock()
	d.recvLog = append(d.recvLog, Event{Elapsed: elapsed, BlockID: blockID, Host: host})
	d.sendLogMu.Unlock()
}

// Next implements the Consumer Gate (§4.7): it returns the next non-empty
// contiguous prefix, blocking until one is available, or returns io.EOF-like
// termination via a nil slice and nil error when R == N.
//
// The blocking wait runs in a goroutine so ctx.Done() can still interrupt
// it, but the scan-and-park itself happens inside buf.ScanOrWait as one
// continuously-locked operation; see buffer.Assembly.ScanOrWait for why
// that atomicity is required.
func (d *Downloader) Next(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		done bool
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		data, done, err := d.buf.ScanOrWait()
		resCh <- result{data: data, done: done, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resCh:
		if len(r.data) > 0 {
			return r.data, nil
		}
		if r.done {
			return nil, nil
		}
		return nil, r.err
	}
}

// Chunks is the asynchronous streaming interface: a channel of Chunk,
// closed after the terminal chunk or a fatal error is delivered.
func (d *Downloader) Chunks(ctx context.Context) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for {
			data, err := d.Next(ctx)
			if err != nil {
				out <- Chunk{Err: err}
				return
			}
			if data == nil {
				return
			}
			out <- Chunk{Data: data}
		}
	}()
	return out
}

// SendLog returns one entry per successful range request, stamped with the
// time it was dispatched relative to fetch start, in order of completion.
// Failed requests are not recorded. It fails with NotComplete until every
// block has been delivered.
func (d *Downloader) SendLog() ([]Event, error) {
	if atomic.LoadInt32(&d.started) == 0 {
		return nil, rerr.NotStarted()
	}
	if d.buf.Cursor() != d.buf.Len() {
		return nil, rerr.NotComplete()
	}
	d.sendLogMu.Lock()
	defer d.sendLogMu.Unlock()
	out := make([]Event, len(d.sendLog))
	copy(out, d.sendLog)
	return out, nil
}

// RecvLog returns the ordered list of winning deposits. It fails with
// NotComplete until every block has been delivered.
func (d *Downloader) RecvLog() ([]Event, error) {
	if atomic.LoadInt32(&d.started) == 0 {
		return nil, rerr.NotStarted()
	}
	if d.buf.Cursor() != d.buf.Len() {
		return nil, rerr.NotComplete()
	}
	d.sendLogMu.Lock()
	defer d.sendLogMu.Unlock()
	out := make([]Event, len(d.recvLog))
	copy(out, d.recvLog)
	return out, nil
}

// BlockCount returns N, the total number of blocks.
func (d *Downloader) BlockCount() int { return d.bm.Count }

// Length returns L, the resource's total byte length.
func (d *Downloader) Length() int64 { return d.bm.Length }
