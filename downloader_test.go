package rangedl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-rangedl/rangedl/blockmap"
	"github.com/go-rangedl/rangedl/buffer"
	"github.com/go-rangedl/rangedl/config"
	"github.com/go-rangedl/rangedl/internal/logging"
	"github.com/go-rangedl/rangedl/internal/rerr"
	"github.com/go-rangedl/rangedl/queue"
	"github.com/go-rangedl/rangedl/transport"
	"github.com/projectdiscovery/utils/errkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is an in-memory transport.Session standing in for an HTTP
// mirror: it serves byte ranges directly from a source slice, optionally
// failing every request or only its first one.
type fakeSession struct {
	mu         sync.Mutex
	source     []byte
	url        string
	alwaysFail bool          // fails every request, regardless of block id
	failFirst  bool          // fails exactly the first GetRange call, then succeeds
	called     bool
	rtt        time.Duration // artificial per-request latency, for timing tests
}

func newFakeSession(source []byte) *fakeSession {
	return &fakeSession{source: source}
}

func (f *fakeSession) Head(ctx context.Context, url string) (transport.HeadResult, error) {
	return transport.HeadResult{FinalURL: url, ContentLength: int64(len(f.source)), AcceptsRanges: true}, nil
}

func (f *fakeSession) GetRange(ctx context.Context, url string, start, end int64) (transport.RangeResult, error) {
	f.mu.Lock()
	shouldFail := f.alwaysFail || (f.failFirst && !f.called)
	f.called = true
	rtt := f.rtt
	f.mu.Unlock()

	if rtt > 0 {
		time.Sleep(rtt)
	}

	if shouldFail {
		return transport.RangeResult{}, errors.New("injected transport failure")
	}
	return transport.RangeResult{Data: append([]byte(nil), f.source[start:end+1]...), Status: 206}, nil
}

func (f *fakeSession) URL() string     { return f.url }
func (f *fakeSession) SetURL(u string) { f.url = u }
func (f *fakeSession) Close() error    { return nil }

// buildDownloader constructs a Downloader around fake sessions, bypassing
// New's HTTP HEAD resolution so scheduler behavior can be tested without a
// network.
func buildDownloader(t *testing.T, source []byte, cfg config.Config, sessions []*fakeSession) *Downloader {
	t.Helper()

	bm, err := blockmap.New(int64(len(source)), cfg.SplitSize)
	require.NoError(t, err)

	mirrors := make([]*mirror, len(sessions))
	for i, s := range sessions {
		mirrors[i] = &mirror{session: s, host: "mirror" + string(rune('0'+i)), inFlight: -1}
	}

	return &Downloader{
		cfg:     cfg,
		log:     logging.Nop{},
		bm:      bm,
		pending: queue.New(bm.Count),
		buf:     buffer.New(bm.Count),
		mirrors: mirrors,
	}
}

func drain(t *testing.T, d *Downloader) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []byte
	for {
		data, err := d.Next(ctx)
		require.NoError(t, err)
		if data == nil {
			return out
		}
		out = append(out, data...)
	}
}

func baseCfg() config.Config {
	cfg := config.Default()
	cfg.URLs = []string{"http://mirror"}
	return cfg
}

// S1: single mirror, exact fit.
func TestDownloadSingleMirrorExactFit(t *testing.T) {
	source := []byte("AAAAABBBBB") // L=10
	cfg := baseCfg()
	cfg.SplitSize = 5

	d := buildDownloader(t, source, cfg, []*fakeSession{newFakeSession(source)})
	d.Run(context.Background())

	assert.Equal(t, source, drain(t, d))
	assert.Equal(t, 2, d.BlockCount())
}

// S2: single mirror, remainder block.
func TestDownloadSingleMirrorRemainder(t *testing.T) {
	source := []byte("ABCDEFG") // L=7, S=3 -> blocks of 3,3,1
	cfg := baseCfg()
	cfg.SplitSize = 3

	d := buildDownloader(t, source, cfg, []*fakeSession{newFakeSession(source)})
	d.Run(context.Background())

	assert.Equal(t, source, drain(t, d))
	assert.Equal(t, 3, d.BlockCount())
}

// Byte-identity and at-most-once consumption across many small blocks
// split between two mirrors with no induced failures.
func TestDownloadTwoMirrorsByteIdentity(t *testing.T) {
	source := make([]byte, 1000)
	for i := range source {
		source[i] = byte(i % 256)
	}
	cfg := baseCfg()
	cfg.SplitSize = 37 // deliberately uneven against 1000

	d := buildDownloader(t, source, cfg, []*fakeSession{
		newFakeSession(source),
		newFakeSession(source),
	})
	d.Run(context.Background())

	assert.Equal(t, source, drain(t, d))
}

// S7: one worker's GET fails; it requeues the block and exits, the
// remaining worker finishes the download.
func TestWorkerExitsOnTransportErrorPeerFinishes(t *testing.T) {
	source := []byte("0123456789ABCDEF") // L=16, S=4 -> 4 blocks
	cfg := baseCfg()
	cfg.SplitSize = 4
	cfg.DynamicBlockNumSelection = false // keep selection deterministic (head-only)

	failing := newFakeSession(source)
	failing.failFirst = true // fail on the very first block it attempts

	healthy := newFakeSession(source)

	d := buildDownloader(t, source, cfg, []*fakeSession{failing, healthy})
	d.Run(context.Background())

	assert.Equal(t, source, drain(t, d))
}

// §9(c): every mirror fails before the buffer completes; Next must return
// Incomplete instead of blocking forever.
func TestIncompleteSurfacedWhenAllWorkersFail(t *testing.T) {
	source := make([]byte, 40)
	cfg := baseCfg()
	cfg.SplitSize = 10 // 4 blocks

	cfg.DynamicBlockNumSelection = false

	s1 := newFakeSession(source)
	s1.alwaysFail = true
	s2 := newFakeSession(source)
	s2.alwaysFail = true

	// Both mirrors fail on every attempt, so both workers exit permanently
	// before the buffer ever reaches completion.
	d := buildDownloader(t, source, cfg, []*fakeSession{s1, s2})
	d.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Next(ctx)
	require.Error(t, err)
	assert.True(t, errkit.IsKind(err, rerr.KindIncomplete))
}

func TestSelectPositionHeadWhenSelectionDisabled(t *testing.T) {
	cfg := baseCfg()
	cfg.DynamicBlockNumSelection = false
	d := buildDownloader(t, make([]byte, 10), cfg, []*fakeSession{newFakeSession(make([]byte, 10))})

	assert.Equal(t, 0, d.selectPosition(0))
}

func TestSelectPositionBiasesBySlowestDelay(t *testing.T) {
	cfg := baseCfg()
	cfg.DynamicBlockNumSelection = true
	d := buildDownloader(t, make([]byte, 100), cfg, []*fakeSession{
		newFakeSession(make([]byte, 100)),
		newFakeSession(make([]byte, 100)),
	})
	d.pending = queue.New(20)
	d.mirrors[0].delay = 0  // tied for minimum -> position 0
	d.mirrors[1].delay = 5  // behind minimum -> position 5

	assert.Equal(t, 0, d.selectPosition(0))
	assert.Equal(t, 5, d.selectPosition(1))
}

func TestUpdateDelayFormula(t *testing.T) {
	cfg := baseCfg()
	d := buildDownloader(t, make([]byte, 10), cfg, []*fakeSession{
		newFakeSession(make([]byte, 10)),
		newFakeSession(make([]byte, 10)),
	})
	d.received = 7
	d.mirrors[0].prev = 3

	d.updateDelay(d.mirrors[0])

	// n = received_before - prev_old = 7 - 3 = 4; delay = n - M = 4 - 2 = 2
	assert.EqualValues(t, 2, d.mirrors[0].delay)
	assert.EqualValues(t, 7, d.mirrors[0].prev)
	assert.EqualValues(t, 8, d.received)
}

// SPEC_FULL.md §6: SendLog entries are timestamped relative to the
// download's start, not to how long the individual GET took.
func TestSendLogElapsedIsRelativeToDownloadStartNotRTT(t *testing.T) {
	source := []byte("0123456789AB") // L=12, S=4 -> 3 blocks
	cfg := baseCfg()
	cfg.SplitSize = 4

	sess := newFakeSession(source)
	sess.rtt = 30 * time.Millisecond

	d := buildDownloader(t, source, cfg, []*fakeSession{sess})
	d.Run(context.Background())

	assert.Equal(t, source, drain(t, d))

	sendLog, err := d.SendLog()
	require.NoError(t, err)
	require.Len(t, sendLog, 3)

	// A single mirror fetches serially, so dispatch timestamps should
	// accumulate by roughly one RTT per block. If recordSend instead
	// captured the per-request RTT (the bug being fixed), every entry
	// would cluster near sess.rtt instead of growing with each dispatch.
	assert.Less(t, sendLog[0].Elapsed, sess.rtt)
	for i := 1; i < len(sendLog); i++ {
		assert.Greater(t, sendLog[i].Elapsed, sendLog[i-1].Elapsed)
	}
	assert.GreaterOrEqual(t, sendLog[len(sendLog)-1].Elapsed, 2*sess.rtt)
}

func TestMaybeDuplicatePushesStuckBlockWhenAllConditionsHold(t *testing.T) {
	cfg := baseCfg()
	cfg.DuplicateRequest = true
	cfg.Threshold = 2
	cfg.SplitSize = 10 // 100 bytes / 10 -> 10 blocks, room for indices 0-3

	d := buildDownloader(t, make([]byte, 100), cfg, []*fakeSession{
		newFakeSession(make([]byte, 100)),
		newFakeSession(make([]byte, 100)),
	})

	// Simulate: worker 1 is stuck in-flight on block 0, worker 0 has
	// buffered several later blocks, pushing invalid_block_count above T.
	// Block 0 is off the queue while in flight, so only a push can return it.
	d.pending.PopAt(0)
	d.mirrors[1].inFlight = 0
	d.buf.Deposit(1, []byte{0})
	d.buf.Deposit(2, []byte{0})
	d.buf.Deposit(3, []byte{0})
	require.Greater(t, d.buf.InvalidCount(), cfg.Threshold)

	d.maybeDuplicate(0) // worker 0 ties for min delay (both zero)

	id, ok := d.pending.PopAt(0)
	assert.True(t, ok)
	assert.Equal(t, 0, id, "stuck block 0 should have been pushed to the front")
}
