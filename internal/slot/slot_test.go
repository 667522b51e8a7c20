package slot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/cloudxfer/internal/asyncqueue"
	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
	"github.com/sheerbytes/cloudxfer/internal/fileio"
	"github.com/sheerbytes/cloudxfer/internal/raid"
	"github.com/sheerbytes/cloudxfer/internal/symm"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
	"github.com/sheerbytes/cloudxfer/internal/xfercache"
)

func TestDownload_SingleConnection(t *testing.T) {
	fx := newFixture(t, 10240)
	st := newStorage()
	url := "https://dl.test/a"
	st.objects[url] = fx.enc
	clk := newFakeClock()
	rec := &recorder{}

	tr := fx.download([]string{url}, rec)
	out := fileio.NewMemFile(nil, false)
	s := New(tr, testEnv(st, clk), out)
	defer s.Close()

	drive(t, s, st, clk, 20)

	require.Equal(t, 1, rec.completed)
	assert.Empty(t, rec.failed)
	assert.Equal(t, fx.plain, out.Bytes())
	assert.Equal(t, int64(10240), tr.ProgressCompleted)
	assert.Equal(t, int64(10240), s.ContiguousProgress())
	assert.Equal(t, 1, s.Connections())
	assert.Equal(t, []string{"GET " + url + "/0-10239"}, st.requested())
	assert.True(t, tr.HasCurrentMetaMac)
	assert.Equal(t, fx.metaMac, tr.CurrentMetaMac)
	assert.Equal(t, xfer.StateCompleted, tr.State)
}

func TestDownload_MultiConnectionProgressIsMonotonic(t *testing.T) {
	const size = 3<<20 + 1000
	fx := newFixture(t, size)
	st := newStorage()
	url := "https://dl.test/m"
	st.objects[url] = fx.enc
	clk := newFakeClock()
	rec := &recorder{}

	queue := asyncqueue.New(2)
	defer queue.Close()
	env := testEnv(st, clk)
	env.Queue = queue
	env.DownloadConnections = 4
	env.MaxRequestSize = 1 << 20

	tr := fx.download([]string{url}, rec)
	out := fileio.NewMemFile(nil, true)
	s := New(tr, env, out)
	defer s.Close()

	ctx := context.Background()
	var contiguous int64
	for n := 0; n < 200 && !tr.Terminal(); n++ {
		s.Tick(ctx)
		settle(t, s, st)
		require.GreaterOrEqual(t, s.ContiguousProgress(), contiguous)
		contiguous = s.ContiguousProgress()
		clk.Advance(10 * time.Millisecond)
	}

	require.Equal(t, 1, rec.completed)
	assert.Equal(t, 4, s.Connections())
	assert.Equal(t, fx.plain, out.Bytes())
	assert.Equal(t, int64(size), s.ContiguousProgress())
	for i := 1; i < len(rec.progress); i++ {
		assert.GreaterOrEqual(t, rec.progress[i], rec.progress[i-1])
	}
	assert.Equal(t, int64(size), rec.progress[len(rec.progress)-1])
}

func TestDownload_RaidDropsSlowestPart(t *testing.T) {
	const size = 200000
	fx := newFixture(t, size)
	parts := splitParts(fx.enc)
	st := newStorage()
	urls := make([]string, raid.Parts)
	for p := range urls {
		urls[p] = fmt.Sprintf("https://raid%d.test/f", p)
		st.objects[urls[p]] = parts[p]
	}
	st.setHang(urls[3], true)
	clk := newFakeClock()
	rec := &recorder{}

	tr := fx.download(urls, rec)
	out := fileio.NewMemFile(nil, false)
	s := New(tr, testEnv(st, clk), out)
	defer s.Close()

	drive(t, s, st, clk, 50)

	require.Equal(t, 1, rec.completed)
	assert.Equal(t, raid.Parts, s.Connections())
	assert.Equal(t, fx.plain, out.Bytes())
	assert.Nil(t, s.reqs[3])
	assert.False(t, st.isParked(urls[3]+"/0-39999"))
}

func TestUpload_TokenCompletesWithConnectionsInFlight(t *testing.T) {
	const size = 3670016
	plain := randomBytes(t, size)
	var key [symm.KeyLength]byte
	copy(key[:], randomBytes(t, symm.KeyLength))
	const ctriv = 77

	st := newStorage()
	base := "https://up.test/ul"
	st.uploadSize = size
	st.tokenPos = 2752512
	st.held[base+"/786432"] = true
	st.held[base+"/1966080"] = true
	clk := newFakeClock()
	rec := &recorder{}

	env := testEnv(st, clk)
	env.UploadConnections = 4
	env.MaxRequestSize = 1 << 20

	tr := xfer.New(xfer.Put, size, key, ctriv, []string{base}, rec)
	s := New(tr, env, fileio.NewMemFile(plain, false))
	defer s.Close()

	drive(t, s, st, clk, 20)

	require.Equal(t, 1, rec.completed)
	assert.Empty(t, rec.failed)
	assert.Equal(t, int64(size), tr.ProgressCompleted)
	assert.Equal(t, uploadToken(), tr.UploadToken)
	assert.ElementsMatch(t, []string{
		"POST " + base + "/0",
		"POST " + base + "/786432",
		"POST " + base + "/1966080",
		"POST " + base + "/2752512",
	}, st.requested())

	c, err := symm.New(key[:])
	require.NoError(t, err)
	table := chunkmac.NewMap()
	chunkmac.Compute(c, plain, 0, size, ctriv, nil, table)
	want := xfer.New(xfer.Put, size, key, ctriv, nil, nil)
	want.ComputeFileKey(table.MacsMac(c))
	assert.Equal(t, want.FileKey, tr.FileKey)

	var enc []byte
	for _, pos := range []int64{0, 786432, 1966080, 2752512} {
		enc = append(enc, st.uploaded(pos)...)
	}
	c.CTRCrypt(enc, ctriv, 0)
	assert.Equal(t, plain, enc)
}

func TestUpload_AsyncRead(t *testing.T) {
	const size = 300000
	plain := randomBytes(t, size)
	st := newStorage()
	base := "https://up.test/async"
	st.uploadSize = size
	st.tokenPos = 0
	clk := newFakeClock()
	rec := &recorder{}

	tr := xfer.New(xfer.Put, size, [symm.KeyLength]byte{9}, 5, []string{base}, rec)
	s := New(tr, testEnv(st, clk), fileio.NewMemFile(plain, true))
	defer s.Close()

	drive(t, s, st, clk, 20)

	require.Equal(t, 1, rec.completed)
	assert.Equal(t, []string{"POST " + base + "/0"}, st.requested())
	assert.Len(t, st.uploaded(0), size)
}

func TestUpload_WithoutTokenIsInternalError(t *testing.T) {
	st := newStorage()
	base := "https://up.test/notoken"
	clk := newFakeClock()
	rec := &recorder{}

	tr := xfer.New(xfer.Put, 1000, [symm.KeyLength]byte{1}, 0, []string{base}, rec)
	s := New(tr, testEnv(st, clk), fileio.NewMemFile(randomBytes(t, 1000), false))
	defer s.Close()

	drive(t, s, st, clk, 10)

	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], xfer.ErrInternal)
}

func TestUpload_ServerErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		replies []string
		want    error
		https   bool
	}{
		{name: "restart requested", replies: []string{"-4"}, want: xfer.ErrAgain, https: true},
		{name: "unexpected body", replies: []string{"oops"}, want: xfer.ErrServer},
		{name: "integrity", replies: []string{"-14", "-14", "-14", "-14", "-14", "-14"}, want: xfer.ErrKey},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := newStorage()
			base := "https://up.test/err"
			st.replies[base] = tc.replies
			clk := newFakeClock()
			rec := &recorder{}

			env := testEnv(st, clk)
			tr := xfer.New(xfer.Put, 1000, [symm.KeyLength]byte{1}, 0, []string{base}, rec)
			s := New(tr, env, fileio.NewMemFile(randomBytes(t, 1000), false))
			defer s.Close()

			drive(t, s, st, clk, 30)

			require.Len(t, rec.failed, 1)
			assert.ErrorIs(t, rec.failed[0], tc.want)
			assert.Equal(t, tc.https, env.UseHTTPS)
			assert.Len(t, st.requested(), len(tc.replies))
		})
	}
}

func TestUpload_PendingTokenCompletes(t *testing.T) {
	st := newStorage()
	clk := newFakeClock()
	rec := &recorder{}

	tr := xfer.New(xfer.Put, 1000, [symm.KeyLength]byte{1}, 0, []string{"https://up.test/x"}, rec)
	tr.UploadToken = uploadToken()
	s := New(tr, testEnv(st, clk), fileio.NewMemFile(randomBytes(t, 1000), false))
	defer s.Close()

	drive(t, s, st, clk, 3)

	assert.Equal(t, 1, rec.completed)
	assert.Empty(t, st.requested())
}

func TestDownload_RepeatedUnavailableFails(t *testing.T) {
	fx := newFixture(t, 10240)
	st := newStorage()
	url := "https://dl.test/busy"
	st.objects[url] = fx.enc
	st.failWith(url, 503, 503, 503, 503, 503, 503, 503, 503)
	clk := newFakeClock()
	rec := &recorder{}

	env := testEnv(st, clk)
	tr := fx.download([]string{url}, rec)
	s := New(tr, env, fileio.NewMemFile(nil, false))
	defer s.Close()

	start := clk.Now()
	drive(t, s, st, clk, 40)

	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], xfer.ErrAgain)
	assert.Zero(t, rec.completed)
	assert.Len(t, st.requested(), DefaultMaxErrors+1)
	assert.Equal(t, DefaultMaxErrors+1, env.Stats.Retries)
	assert.Equal(t, time.Duration(DefaultMaxErrors+1)*unavailableBackoff, clk.Now().Sub(start))
}

func TestDownload_RateLimitedThenServed(t *testing.T) {
	fx := newFixture(t, 5000)
	st := newStorage()
	url := "https://dl.test/limited"
	st.objects[url] = fx.enc
	st.failWith(url, 429, 429)
	clk := newFakeClock()
	rec := &recorder{}

	tr := fx.download([]string{url}, rec)
	out := fileio.NewMemFile(nil, false)
	s := New(tr, testEnv(st, clk), out)
	defer s.Close()

	drive(t, s, st, clk, 20)

	require.Equal(t, 1, rec.completed)
	assert.Equal(t, fx.plain, out.Bytes())
	assert.Len(t, st.requested(), 3)
}

func TestDownload_OverQuota(t *testing.T) {
	fx := newFixture(t, 5000)
	st := newStorage()
	url := "https://dl.test/quota"
	st.objects[url] = fx.enc
	st.failWith(url, 509)
	st.timeLeft[url] = "120"
	clk := newFakeClock()
	rec := &recorder{}

	tr := fx.download([]string{url}, rec)
	s := New(tr, testEnv(st, clk), fileio.NewMemFile(nil, false))
	defer s.Close()

	drive(t, s, st, clk, 10)

	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], xfer.ErrOverQuota)
	assert.Equal(t, 120*time.Second, rec.backoffs[0])
}

func TestDownload_NotFoundFailsSingleStream(t *testing.T) {
	fx := newFixture(t, 5000)
	st := newStorage()
	url := "https://dl.test/gone"
	st.objects[url] = fx.enc
	st.failWith(url, 404)
	clk := newFakeClock()
	rec := &recorder{}

	tr := fx.download([]string{url}, rec)
	s := New(tr, testEnv(st, clk), fileio.NewMemFile(nil, false))
	defer s.Close()

	drive(t, s, st, clk, 10)

	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], xfer.ErrAgain)
}

func TestDownload_HTMLOverPlainHTTPSwitchesToHTTPS(t *testing.T) {
	fx := newFixture(t, 5000)
	st := newStorage()
	url := "http://dl.test/portal"
	st.objects[url] = fx.enc
	st.html[url] = true
	clk := newFakeClock()
	rec := &recorder{}

	env := testEnv(st, clk)
	tr := fx.download([]string{url}, rec)
	s := New(tr, env, fileio.NewMemFile(nil, false))
	defer s.Close()

	drive(t, s, st, clk, 10)

	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], xfer.ErrAgain)
	assert.True(t, env.UseHTTPS)
	assert.Equal(t, 1, env.Stats.HTTPSSwitches)
	assert.Equal(t, "https://dl.test/portal", s.tempURL(0))
}

func TestDownload_WriteErrorFails(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			fx := newFixture(t, 10240)
			st := newStorage()
			url := "https://dl.test/w"
			st.objects[url] = fx.enc
			clk := newFakeClock()
			rec := &recorder{}

			out := fileio.NewMemFile(nil, async)
			out.SetWriteErr(errors.New("disk full"))
			tr := fx.download([]string{url}, rec)
			s := New(tr, testEnv(st, clk), out)
			defer s.Close()

			drive(t, s, st, clk, 20)

			require.Len(t, rec.failed, 1)
			assert.ErrorIs(t, rec.failed[0], xfer.ErrWrite)
			assert.Equal(t, xfer.StateFailed, tr.State)
			assert.Len(t, st.requested(), 1)
			assert.Zero(t, tr.ProgressCompleted)

			s.Tick(context.Background())
			assert.Len(t, st.requested(), 1)
		})
	}
}

func TestDownload_IdleTimeoutRetriesConnection(t *testing.T) {
	fx := newFixture(t, 10240)
	st := newStorage()
	url := "https://dl.test/stall"
	st.objects[url] = fx.enc
	st.setHang(url, true)
	clk := newFakeClock()
	rec := &recorder{}

	env := testEnv(st, clk)
	tr := fx.download([]string{url}, rec)
	out := fileio.NewMemFile(nil, false)
	s := New(tr, env, out)
	defer s.Close()

	ctx := context.Background()
	s.Tick(ctx)
	settle(t, s, st)

	clk.Advance(DefaultIdleTimeout)
	s.Tick(ctx)
	require.Len(t, rec.temp, 1)
	assert.ErrorIs(t, rec.temp[0], xfer.ErrFailed)
	assert.Equal(t, 1, env.Stats.TempErrors)
	assert.True(t, s.Retrying())
	assert.False(t, tr.Terminal())

	st.setHang(url, false)
	drive(t, s, st, clk, 20)

	require.Equal(t, 1, rec.completed)
	assert.Equal(t, fx.plain, out.Bytes())
}

func TestDownload_IdleTimeoutWithoutRequestsFails(t *testing.T) {
	fx := newFixture(t, 10240)
	st := newStorage()
	clk := newFakeClock()
	rec := &recorder{}

	tr := fx.download([]string{"https://dl.test/idle"}, rec)
	s := New(tr, testEnv(st, clk), fileio.NewMemFile(nil, false))
	defer s.Close()
	require.True(t, s.createConnectionsOnce())

	// nothing in flight when the timeout is detected
	clk.Advance(DefaultIdleTimeout)
	ts := &tickState{now: clk.Now()}
	assert.Equal(t, stepDone, s.onTimeout(ts))
	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], xfer.ErrAgain)
}

func TestDownload_ResumesFromCache(t *testing.T) {
	const size = 1310720
	fx := newFixture(t, size)
	st := newStorage()
	url := "https://dl.test/r"
	st.objects[url] = fx.enc
	st.setHang(url+"/786432-1310719", true)
	clk := newFakeClock()

	cache, err := xfercache.Open(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	env := testEnv(st, clk)
	env.DownloadConnections = 1
	env.Cache = cache

	tr := fx.download([]string{url}, nil)
	out := fileio.NewMemFile(nil, false)
	s := New(tr, env, out)
	drive(t, s, st, clk, 10)
	require.False(t, tr.Terminal())
	require.Equal(t, int64(786432), tr.ProgressCompleted)
	s.Close()

	snap, err := cache.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(786432), snap.ProgressCompleted)

	st.setHang(url+"/786432-1310719", false)
	before := len(st.requested())
	rec := &recorder{}
	resumed := xfer.Restore(snap, rec)
	partial := fileio.NewMemFile(out.Bytes(), false)
	s2 := New(resumed, env, partial)
	defer s2.Close()

	drive(t, s2, st, clk, 20)

	require.Equal(t, 1, rec.completed)
	assert.Equal(t, []string{"GET " + url + "/786432-1310719"}, st.requested()[before:])
	assert.Equal(t, fx.plain, partial.Bytes())
}

func TestDownload_CachedFileIsVerified(t *testing.T) {
	fx := newFixture(t, 300000)
	c, err := symm.New(fx.key[:])
	require.NoError(t, err)

	for _, tc := range []struct {
		name    string
		metaMac uint64
		ok      bool
	}{
		{"match", fx.metaMac, true},
		{"mismatch", fx.metaMac ^ 1, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := newStorage()
			clk := newFakeClock()
			rec := &recorder{}

			tr := fx.download([]string{"https://dl.test/cached"}, rec)
			tr.MetaMac = tc.metaMac
			chunkmac.Compute(c, fx.plain, 0, int64(len(fx.plain)), fx.ctriv, nil, tr.ChunkMacs)
			tr.AddProgress(tr.Size)

			s := New(tr, testEnv(st, clk), fileio.NewMemFile(fx.plain, false))
			defer s.Close()
			drive(t, s, st, clk, 3)

			assert.Empty(t, st.requested())
			if tc.ok {
				assert.Equal(t, 1, rec.completed)
				return
			}
			require.Len(t, rec.failed, 1)
			assert.ErrorIs(t, rec.failed[0], xfer.ErrKey)
			assert.Zero(t, tr.ChunkMacs.Len())
		})
	}
}

func TestDownload_EmptyFile(t *testing.T) {
	st := newStorage()
	clk := newFakeClock()
	rec := &recorder{}

	tr := xfer.New(xfer.Get, 0, [symm.KeyLength]byte{}, 0, []string{"https://dl.test/empty"}, rec)
	s := New(tr, testEnv(st, clk), fileio.NewMemFile(nil, false))
	defer s.Close()

	drive(t, s, st, clk, 3)

	assert.Equal(t, 1, rec.completed)
	assert.Empty(t, st.requested())
}

func TestDownload_WithoutFileFails(t *testing.T) {
	st := newStorage()
	clk := newFakeClock()
	rec := &recorder{}

	fx := newFixture(t, 1000)
	tr := fx.download([]string{"https://dl.test/nofile"}, rec)
	s := New(tr, testEnv(st, clk), nil)
	defer s.Close()

	drive(t, s, st, clk, 3)

	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], xfer.ErrInternal)
}

func TestClose_PersistsPartialDownload(t *testing.T) {
	const size = 1310720
	fx := newFixture(t, size)
	st := newStorage()
	url := "https://dl.test/drain"
	st.objects[url] = fx.enc
	clk := newFakeClock()

	env := testEnv(st, clk)
	env.DownloadConnections = 1
	tr := fx.download([]string{url}, nil)
	out := fileio.NewMemFile(nil, false)
	s := New(tr, env, out)

	// received but not yet written
	ctx := context.Background()
	s.Tick(ctx)
	settle(t, s, st)
	s.Tick(ctx)
	require.Zero(t, tr.ProgressCompleted)

	s.Close()
	assert.Equal(t, int64(786432), tr.ProgressCompleted)
	assert.Equal(t, fx.plain[:786432], out.Bytes())
	assert.Equal(t, 1, env.Stats.SlotFinishes)
}

func TestDownload_AltPortTogglesOncePerFailureEpisode(t *testing.T) {
	const size = 4 << 20
	fx := newFixture(t, size)
	st := newStorage()
	url := "http://dl.test/alt"
	st.objects[url] = fx.enc
	st.objects["http://dl.test:8080/alt"] = fx.enc
	st.failWith(url, 500, 500, 500, 500)
	clk := newFakeClock()
	rec := &recorder{}

	env := testEnv(st, clk)
	env.DownloadConnections = 4
	env.MaxRequestSize = 1 << 20

	tr := fx.download([]string{url}, rec)
	out := fileio.NewMemFile(nil, false)
	s := New(tr, env, out)
	defer s.Close()

	ctx := context.Background()
	s.Tick(ctx)
	settle(t, s, st)
	require.Len(t, st.requested(), 4)

	// all four connections report their failure in the same tick
	s.Tick(ctx)
	assert.True(t, env.UseAltDownPort)
	require.Len(t, rec.temp, 1)
	assert.ErrorIs(t, rec.temp[0], xfer.ErrFailed)
	assert.Equal(t, 1, env.Stats.TempErrors)
	assert.True(t, s.Retrying())

	drive(t, s, st, clk, 40)

	require.Equal(t, 1, rec.completed)
	assert.Equal(t, fx.plain, out.Bytes())
	assert.True(t, env.UseAltDownPort)
	assert.Len(t, rec.temp, 1)
	assert.Equal(t, 1, st.requestsTo("http://dl.test:8080/"))
	assert.Len(t, st.requested(), 8)
}

func TestDownload_RaidSourceErrorUsesOtherParts(t *testing.T) {
	for _, code := range []int{403, 404, 503} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			const size = 200000
			fx := newFixture(t, size)
			parts := splitParts(fx.enc)
			st := newStorage()
			urls := make([]string, raid.Parts)
			for p := range urls {
				urls[p] = fmt.Sprintf("https://raid%d.test/f", p)
				st.objects[urls[p]] = parts[p]
			}
			st.failWith(urls[2], code)
			clk := newFakeClock()
			rec := &recorder{}

			env := testEnv(st, clk)
			tr := fx.download(urls, rec)
			out := fileio.NewMemFile(nil, false)
			s := New(tr, env, out)
			defer s.Close()

			drive(t, s, st, clk, 50)

			require.Equal(t, 1, rec.completed)
			assert.Empty(t, rec.failed)
			assert.Empty(t, rec.temp)
			assert.Equal(t, fx.plain, out.Bytes())
			assert.Equal(t, fx.metaMac, tr.CurrentMetaMac)
			assert.Equal(t, 1, st.requestsTo(urls[2]+"/"))
			assert.Equal(t, 2, s.buf.(*raid.Manager).UnusedPart())
		})
	}
}

func TestDownload_RaidSourceErrorsExhaustRecovery(t *testing.T) {
	const size = 200000
	fx := newFixture(t, size)
	parts := splitParts(fx.enc)
	st := newStorage()
	urls := make([]string, raid.Parts)
	for p := range urls {
		urls[p] = fmt.Sprintf("https://raid%d.test/f", p)
		st.objects[urls[p]] = parts[p]
	}
	// two broken parts keep swapping places until one of them runs out of
	// recovery attempts
	st.failWith(urls[2], 404, 404, 404, 404, 404, 404)
	st.failWith(urls[4], 404, 404, 404, 404, 404, 404)
	clk := newFakeClock()
	rec := &recorder{}

	tr := fx.download(urls, rec)
	s := New(tr, testEnv(st, clk), fileio.NewMemFile(nil, false))
	defer s.Close()

	drive(t, s, st, clk, 50)

	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], xfer.ErrAgain)
	assert.Zero(t, rec.completed)
	// part 4 is handled first in every tick, so its fourth error ends the transfer
	assert.Equal(t, 4, st.requestsTo(urls[4]+"/"))
	assert.Equal(t, 3, st.requestsTo(urls[2]+"/"))
}

func TestDownload_OrderedChunksAreWrittenInOrder(t *testing.T) {
	const size = 4 << 20
	fx := newFixture(t, size)
	st := newStorage()
	url := "https://dl.test/ordered"
	st.objects[url] = fx.enc
	release := st.gate(url + "/0-1048575")
	clk := newFakeClock()
	rec := &recorder{}

	env := testEnv(st, clk)
	env.DownloadConnections = 4
	env.MaxRequestSize = 1 << 20
	env.OrderDownloadedChunks = true

	tr := fx.download([]string{url}, rec)
	out := &writeLog{MemFile: fileio.NewMemFile(nil, true)}
	s := New(tr, env, out)
	defer s.Close()

	ctx := context.Background()
	s.Tick(ctx)
	settle(t, s, st)
	require.Len(t, st.requested(), 4)

	// the later ranges arrived first and must wait for the first one
	for n := 0; n < 3; n++ {
		s.Tick(ctx)
		settle(t, s, st)
	}
	assert.Empty(t, out.positions())
	assert.Zero(t, tr.ProgressCompleted)

	release()
	drive(t, s, st, clk, 100)

	require.Equal(t, 1, rec.completed)
	assert.Equal(t, fx.plain, out.Bytes())
	assert.Equal(t, []int64{0, 1 << 20, 2 << 20, 3 << 20}, out.positions())
}
