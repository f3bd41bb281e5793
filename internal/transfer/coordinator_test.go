package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chiral-network/chiral-network/pkg/chunkstore"
	"github.com/chiral-network/chiral-network/pkg/keyexchange"
	"github.com/chiral-network/chiral-network/pkg/manifest"
	"github.com/chiral-network/chiral-network/pkg/protocol"
	"github.com/chiral-network/chiral-network/pkg/speedtier"
	"github.com/chiral-network/chiral-network/pkg/wallet"
)

const seederPeer = "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"

func testLogger() *logrus.Entry {
	return logrus.WithField("component", "transfer-test")
}

// fixture builds a published file on a "seeder" store and a fresh
// "downloader" store plus coordinator wired to pull from the seeder.
type fixture struct {
	data       []byte
	m          *manifest.FileManifest
	recipient  *keyexchange.Keypair
	seedStore  *chunkstore.Store
	downStore  *chunkstore.Store
	coord      *Coordinator
	fetchCalls sync.Map
}

type fakeResolver struct {
	providers []string
	connected bool
}

func (f *fakeResolver) GetProviders(context.Context, string) ([]string, error) {
	return f.providers, nil
}
func (f *fakeResolver) ConnectPeer(context.Context, string) error { return nil }
func (f *fakeResolver) IsPeerConnected(string) (bool, error)      { return f.connected, nil }

func newFixture(t *testing.T, size int) *fixture {
	t.Helper()

	recipient, err := keyexchange.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	seedStore, err := chunkstore.Open(chunkstore.DefaultConfig(""))
	if err != nil {
		t.Fatalf("open seed store: %v", err)
	}
	t.Cleanup(func() { seedStore.Close() })
	downStore, err := chunkstore.Open(chunkstore.DefaultConfig(""))
	if err != nil {
		t.Fatalf("open download store: %v", err)
	}
	t.Cleanup(func() { downStore.Close() })

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	src := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	m, err := manifest.SplitAndEncrypt(src, recipient.PublicKeyBytes(), seedStore)
	if err != nil {
		t.Fatalf("SplitAndEncrypt failed: %v", err)
	}

	f := &fixture{
		data:      data,
		m:         m,
		recipient: recipient,
		seedStore: seedStore,
		downStore: downStore,
	}

	f.coord = &Coordinator{
		store:    downStore,
		resolver: &fakeResolver{providers: []string{seederPeer}, connected: true},
		paused:   make(map[string]chan struct{}),
		log:      testLogger(),
	}
	f.coord.fetch = f.serveFetch
	return f
}

// serveFetch plays the seeder: it returns sealed chunks from the seeder
// store, mimicking the wire handler.
func (f *fixture) serveFetch(_ context.Context, peerID string, req *protocol.FilePullRequest) (*protocol.FilePullResponse, error) {
	count, _ := f.fetchCalls.LoadOrStore(req.ChunkIndex, 0)
	f.fetchCalls.Store(req.ChunkIndex, count.(int)+1)

	resp := &protocol.FilePullResponse{
		RequestID:  req.RequestID,
		FileHash:   req.FileHash,
		ChunkIndex: req.ChunkIndex,
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= len(f.m.Chunks) {
		resp.Error = protocol.NotFoundError
		return resp, nil
	}
	hash, err := f.m.Chunks[req.ChunkIndex].HashBytes()
	if err != nil {
		return nil, err
	}
	sealed, err := f.seedStore.GetSealed(hash)
	if err != nil {
		resp.Error = protocol.NotFoundError
		return resp, nil
	}
	resp.FileData = sealed
	return resp, nil
}

func TestDownloadEndToEnd(t *testing.T) {
	f := newFixture(t, 3*manifest.ChunkSize+511)
	out := filepath.Join(t.TempDir(), "out.bin")

	events := f.coord.Events()
	err := f.coord.Download(context.Background(), DownloadRequest{
		RequestID: "req-1",
		Manifest:  f.m,
		Recipient: f.recipient,
		OutPath:   out,
		Tier:      speedtier.Free,
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, f.data) {
		t.Error("downloaded file differs from source")
	}

	var sawComplete, sawProgress bool
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventComplete:
				sawComplete = true
				if ev.Bytes != uint64(len(f.data)) {
					t.Errorf("complete event bytes = %d, want %d", ev.Bytes, len(f.data))
				}
			case EventProgress:
				sawProgress = true
			}
		default:
			if !sawComplete {
				t.Error("no file-download-complete event")
			}
			if !sawProgress {
				t.Error("no file-download-progress event")
			}
			return
		}
	}
}

func TestDownloadCorruptChunkRetried(t *testing.T) {
	f := newFixture(t, 2*manifest.ChunkSize)
	out := filepath.Join(t.TempDir(), "out.bin")

	// First response for chunk 1 is garbage; the retry serves the real
	// bytes.
	innerFetch := f.coord.fetch
	var corrupted sync.Once
	f.coord.fetch = func(ctx context.Context, peerID string, req *protocol.FilePullRequest) (*protocol.FilePullResponse, error) {
		if req.ChunkIndex == 1 {
			var poisoned bool
			corrupted.Do(func() { poisoned = true })
			if poisoned {
				return &protocol.FilePullResponse{
					RequestID:  req.RequestID,
					FileHash:   req.FileHash,
					ChunkIndex: req.ChunkIndex,
					FileData:   []byte("junk bytes that will not authenticate"),
				}, nil
			}
		}
		return innerFetch(ctx, peerID, req)
	}

	err := f.coord.Download(context.Background(), DownloadRequest{
		RequestID: "req-corrupt",
		Manifest:  f.m,
		Recipient: f.recipient,
		OutPath:   out,
		Tier:      speedtier.Free,
	})
	if err != nil {
		t.Fatalf("Download failed despite retry budget: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, f.data) {
		t.Error("downloaded file differs after corrupt-chunk retry")
	}
}

func TestDownloadAbandonedAfterRetries(t *testing.T) {
	f := newFixture(t, manifest.ChunkSize)
	out := filepath.Join(t.TempDir(), "out.bin")

	f.coord.fetch = func(_ context.Context, _ string, req *protocol.FilePullRequest) (*protocol.FilePullResponse, error) {
		return nil, errors.New("peer unreachable")
	}

	events := f.coord.Events()
	err := f.coord.Download(context.Background(), DownloadRequest{
		RequestID: "req-dead",
		Manifest:  f.m,
		Recipient: f.recipient,
		OutPath:   out,
		Tier:      speedtier.Free,
	})
	if err == nil {
		t.Fatal("Download succeeded with a dead peer")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventFailed {
				if ev.Reason != ReasonChunkAbandoned {
					t.Errorf("failure reason = %s, want %s", ev.Reason, ReasonChunkAbandoned)
				}
				return
			}
		case <-deadline:
			t.Fatal("no failure event observed")
		}
	}
}

func TestDownloadNoProviders(t *testing.T) {
	f := newFixture(t, manifest.ChunkSize)
	f.m.Seeders = nil
	f.coord.resolver = &fakeResolver{}

	err := f.coord.Download(context.Background(), DownloadRequest{
		RequestID: "req-none",
		Manifest:  f.m,
		Recipient: f.recipient,
		OutPath:   filepath.Join(t.TempDir(), "out.bin"),
		Tier:      speedtier.Free,
	})
	if err == nil {
		t.Fatal("Download succeeded with zero providers")
	}
}

type fakePayments struct {
	sent      []string // "to amountCHI"
	mined     bool
	sendErr   error
	mu        sync.Mutex
	mineAfter int
	mineCalls int
}

func (f *fakePayments) SendTransaction(_ context.Context, from, to, amountCHI, _ string) (*wallet.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, to+" "+amountCHI)
	return &wallet.SendResult{Hash: fmt.Sprintf("0xtx%d", len(f.sent)), Status: "pending"}, nil
}

func (f *fakePayments) WaitMined(_ context.Context, _ string, _ time.Duration) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mineCalls++
	f.mined = true
	return map[string]interface{}{"status": "0x1"}, nil
}

func TestPaymentGatedDownload(t *testing.T) {
	f := newFixture(t, 1024*1024) // exactly 1 MiB
	payments := &fakePayments{}
	meta := wallet.NewMetaStore()
	f.coord.payments = payments
	f.coord.meta = meta

	// The first chunk request must not go out before the tier payment is
	// mined.
	innerFetch := f.coord.fetch
	f.coord.fetch = func(ctx context.Context, peerID string, req *protocol.FilePullRequest) (*protocol.FilePullResponse, error) {
		payments.mu.Lock()
		mined := payments.mined
		payments.mu.Unlock()
		if !mined {
			t.Error("chunk request issued before tier payment was mined")
		}
		return innerFetch(ctx, peerID, req)
	}

	seederWallet := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	err := f.coord.Download(context.Background(), DownloadRequest{
		RequestID:    "req-paid",
		Manifest:     f.m,
		Recipient:    f.recipient,
		OutPath:      filepath.Join(t.TempDir(), "out.bin"),
		Tier:         speedtier.Standard,
		Wallet:       &WalletCredentials{Address: "0x96216849c49358B10257cb55b28eA603c874b05E", PrivateKey: "0x01"},
		SeederWallet: seederWallet,
		PriceWei:     big.NewInt(5_000_000_000_000_000),
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	payments.mu.Lock()
	defer payments.mu.Unlock()
	if len(payments.sent) != 2 {
		t.Fatalf("sent %d payments, want 2 (tier + seeder): %v", len(payments.sent), payments.sent)
	}
	// Tier payment: 1 MiB at standard = 2*10^15 wei = 0.002 CHI, to the
	// burn address.
	if payments.sent[0] != wallet.BurnAddress+" 0.002" {
		t.Errorf("tier payment = %q", payments.sent[0])
	}
	// Seeder payment: 0.005 CHI to the seeder's wallet.
	if payments.sent[1] != seederWallet+" 0.005" {
		t.Errorf("seeder payment = %q", payments.sent[1])
	}

	if _, ok := meta.Lookup("0xtx1"); !ok {
		t.Error("tier payment metadata not recorded")
	}
}

func TestPaymentFailureAbortsBeforeChunks(t *testing.T) {
	f := newFixture(t, 1024*1024)
	payments := &fakePayments{sendErr: errors.New("insufficient balance")}
	f.coord.payments = payments

	fetched := false
	f.coord.fetch = func(context.Context, string, *protocol.FilePullRequest) (*protocol.FilePullResponse, error) {
		fetched = true
		return nil, errors.New("should not be called")
	}

	err := f.coord.Download(context.Background(), DownloadRequest{
		RequestID: "req-poor",
		Manifest:  f.m,
		Recipient: f.recipient,
		OutPath:   filepath.Join(t.TempDir(), "out.bin"),
		Tier:      speedtier.Standard,
		Wallet:    &WalletCredentials{Address: "0xabc", PrivateKey: "0x01"},
	})
	if err == nil {
		t.Fatal("Download succeeded despite payment failure")
	}
	if fetched {
		t.Error("chunks were requested after a failed payment")
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, 2*manifest.ChunkSize)
	out := filepath.Join(t.TempDir(), "out.bin")

	f.coord.Pause("req-pause")

	done := make(chan error, 1)
	go func() {
		done <- f.coord.Download(context.Background(), DownloadRequest{
			RequestID: "req-pause",
			Manifest:  f.m,
			Recipient: f.recipient,
			OutPath:   out,
			Tier:      speedtier.Free,
		})
	}()

	// While paused, no chunk is fetched.
	time.Sleep(200 * time.Millisecond)
	fetchedWhilePaused := 0
	f.fetchCalls.Range(func(_, _ interface{}) bool {
		fetchedWhilePaused++
		return true
	})
	if fetchedWhilePaused != 0 {
		t.Errorf("%d chunks fetched while paused", fetchedWhilePaused)
	}

	f.coord.Resume("req-pause")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Download failed after resume: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish after resume")
	}
}
