package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/chiral-network/chiral-network/pkg/chunkstore"
	"github.com/chiral-network/chiral-network/pkg/keyexchange"
	"github.com/chiral-network/chiral-network/pkg/manifest"
	"github.com/chiral-network/chiral-network/pkg/protocol"
	"github.com/chiral-network/chiral-network/pkg/scheduler"
	"github.com/chiral-network/chiral-network/pkg/speedtier"
	"github.com/chiral-network/chiral-network/pkg/wallet"
)

// requestBudget is how many chunk requests one scheduler pass may issue.
const requestBudget = 12

// schedulerTick paces the request loop between scheduler passes.
const schedulerTick = 100 * time.Millisecond

// ProviderResolver is the slice of the DHT service the coordinator needs.
type ProviderResolver interface {
	GetProviders(ctx context.Context, fileHash string) ([]string, error)
	ConnectPeer(ctx context.Context, addr string) error
	IsPeerConnected(peerID string) (bool, error)
}

// Payments is the slice of the wallet client the coordinator needs.
type Payments interface {
	SendTransaction(ctx context.Context, from, to, amountCHI, privateKeyHex string) (*wallet.SendResult, error)
	WaitMined(ctx context.Context, txHash string, poll time.Duration) (map[string]interface{}, error)
}

// fetchFunc performs one chunk-level pull; swapped out by tests.
type fetchFunc func(ctx context.Context, peerID string, req *protocol.FilePullRequest) (*protocol.FilePullResponse, error)

// WalletCredentials sign payments for a download.
type WalletCredentials struct {
	Address    string
	PrivateKey string
}

// DownloadRequest describes one download end to end.
type DownloadRequest struct {
	RequestID string
	Manifest  *manifest.FileManifest
	Recipient *keyexchange.Keypair
	OutPath   string
	Tier      speedtier.Tier
	// Wallet funds the tier payment and the per-file payment. Required
	// whenever either amount is non-zero.
	Wallet *WalletCredentials
	// SeederWallet and PriceWei override the manifest's payment fields
	// when set.
	SeederWallet string
	PriceWei     *big.Int
}

// Coordinator drives downloads and emits progress events.
type Coordinator struct {
	store    *chunkstore.Store
	resolver ProviderResolver
	payments Payments
	meta     *wallet.MetaStore
	fetch    fetchFunc
	log      *logrus.Entry

	eventsMu sync.Mutex
	events   []chan Event

	pauseMu sync.Mutex
	paused  map[string]chan struct{}
}

// NewCoordinator wires a coordinator to the swarm host. payments and meta
// may be nil for free-tier-only operation.
func NewCoordinator(h host.Host, store *chunkstore.Store, resolver ProviderResolver, payments Payments, meta *wallet.MetaStore) *Coordinator {
	c := &Coordinator{
		store:    store,
		resolver: resolver,
		payments: payments,
		meta:     meta,
		paused:   make(map[string]chan struct{}),
		log:      logrus.WithField("component", "transfer"),
	}
	c.fetch = func(ctx context.Context, peerID string, req *protocol.FilePullRequest) (*protocol.FilePullResponse, error) {
		pid, err := peer.Decode(peerID)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id %q: %w", peerID, err)
		}
		var resp protocol.FilePullResponse
		if err := protocol.RequestJSON(ctx, h, pid, protocol.FilePullID, req, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
	return c
}

// Events subscribes to transfer events.
func (c *Coordinator) Events() <-chan Event {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	ch := make(chan Event, 256)
	c.events = append(c.events, ch)
	return ch
}

func (c *Coordinator) emit(ev Event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	for _, ch := range c.events {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Pause suspends chunk dispatch for a request.
func (c *Coordinator) Pause(requestID string) {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if _, ok := c.paused[requestID]; !ok {
		c.paused[requestID] = make(chan struct{})
		c.emit(Event{Type: EventPaused, RequestID: requestID})
	}
}

// Resume releases a paused request.
func (c *Coordinator) Resume(requestID string) {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if gate, ok := c.paused[requestID]; ok {
		delete(c.paused, requestID)
		close(gate)
		c.emit(Event{Type: EventResumed, RequestID: requestID})
	}
}

// pauseGate returns the channel to wait on if the request is paused.
func (c *Coordinator) pauseGate(requestID string) <-chan struct{} {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused[requestID]
}

// Download runs one download to completion. It blocks; run it in its own
// goroutine.
func (c *Coordinator) Download(ctx context.Context, req DownloadRequest) error {
	m := req.Manifest
	fail := func(reason, msg string) error {
		c.emit(Event{
			Type:      EventFailed,
			RequestID: req.RequestID,
			FileHash:  m.MerkleRoot,
			Reason:    reason,
			Error:     msg,
		})
		return fmt.Errorf("download %s failed: %s", req.RequestID, msg)
	}

	if err := m.Validate(); err != nil {
		return fail(ReasonInternal, err.Error())
	}
	if m.EncryptedKey == nil || req.Recipient == nil {
		return fail(ReasonInternal, "manifest carries no key bundle for this recipient")
	}
	fileKey, err := keyexchange.Decrypt(m.EncryptedKey, req.Recipient)
	if err != nil {
		return fail(ReasonCorrupt, "failed to unseal file key: "+err.Error())
	}

	providers, offline := c.resolveProviders(ctx, m)
	if len(providers) == 0 {
		return fail(ReasonAllProvidersOffline, "no providers available for this file")
	}
	if offline == len(providers) {
		c.log.WithField("hash", m.MerkleRoot).
			Warn("all providers appear offline, dialing anyway")
	}

	c.emit(Event{
		Type:      EventDownloadStarted,
		RequestID: req.RequestID,
		FileHash:  m.MerkleRoot,
		FileName:  m.FileName,
		Total:     len(m.Chunks),
	})

	// A paid tier settles before the first chunk request goes out.
	if err := c.payTier(ctx, req); err != nil {
		return fail(ReasonPaymentFailed, err.Error())
	}

	sched := scheduler.New(scheduler.DefaultConfig())
	sched.Init(len(m.Chunks))
	for _, p := range providers {
		sched.AddPeer(p, 0)
	}

	if err := c.pullChunks(ctx, req, m, sched, fileKey); err != nil {
		var abandonErr *abandonedError
		if errors.As(err, &abandonErr) {
			return fail(ReasonChunkAbandoned, err.Error())
		}
		if ctx.Err() != nil {
			return fail(ReasonInternal, ctx.Err().Error())
		}
		return fail(ReasonInternal, err.Error())
	}

	bytesWritten, err := c.assemble(ctx, m, fileKey, req.OutPath, req.Tier)
	if err != nil {
		if isNoSpace(err) {
			return fail(ReasonDiskFull, err.Error())
		}
		var corrupt *manifest.CorruptError
		if errors.As(err, &corrupt) {
			return fail(ReasonCorrupt, err.Error())
		}
		return fail(ReasonInternal, err.Error())
	}

	c.emit(Event{
		Type:      EventComplete,
		RequestID: req.RequestID,
		FileHash:  m.MerkleRoot,
		FileName:  m.FileName,
		Path:      req.OutPath,
		Bytes:     bytesWritten,
	})

	// Per-file payment to the seeder settles after a successful
	// completion.
	if err := c.paySeeder(ctx, req); err != nil {
		c.log.WithField("hash", m.MerkleRoot).WithError(err).
			Warn("seeder payment failed after completed download")
	}
	return nil
}

// resolveProviders merges manifest seeders with DHT providers and checks
// connectivity. Offline providers are kept: they may be dialable through a
// relay.
func (c *Coordinator) resolveProviders(ctx context.Context, m *manifest.FileManifest) (providers []string, offline int) {
	seen := make(map[string]struct{})
	add := func(p string) {
		if p == "" {
			return
		}
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			providers = append(providers, p)
		}
	}
	for _, p := range m.Seeders {
		add(p)
	}
	if c.resolver != nil {
		if found, err := c.resolver.GetProviders(ctx, m.MerkleRoot); err == nil {
			for _, p := range found {
				add(p)
			}
		}
	}

	if c.resolver == nil {
		return providers, 0
	}
	for _, p := range providers {
		connected, err := c.resolver.IsPeerConnected(p)
		if err != nil || !connected {
			offline++
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := c.resolver.ConnectPeer(dialCtx, "/p2p/"+p); err != nil {
				c.log.WithField("peer", p).WithError(err).Debug("provider dial failed")
			}
			cancel()
		}
	}
	return providers, offline
}

func (c *Coordinator) payTier(ctx context.Context, req DownloadRequest) error {
	cost := req.Tier.CostWei(req.Manifest.FileSize)
	if cost.Sign() == 0 {
		return nil
	}
	if c.payments == nil || req.Wallet == nil {
		return fmt.Errorf("wallet required for %s tier", req.Tier)
	}

	costCHI := wallet.FormatWeiAsCHI(cost)
	res, err := c.payments.SendTransaction(ctx, req.Wallet.Address, wallet.BurnAddress, costCHI, req.Wallet.PrivateKey)
	if err != nil {
		c.emit(Event{
			Type:      EventTierPaymentError,
			RequestID: req.RequestID,
			FileHash:  req.Manifest.MerkleRoot,
			Error:     err.Error(),
		})
		return fmt.Errorf("speed tier payment failed: %w", err)
	}

	if c.meta != nil {
		c.meta.Record(wallet.TransactionMeta{
			TxHash:         res.Hash,
			TxType:         wallet.TxTypeTierPayment,
			Description:    fmt.Sprintf("%s tier download: %s", req.Tier, req.Manifest.FileName),
			FileHash:       req.Manifest.MerkleRoot,
			FileName:       req.Manifest.FileName,
			Tier:           req.Tier.String(),
			RecipientLabel: "Burn Address (Speed Tier)",
			BalanceBefore:  res.BalanceBefore,
			BalanceAfter:   res.BalanceAfter,
		})
	}

	// Chunk pulls start only once the payment is mined.
	mineCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := c.payments.WaitMined(mineCtx, res.Hash, time.Second); err != nil {
		c.emit(Event{
			Type:      EventTierPaymentError,
			RequestID: req.RequestID,
			FileHash:  req.Manifest.MerkleRoot,
			TxHash:    res.Hash,
			Error:     err.Error(),
		})
		return fmt.Errorf("speed tier payment not mined: %w", err)
	}

	c.emit(Event{
		Type:      EventTierPaymentSent,
		RequestID: req.RequestID,
		FileHash:  req.Manifest.MerkleRoot,
		TxHash:    res.Hash,
	})
	return nil
}

func (c *Coordinator) paySeeder(ctx context.Context, req DownloadRequest) error {
	price := req.PriceWei
	payee := req.SeederWallet
	if price == nil && req.Manifest.PriceWei != "" {
		parsed, ok := new(big.Int).SetString(req.Manifest.PriceWei, 10)
		if ok {
			price = parsed
		}
	}
	if payee == "" {
		payee = req.Manifest.WalletAddress
	}
	if price == nil || price.Sign() == 0 {
		return nil
	}
	if c.payments == nil || req.Wallet == nil || payee == "" {
		return fmt.Errorf("wallet required for paid file")
	}

	res, err := c.payments.SendTransaction(ctx, req.Wallet.Address, payee, wallet.FormatWeiAsCHI(price), req.Wallet.PrivateKey)
	if err != nil {
		return err
	}
	if c.meta != nil {
		c.meta.Record(wallet.TransactionMeta{
			TxHash:         res.Hash,
			TxType:         wallet.TxTypeSend,
			Description:    "file payment: " + req.Manifest.FileName,
			FileHash:       req.Manifest.MerkleRoot,
			FileName:       req.Manifest.FileName,
			RecipientLabel: "Seeder",
			BalanceBefore:  res.BalanceBefore,
			BalanceAfter:   res.BalanceAfter,
		})
	}
	return nil
}

// abandonedError marks a terminal scheduler failure.
type abandonedError struct {
	chunks []int
}

func (e *abandonedError) Error() string {
	return fmt.Sprintf("chunks %v abandoned after retry budget", e.chunks)
}

// pullChunks runs the scheduler loop until every chunk is stored.
func (c *Coordinator) pullChunks(ctx context.Context, req DownloadRequest, m *manifest.FileManifest, sched *scheduler.Scheduler, fileKey []byte) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	completed := 0
	total := len(m.Chunks)
	// Sized so workers can always deliver, even when the loop exits
	// early on abandonment or cancellation.
	results := make(chan chunkResult, total+requestBudget)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if gate := c.pauseGate(req.RequestID); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Drain finished workers before the next scheduling pass.
	drain:
		for {
			select {
			case res := <-results:
				completed = c.applyResult(req, m, sched, res, completed, total)
			default:
				break drain
			}
		}

		if sched.IsComplete() {
			return nil
		}
		if abandoned := sched.Abandoned(); len(abandoned) > 0 {
			return &abandonedError{chunks: abandoned}
		}

		for _, assignment := range sched.GetNextRequests(requestBudget) {
			wg.Add(1)
			go func(a scheduler.ChunkRequest) {
				defer wg.Done()
				results <- c.fetchOne(ctx, req, m, a, fileKey)
			}(assignment)
		}

		select {
		case res := <-results:
			completed = c.applyResult(req, m, sched, res, completed, total)
		case <-time.After(schedulerTick):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type chunkResult struct {
	index   int
	peerID  string
	sentAt  time.Time
	corrupt bool
	err     error
}

// fetchOne pulls one sealed chunk and verifies it into the store.
func (c *Coordinator) fetchOne(ctx context.Context, req DownloadRequest, m *manifest.FileManifest, a scheduler.ChunkRequest, fileKey []byte) chunkResult {
	res := chunkResult{index: a.ChunkIndex, peerID: a.PeerID, sentAt: a.SentAt}

	pullCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	resp, err := c.fetch(pullCtx, a.PeerID, &protocol.FilePullRequest{
		RequestID:  req.RequestID,
		FileHash:   m.MerkleRoot,
		ChunkIndex: a.ChunkIndex,
	})
	if err != nil {
		res.err = err
		return res
	}
	if resp.Error != "" {
		res.err = errors.New(resp.Error)
		return res
	}

	info := m.Chunks[a.ChunkIndex]
	hash, err := info.HashBytes()
	if err != nil {
		res.err = err
		res.corrupt = true
		return res
	}
	if err := c.store.PutSealed(hash, resp.FileData, fileKey); err != nil {
		res.err = err
		res.corrupt = errors.Is(err, chunkstore.ErrIntegrity) || errors.Is(err, chunkstore.ErrCorrupt)
		return res
	}
	return res
}

func (c *Coordinator) applyResult(req DownloadRequest, m *manifest.FileManifest, sched *scheduler.Scheduler, res chunkResult, completed, total int) int {
	if res.err != nil {
		sched.OnChunkFailed(res.index, res.corrupt)
		c.emit(Event{
			Type:       EventChunkFailed,
			RequestID:  req.RequestID,
			FileHash:   m.MerkleRoot,
			ChunkIndex: res.index,
			Error:      res.err.Error(),
		})
		return completed
	}

	sched.OnChunkReceived(res.index)
	completed++
	c.emit(Event{
		Type:       EventChunkReceived,
		RequestID:  req.RequestID,
		FileHash:   m.MerkleRoot,
		ChunkIndex: res.index,
	})
	c.emit(Event{
		Type:      EventProgress,
		RequestID: req.RequestID,
		FileHash:  m.MerkleRoot,
		Completed: completed,
		Total:     total,
	})
	return completed
}

// assemble streams verified chunks to disk in index order through the
// tier's rate limiter. The file appears under its final name only when
// complete.
func (c *Coordinator) assemble(ctx context.Context, m *manifest.FileManifest, fileKey []byte, outPath string, tier speedtier.Tier) (uint64, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".chiral-dl-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	limiter := speedtier.NewLimiter(tier)
	w := limiter.Writer(ctx, tmp)

	var written uint64
	for _, info := range m.Chunks {
		hash, err := info.HashBytes()
		if err != nil {
			return written, err
		}
		plaintext, err := c.store.GetPlaintext(hash, fileKey)
		if err != nil {
			return written, fmt.Errorf("chunk %d unavailable at assembly: %w", info.Index, err)
		}
		if uint32(len(plaintext)) != info.PlaintextSize {
			return written, &manifest.CorruptError{Index: info.Index}
		}
		n, err := w.Write(plaintext)
		if err != nil {
			return written, fmt.Errorf("failed to write chunk %d: %w", info.Index, err)
		}
		written += uint64(n)
	}

	if err := tmp.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return written, fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return written, fmt.Errorf("failed to finalize output: %w", err)
	}
	return written, nil
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
