// The chiral command runs a Chiral Network node: DHT participant, seeder,
// downloader and wallet client.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chiral-network/chiral-network/internal/config"
	"github.com/chiral-network/chiral-network/internal/dht"
	"github.com/chiral-network/chiral-network/internal/transfer"
	"github.com/chiral-network/chiral-network/pkg/chunkstore"
	"github.com/chiral-network/chiral-network/pkg/identity"
	"github.com/chiral-network/chiral-network/pkg/keyexchange"
	"github.com/chiral-network/chiral-network/pkg/manifest"
	"github.com/chiral-network/chiral-network/pkg/speedtier"
	"github.com/chiral-network/chiral-network/pkg/wallet"
)

var (
	version    = "dev"
	commitHash = "unknown"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:     "chiral",
		Short:   "Chiral Network peer-to-peer content node",
		Version: fmt.Sprintf("%s (%s)", version, commitHash),
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")

	root.AddCommand(
		startCmd(),
		keygenCmd(),
		publishCmd(),
		searchCmd(),
		downloadCmd(),
		pushCmd(),
		balanceCmd(),
		sendCmd(),
		faucetCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Node, error) {
	cfg, err := config.LoadNode(cfgPath)
	if err != nil {
		return cfg, err
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	return cfg, nil
}

func identityPath(cfg config.Node) string {
	if cfg.IdentityFile != "" {
		return cfg.IdentityFile
	}
	return filepath.Join(cfg.DataDir, "identity.json")
}

// nodeSession assembles the full stack: identity, chunk store, DHT
// service, seeder and coordinator.
type nodeSession struct {
	cfg     config.Node
	id      *identity.Identity
	store   *chunkstore.Store
	service *dht.Service
	seeder  *transfer.Seeder
	coord   *transfer.Coordinator
	wallet  *wallet.Client
	meta    *wallet.MetaStore
}

func openSession(ctx context.Context) (*nodeSession, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	id, err := identity.LoadOrCreate(identityPath(cfg), cfg.IdentitySecret)
	if err != nil {
		return nil, err
	}

	store, err := chunkstore.Open(chunkstore.DefaultConfig(filepath.Join(cfg.DataDir, "chunks")))
	if err != nil {
		return nil, err
	}

	service := dht.NewService(dht.Config{
		DataDir:           cfg.DataDir,
		ListenPort:        cfg.ListenPort,
		BootstrapNodes:    cfg.BootstrapNodes,
		DnsaddrDomains:    cfg.DnsaddrDomains,
		ChainID:           cfg.ChainID,
		EnableMDNS:        cfg.EnableMDNS,
		EnableAutoNAT:     cfg.EnableAutoNAT,
		PreferredRelays:   cfg.PreferredRelays,
		BootstrapOnly:     cfg.BootstrapOnly,
		Identity:          id,
		AllowLANWarmstart: cfg.AllowLANWarmstart,
	})
	if err := service.Start(ctx); err != nil {
		store.Close()
		return nil, err
	}

	node := service.Node()
	seeder := transfer.NewSeeder(store)
	seeder.Attach(node.Host())

	walletClient := wallet.NewClient(cfg.RPCEndpoint, cfg.ChainID)
	meta := wallet.NewMetaStore()
	coord := transfer.NewCoordinator(node.Host(), store, service, walletClient, meta)

	return &nodeSession{
		cfg:     cfg,
		id:      id,
		store:   store,
		service: service,
		seeder:  seeder,
		coord:   coord,
		wallet:  walletClient,
		meta:    meta,
	}, nil
}

func (s *nodeSession) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.service.Stop(ctx); err != nil && err != dht.ErrNotRunning {
		logrus.WithError(err).Warn("dht stop failed")
	}
	s.store.Close()
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the node daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			session, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer session.close()

			peerID, _ := session.service.PeerID()
			fmt.Printf("Peer ID: %s\n", peerID)
			for _, addr := range session.service.Node().ListenAddrs() {
				fmt.Printf("Listening: %s\n", addr)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
				fmt.Println("shutting down")
			case <-ctx.Done():
			}
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh node identity",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := identity.Generate()
			if err != nil {
				return err
			}
			path := identityPath(cfg)
			if err := id.SaveToFile(path); err != nil {
				return err
			}
			peerID, err := id.PeerID()
			if err != nil {
				return err
			}
			fmt.Printf("Identity saved to %s\nPeer ID: %s\n", path, peerID)
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	var priceCHI, walletAddr, recipientHex string
	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Chunk, encrypt and announce a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer session.close()

			// Default recipient is a keypair derived from this node's
			// identity key so the publisher can always re-open the file.
			var recipientPub [keyexchange.KeySize]byte
			if recipientHex != "" {
				raw, err := hex.DecodeString(recipientHex)
				if err != nil || len(raw) != keyexchange.KeySize {
					return fmt.Errorf("recipient key must be %d hex-encoded bytes", keyexchange.KeySize)
				}
				copy(recipientPub[:], raw)
			} else {
				own, err := keyexchange.FromWalletKey(session.id.PrivateKey)
				if err != nil {
					return err
				}
				recipientPub = own.PublicKeyBytes()
			}

			m, err := manifest.SplitAndEncrypt(args[0], recipientPub, session.store)
			if err != nil {
				return err
			}

			priceWei := big.NewInt(0)
			if priceCHI != "" && priceCHI != "0" {
				priceWei, err = wallet.ParseCHIToWei(priceCHI)
				if err != nil {
					return err
				}
			}
			if priceWei.Sign() > 0 && walletAddr == "" {
				return fmt.Errorf("wallet address is required when setting a file price")
			}
			m.PriceWei = priceWei.String()
			m.WalletAddress = walletAddr
			if peerID, err := session.service.PeerID(); err == nil {
				m.Seeders = []string{peerID}
			}

			if err := session.seeder.Register(transfer.SharedFile{
				Hash:         m.MerkleRoot,
				AbsolutePath: args[0],
				FileName:     m.FileName,
				FileSize:     m.FileSize,
				PriceWei:     priceWei,
				PayeeWallet:  walletAddr,
			}, m); err != nil {
				return err
			}
			if err := session.service.PublishFile(ctx, m); err != nil {
				return err
			}
			fmt.Printf("Published %s\nMerkle root: %s\nChunks: %d\n", m.FileName, m.MerkleRoot, len(m.Chunks))
			return nil
		},
	}
	cmd.Flags().StringVar(&priceCHI, "price", "", "price in CHI for downloading this file")
	cmd.Flags().StringVar(&walletAddr, "wallet", "", "payee wallet address")
	cmd.Flags().StringVar(&recipientHex, "recipient", "", "hex X25519 public key of the intended recipient")
	return cmd
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <merkle-root>",
		Short: "Resolve a file manifest from the DHT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer session.close()

			searchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			m, err := session.service.SearchFile(searchCtx, args[0])
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(m, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func downloadCmd() *cobra.Command {
	var tierName, out, walletAddr, privKey string
	cmd := &cobra.Command{
		Use:   "download <merkle-root>",
		Short: "Download a file by Merkle root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tier, err := speedtier.Parse(tierName)
			if err != nil {
				return err
			}

			session, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer session.close()

			searchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			m, err := session.service.SearchFile(searchCtx, args[0])
			cancel()
			if err != nil {
				return err
			}

			if out == "" {
				dir := session.cfg.DownloadDir
				if dir == "" {
					dir = "."
				}
				out = filepath.Join(dir, m.FileName)
			}

			recipient, err := keyexchange.FromWalletKey(session.id.PrivateKey)
			if err != nil {
				return err
			}

			req := transfer.DownloadRequest{
				RequestID: fmt.Sprintf("download-%s-%d", shortHash(args[0]), time.Now().UnixMilli()),
				Manifest:  m,
				Recipient: recipient,
				OutPath:   out,
				Tier:      tier,
			}
			if walletAddr != "" && privKey != "" {
				req.Wallet = &transfer.WalletCredentials{Address: walletAddr, PrivateKey: privKey}
			}

			events := session.coord.Events()
			go func() {
				for ev := range events {
					switch ev.Type {
					case transfer.EventProgress:
						fmt.Printf("\rchunks %d/%d", ev.Completed, ev.Total)
					case transfer.EventComplete:
						fmt.Printf("\nsaved to %s (%d bytes)\n", ev.Path, ev.Bytes)
					case transfer.EventFailed:
						fmt.Printf("\nfailed: %s (%s)\n", ev.Error, ev.Reason)
					}
				}
			}()
			return session.coord.Download(ctx, req)
		},
	}
	cmd.Flags().StringVar(&tierName, "tier", "free", "speed tier: free, standard, premium, unlimited")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path")
	cmd.Flags().StringVar(&walletAddr, "wallet", "", "wallet address for paid tiers")
	cmd.Flags().StringVar(&privKey, "private-key", "", "wallet private key for paid tiers")
	return cmd
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <peer-id> <file>",
		Short: "Offer a file directly to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer session.close()

			if err := session.service.ConnectPeer(ctx, "/p2p/"+args[0]); err != nil {
				logrus.WithError(err).Warn("direct dial failed, push may still reach via relay")
			}
			resp, err := transfer.PushFile(ctx, session.service.Node().Host(), args[0], args[1])
			if err != nil {
				return err
			}
			if !resp.Accepted {
				return fmt.Errorf("peer declined the transfer: %s", resp.Error)
			}
			fmt.Printf("accepted (transfer %s)\n", resp.TransferID)
			return nil
		},
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func walletFromConfig() (*wallet.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return wallet.NewClient(cfg.RPCEndpoint, cfg.ChainID), nil
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <address>",
		Short: "Show the pending CHI balance of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := walletFromConfig()
			if err != nil {
				return err
			}
			wei, chi, err := client.BalanceCHI(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s CHI (%s wei)\n", chi, wei)
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var privKey string
	cmd := &cobra.Command{
		Use:   "send <from> <to> <amount-chi>",
		Short: "Sign and submit a CHI transfer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := walletFromConfig()
			if err != nil {
				return err
			}
			res, err := client.SendTransaction(cmd.Context(), args[0], args[1], args[2], privKey)
			if err != nil {
				return err
			}
			fmt.Printf("tx %s (%s)\nbalance: %s -> %s CHI\n",
				res.Hash, res.Status, res.BalanceBefore, res.BalanceAfter)
			return nil
		},
	}
	cmd.Flags().StringVar(&privKey, "private-key", "", "hex private key of the sender")
	cmd.MarkFlagRequired("private-key")
	return cmd
}

func faucetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "faucet <address>",
		Short: "Request 1 CHI from the dev faucet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := walletFromConfig()
			if err != nil {
				return err
			}
			hash, err := client.RequestFaucet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("faucet tx %s\n", hash)
			return nil
		},
	}
}
