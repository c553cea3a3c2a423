package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/codec"
	"github.com/meshcl/mcl/internal/config"
	"github.com/meshcl/mcl/internal/control"
	"github.com/meshcl/mcl/internal/orchestrator"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "mclnode",
	Short: "Mesh connectivity node: LQSR routing over one virtual adapter",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Development = false

	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	log := logger.Sugar()

	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	node, err := buildNode(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}

	surface := control.New(node, orchestrator.CryptoRandomSource{})
	info, _ := surface.QueryVirtualAdapter()
	log.Infow("control surface ready",
		zap.Stringer("address", info.Address),
		zap.Stringer("metric", info.MetricType),
	)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return node.Run(ctx)
	})
	wg.Go(func() error {
		return listen(ctx, cfg.Endpoint, log)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

func buildNode(cfg *config.Config, log *zap.SugaredLogger) (*orchestrator.LQSR, error) {
	self, err := addr.ParseVirtualAddress(cfg.Adapter.VirtualAddress)
	if err != nil {
		return nil, fmt.Errorf("bad virtual_address: %w", err)
	}
	metricType, err := config.ParseMetricType(cfg.Adapter.MetricType)
	if err != nil {
		return nil, err
	}
	macKey, aesKey, err := cfg.Adapter.Keys()
	if err != nil {
		return nil, err
	}
	if cfg.Adapter.MTU.Bytes() < codec.MinFrameSize {
		return nil, fmt.Errorf("mtu %s is below the protocol minimum frame size (%d bytes)", cfg.Adapter.MTU, codec.MinFrameSize)
	}

	ocfg := orchestrator.DefaultConfig(self, metricType)
	ocfg.Snooping = cfg.Adapter.Snooping
	ocfg.ArtificialDrop = cfg.Adapter.ArtificialDrop
	ocfg.CryptoEnabled = cfg.Adapter.Crypto
	ocfg.MACKey = macKey
	ocfg.AESKey = aesKey
	ocfg.LinkCache.LinkTimeout = addr.FromDuration(cfg.Adapter.LinkTimeout)
	ocfg.LinkCache.RouteFlapDampingFactor = cfg.Adapter.RouteFlapDampingFactor

	var crypto orchestrator.Crypto = orchestrator.NoCrypto{}
	if cfg.Adapter.Crypto {
		crypto, err = newAESCrypto(aesKey)
		if err != nil {
			return nil, err
		}
	}

	node := orchestrator.New(ocfg, addr.NewSystemClock(), orchestrator.CryptoRandomSource{}, crypto, discardHost{log: log}, log)
	log.Infow("node initialized",
		zap.Stringer("address", self),
		zap.Stringer("metric", metricType),
	)
	return node, nil
}

// discardHost stands in for the host IP stack bind, which lives outside this
// process; delivered payloads are logged and dropped.
type discardHost struct {
	log *zap.SugaredLogger
}

func (h discardHost) Deliver(payload []byte) error {
	h.log.Debugw("payload delivered to host", "bytes", len(payload))
	return nil
}

// aesCrypto encrypts LQSR payloads with AES-CTR under the configured key.
type aesCrypto struct {
	block cipher.Block
}

func newAESCrypto(key []byte) (*aesCrypto, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad AES key: %w", err)
	}
	return &aesCrypto{block: block}, nil
}

func (c *aesCrypto) Encrypt(iv [16]byte, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	cipher.NewCTR(c.block, iv[:]).XORKeyStream(out, plaintext)
	return out, nil
}

func (c *aesCrypto) Decrypt(iv [16]byte, ciphertext []byte) ([]byte, error) {
	return c.Encrypt(iv, ciphertext)
}

func listen(ctx context.Context, endpoint string, log *zap.SugaredLogger) error {
	lis, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, health.NewServer())
	reflection.Register(srv)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.Infof("gRPC server listening on %s", lis.Addr())
	return srv.Serve(lis)
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received
// or the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
