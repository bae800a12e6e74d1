package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/peerlink"
)

var cfgFile string

// echoServer replies to every Create with its own content.
type echoServer struct {
	sync.RWMutex
	clients map[string]*peerlink.Client
}

func newEchoServer() *echoServer {
	return &echoServer{clients: make(map[string]*peerlink.Client)}
}

func (s *echoServer) Handle(ctx context.Context, client *peerlink.Client) error {
	addr := client.Conn().Addr().String()
	s.addClient(addr, client)
	defer s.deleteClient(addr)

	for msg, err := range client.Messages(ctx) {
		if errors.Is(err, peerlink.ErrConnectionClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Type != peerlink.TypeCreate {
			continue
		}

		var content any
		if err := msg.Decode(&content); err != nil {
			if _, err := client.Conn().Error(ctx, err.Error(), msg.ID); err != nil {
				return err
			}
			continue
		}

		slog.Info("echo", "addr", addr, "content", content)
		if _, err := client.Conn().Reply(ctx, content, msg.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *echoServer) addClient(addr string, client *peerlink.Client) {
	s.Lock()
	defer s.Unlock()

	slog.Info("add new client", "addr", addr, "clients", len(s.clients)+1)
	s.clients[addr] = client
}

func (s *echoServer) deleteClient(addr string) {
	s.Lock()
	defer s.Unlock()

	delete(s.clients, addr)
}

func options() []peerlink.Option {
	alg := peerlink.DefaultAlgorithm()
	alg.ModulusLength = viper.GetInt("key_bits")

	return []peerlink.Option{
		peerlink.VersionOption(viper.GetString("version")),
		peerlink.SeparatorOption(viper.GetString("separator")),
		peerlink.BufferSizeOption(viper.GetInt("buffer_size")),
		peerlink.KeyFormatOption(peerlink.KeyFormat(viper.GetString("key_format"))),
		peerlink.HandshakeTimeoutOption(viper.GetDuration("handshake_timeout")),
		peerlink.AlgorithmOption(alg),
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	server, err := peerlink.Listen("tcp", viper.GetString("addr"), options()...)
	if err != nil {
		return err
	}
	defer server.Close()

	slog.Info("server start", "addr", server.Addr().String())
	err = server.Serve(cmd.Context(), newEchoServer())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func connect(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	client, err := peerlink.Dial(ctx, "tcp", viper.GetString("addr"), options()...)
	if err != nil {
		return err
	}
	defer client.Close()

	slog.Info("client ready", "addr", client.Conn().Addr().String(), "version", client.Version())

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		for msg, err := range client.Messages(child) {
			if errors.Is(err, peerlink.ErrConnectionClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			if msg.Type == peerlink.TypeCreate || msg.Type == peerlink.TypeError {
				slog.Info("received", "type", msg.Type, "id", msg.ID)
			}
		}
		return nil
	})

	group.Go(func() error {
		defer client.Close()

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			reqCtx, cancel := context.WithTimeout(child, 10*time.Second)
			reply, err := client.Request(reqCtx, line)
			cancel()
			if err != nil {
				return err
			}
			fmt.Println(reply.Text())
		}
		return scanner.Err()
	})

	return group.Wait()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			slog.Warn("config file not loaded", "file", cfgFile, "error", err)
		}
	}

	viper.SetEnvPrefix("peerlink")
	viper.AutomaticEnv()
}

func main() {
	root := &cobra.Command{
		Use:           "echo",
		Short:         "peerlink echo server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.String("addr", "127.0.0.1:12345", "address to listen on or connect to")
	flags.String("version", peerlink.DefaultVersion, "protocol version")
	flags.String("separator", peerlink.DefaultSeparator, "frame separator")
	flags.Int("buffer_size", 4096, "bytes per read")
	flags.Int("key_bits", 4096, "RSA modulus length")
	flags.String("key_format", string(peerlink.KeyFormatJWK), "public key format (jwk or pem)")
	flags.Duration("handshake_timeout", 30*time.Second, "handshake timeout")
	_ = viper.BindPFlags(flags)

	cobra.OnInitialize(initConfig)

	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "run the echo server", RunE: serve},
		&cobra.Command{Use: "connect", Short: "send stdin lines to the echo server", RunE: connect},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("echo failed", "error", err)
		os.Exit(1)
	}
}
