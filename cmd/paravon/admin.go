package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/peerclient"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/throttling"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <peer-address>",
	Short: "Send a join command to a running node's peer listener",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdminRequest("join"),
}

var drainCmd = &cobra.Command{
	Use:   "drain <peer-address>",
	Short: "Send a drain command to a running node's peer listener",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdminRequest("drain"),
}

func init() {
	for _, c := range []*cobra.Command{joinCmd, drainCmd} {
		c.Flags().String("cert", "", "Client certificate (PEM)")
		c.Flags().String("key", "", "Client key (PEM)")
		c.Flags().String("ca", "", "Cluster CA certificate (PEM)")
		c.Flags().Duration("timeout", 10*time.Second, "Request timeout")
	}
}

// runAdminRequest builds a RunE that dials a single peer, sends one
// msgType request, waits for the matching reply, and prints its result —
// the one-shot client shape spec.md describes for the admin CLI, built
// directly on peerclient.ClientConnection the way SeedBootstrapper uses
// it for its own one-shot view/bucket requests.
func runAdminRequest(msgType string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		address := args[0]
		timeout, _ := cmd.Flags().GetDuration("timeout")

		tlsConfig, err := adminTLSConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		subscription := peerclient.NewSubscription()
		defer subscription.Close()
		backoff := throttling.NewExponentialBackoff(0.25, 2, 5, 0.25)
		conn := peerclient.NewClientConnection(address, address, tlsConfig, subscription, serializer.MsgPackSerializer{}, backoff, 1)
		defer conn.Close()

		ch, unsubscribe := subscription.Subscribe()
		defer unsubscribe()

		if err := conn.Send(ctx, message.New(msgType, nil)); err != nil {
			return fmt.Errorf("%s: %w", msgType, err)
		}

		select {
		case env := <-ch:
			return printAdminReply(env.Msg)
		case <-ctx.Done():
			return fmt.Errorf("%s: timed out waiting for a reply from %s", msgType, address)
		}
	}
}

func printAdminReply(msg message.Message) error {
	if msg.Type == "ko" {
		return fmt.Errorf("%v", msg.Data["message"])
	}
	fmt.Fprintf(os.Stdout, "%s: %v\n", msg.Type, msg.Data["message"])
	return nil
}

func adminTLSConfig(cmd *cobra.Command) (*tls.Config, error) {
	certFile, _ := cmd.Flags().GetString("cert")
	keyFile, _ := cmd.Flags().GetString("key")
	caFile, _ := cmd.Flags().GetString("ca")
	if certFile == "" || keyFile == "" || caFile == "" {
		return nil, fmt.Errorf("--cert, --key, and --ca are all required (mTLS is mandatory)")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in %s", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
