package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/cuemby/paravon/pkg/security"
	"github.com/cuemby/paravon/pkg/storage"
	"github.com/spf13/cobra"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the cluster's mTLS certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create and persist a new root CA for the cluster",
	RunE:  runCAInit,
}

var caIssueCmd = &cobra.Command{
	Use:   "issue <node-id>",
	Short: "Issue a node certificate signed by the cluster CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAIssueNode,
}

var caIssueClientCmd = &cobra.Command{
	Use:   "issue-client <client-id>",
	Short: "Issue a CLI client certificate signed by the cluster CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAIssueClient,
}

func init() {
	for _, c := range []*cobra.Command{caInitCmd, caIssueCmd, caIssueClientCmd} {
		c.Flags().String("data-dir", "./data", "Node data directory holding the CA's system.db")
		c.Flags().String("cluster-id", "", "Cluster ID the CA's at-rest encryption key is derived from (required)")
	}
	caIssueCmd.Flags().StringSlice("dns", nil, "Additional DNS SANs for the certificate")
	caIssueCmd.Flags().StringSlice("ip", nil, "Additional IP SANs for the certificate")
	caIssueCmd.Flags().String("out", "", "Output directory for node.crt/node.key/ca.crt (defaults to ~/.paravon/certs/node-<id>)")
	caIssueClientCmd.Flags().String("out", "", "Output directory for node.crt/node.key/ca.crt (defaults to ~/.paravon/certs/cli)")

	caCmd.AddCommand(caInitCmd, caIssueCmd, caIssueClientCmd)
	rootCmd.AddCommand(caCmd)
}

func openCA(cmd *cobra.Command) (*security.CertAuthority, func() error, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	clusterID, _ := cmd.Flags().GetString("cluster-id")
	if clusterID == "" {
		return nil, nil, fmt.Errorf("--cluster-id is required")
	}

	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
		return nil, nil, err
	}

	backend, err := storage.OpenBoltBackend(filepath.Join(dataDir, "system.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening system store: %w", err)
	}

	return security.NewCertAuthority(backend), backend.Close, nil
}

func runCAInit(cmd *cobra.Command, _ []string) error {
	ca, closeStore, err := openCA(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := ca.Initialize(); err != nil {
		return fmt.Errorf("initializing CA: %w", err)
	}
	if err := ca.SaveToStore(); err != nil {
		return fmt.Errorf("saving CA: %w", err)
	}

	fmt.Println("root CA created and saved")
	return nil
}

func runCAIssueNode(cmd *cobra.Command, args []string) error {
	nodeID := args[0]
	ca, closeStore, err := openCA(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := ca.LoadFromStore(); err != nil {
		return fmt.Errorf("loading CA (run `paravon ca init` first?): %w", err)
	}

	dnsNames, _ := cmd.Flags().GetStringSlice("dns")
	ipStrings, _ := cmd.Flags().GetStringSlice("ip")
	ips, err := parseIPs(ipStrings)
	if err != nil {
		return err
	}

	cert, err := ca.IssueNodeCertificate(nodeID, dnsNames, ips)
	if err != nil {
		return fmt.Errorf("issuing node certificate: %w", err)
	}

	outDir, _ := cmd.Flags().GetString("out")
	if outDir == "" {
		outDir, err = security.GetCertDir(nodeID)
		if err != nil {
			return err
		}
	}
	return writeIssuedCert(ca, cert, outDir)
}

func runCAIssueClient(cmd *cobra.Command, args []string) error {
	clientID := args[0]
	ca, closeStore, err := openCA(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := ca.LoadFromStore(); err != nil {
		return fmt.Errorf("loading CA (run `paravon ca init` first?): %w", err)
	}

	cert, err := ca.IssueClientCertificate(clientID)
	if err != nil {
		return fmt.Errorf("issuing client certificate: %w", err)
	}

	outDir, _ := cmd.Flags().GetString("out")
	if outDir == "" {
		outDir, err = security.GetCLICertDir()
		if err != nil {
			return err
		}
	}
	return writeIssuedCert(ca, cert, outDir)
}

func writeIssuedCert(ca *security.CertAuthority, cert *tls.Certificate, outDir string) error {
	if err := security.SaveCertToFile(cert, outDir); err != nil {
		return fmt.Errorf("saving certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), outDir); err != nil {
		return fmt.Errorf("saving CA certificate: %w", err)
	}
	fmt.Printf("certificate issued: %s\n", outDir)
	return nil
}

func parseIPs(raw []string) ([]net.IP, error) {
	ips := make([]net.IP, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address: %s", s)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}
