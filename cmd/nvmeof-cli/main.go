// Command nvmeof-cli is a thin gRPC client for the gateway's admin API,
// following the same one-subcommand-per-RPC layout and dial/defer/call
// idiom as the teacher's cmd/warren/main.go client commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/nvmeof-gw/api/gatewaypb"
	"github.com/cuemby/nvmeof-gw/internal/mtls"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if _, ok := err.(usageError); ok {
		return 1
	}
	if _, ok := err.(connectionError); ok {
		return 3
	}
	return 2
}

type usageError struct{ error }
type connectionError struct{ error }

var rootCmd = &cobra.Command{
	Use:   "nvmeof-cli",
	Short: "Administer an NVMe-oF gateway",
}

func init() {
	rootCmd.PersistentFlags().String("gateway", "127.0.0.1:5500", "Gateway gRPC address")
	rootCmd.PersistentFlags().Bool("tls", false, "Dial with TLS")
	rootCmd.PersistentFlags().String("cert", "", "Client certificate file (mTLS)")
	rootCmd.PersistentFlags().String("key", "", "Client key file (mTLS)")
	rootCmd.PersistentFlags().String("ca", "", "CA certificate file")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "RPC timeout")

	rootCmd.AddCommand(subsystemCmd, namespaceCmd, listenerCmd, hostCmd, connectionCmd, getSubsystemsCmd, logLevelCmd, healthCmd)
}

func dial(cmd *cobra.Command) (*grpc.ClientConn, error) {
	addr, _ := cmd.Flags().GetString("gateway")
	useTLS, _ := cmd.Flags().GetBool("tls")

	var creds credentials.TransportCredentials = insecure.NewCredentials()
	if useTLS {
		certFile, _ := cmd.Flags().GetString("cert")
		keyFile, _ := cmd.Flags().GetString("key")
		caFile, _ := cmd.Flags().GetString("ca")
		tlsConfig, err := mtls.ClientTLSConfig(mtls.ClientConfig{CertFile: certFile, KeyFile: keyFile, CAFile: caFile})
		if err != nil {
			return nil, usageError{fmt.Errorf("load TLS material: %w", err)}
		}
		creds = credentials.NewTLS(tlsConfig)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, connectionError{fmt.Errorf("dial %s: %w", addr, err)}
	}
	return conn, nil
}

func callCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// --- subsystem ---

var subsystemCmd = &cobra.Command{Use: "subsystem", Short: "Manage subsystems"}

var subsystemAddCmd = &cobra.Command{
	Use:  "add",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		serial, _ := cmd.Flags().GetString("serial")
		maxNS, _ := cmd.Flags().GetInt32("max-namespaces")
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{
			NQN: args[0], Serial: serial, MaxNamespaces: maxNS,
		})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var subsystemDelCmd = &cobra.Command{
	Use:  "del",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		force, _ := cmd.Flags().GetBool("force")
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).SubsystemDel(ctx, &gatewaypb.SubsystemDelRequest{NQN: args[0], Force: force})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

func init() {
	subsystemAddCmd.Flags().String("serial", "", "Serial number (auto-generated if omitted)")
	subsystemAddCmd.Flags().Int32("max-namespaces", 0, "Maximum namespace count (default 1024)")
	subsystemDelCmd.Flags().Bool("force", false, "Cascade-delete namespaces, listeners, hosts, and keys")
	subsystemCmd.AddCommand(subsystemAddCmd, subsystemDelCmd)
}

// --- namespace ---

var namespaceCmd = &cobra.Command{Use: "namespace", Short: "Manage namespaces"}

var namespaceAddCmd = &cobra.Command{
	Use:  "add",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		pool, _ := cmd.Flags().GetString("pool")
		image, _ := cmd.Flags().GetString("image")
		size, _ := cmd.Flags().GetInt64("size-bytes")
		lbGroup, _ := cmd.Flags().GetInt32("lb-group")
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).NamespaceAdd(ctx, &gatewaypb.NamespaceAddRequest{
			NQN: args[0], Pool: pool, Image: image, SizeBytes: size, LBGroup: lbGroup,
		})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var namespaceDelCmd = &cobra.Command{
	Use:  "del",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		nsid, _ := cmd.Flags().GetInt32("nsid")
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).NamespaceDel(ctx, &gatewaypb.NamespaceDelRequest{NQN: args[0], NSID: nsid})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

func init() {
	namespaceAddCmd.Flags().String("pool", "", "Backing pool")
	namespaceAddCmd.Flags().String("image", "", "Backing image")
	namespaceAddCmd.Flags().Int64("size-bytes", 0, "Namespace size in bytes")
	namespaceAddCmd.Flags().Int32("lb-group", 0, "Load balancing group")
	namespaceDelCmd.Flags().Int32("nsid", 0, "Namespace id")
	namespaceCmd.AddCommand(namespaceAddCmd, namespaceDelCmd)
}

// --- listener ---

var listenerCmd = &cobra.Command{Use: "listener", Short: "Manage listeners"}

func listenerRequest(cmd *cobra.Command, nqn string) *gatewaypb.ListenerRequest {
	gateway, _ := cmd.Flags().GetString("gateway-name")
	transport, _ := cmd.Flags().GetString("transport")
	adrfam, _ := cmd.Flags().GetString("adrfam")
	traddr, _ := cmd.Flags().GetString("traddr")
	trsvcid, _ := cmd.Flags().GetString("trsvcid")
	secure, _ := cmd.Flags().GetBool("secure")
	return &gatewaypb.ListenerRequest{NQN: nqn, GatewayName: gateway, Transport: transport, AdrFam: adrfam, TrAddr: traddr, TrSvcID: trsvcid, Secure: secure}
}

var listenerAddCmd = &cobra.Command{
	Use:  "add",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).ListenerAdd(ctx, listenerRequest(cmd, args[0]))
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var listenerDelCmd = &cobra.Command{
	Use:  "del",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).ListenerDel(ctx, listenerRequest(cmd, args[0]))
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{listenerAddCmd, listenerDelCmd} {
		c.Flags().String("gateway-name", "", "Owning gateway name")
		c.Flags().String("transport", "tcp", "Transport type")
		c.Flags().String("adrfam", "ipv4", "Address family")
		c.Flags().String("traddr", "", "Transport address")
		c.Flags().String("trsvcid", "", "Transport service id (port)")
	}
	listenerAddCmd.Flags().Bool("secure", false, "Require TLS-PSK on this listener")
	listenerCmd.AddCommand(listenerAddCmd, listenerDelCmd)
}

// --- host ---

var hostCmd = &cobra.Command{Use: "host", Short: "Manage host ACL entries"}

var hostAddCmd = &cobra.Command{
	Use:  "add",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		psk, _ := cmd.Flags().GetString("psk")
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).HostAdd(ctx, &gatewaypb.HostAddRequest{
			NQN: args[0], HostNQN: args[1], PSK: []byte(psk),
		})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var hostDelCmd = &cobra.Command{
	Use:  "del",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).HostDel(ctx, &gatewaypb.HostDelRequest{NQN: args[0], HostNQN: args[1]})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

func init() {
	hostAddCmd.Flags().String("psk", "", "Pre-shared key material (raw bytes as a string)")
	hostCmd.AddCommand(hostAddCmd, hostDelCmd)
}

// --- connections / introspection ---

var connectionCmd = &cobra.Command{
	Use:  "connections",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).ConnectionList(ctx, &gatewaypb.ConnectionListRequest{NQN: args[0]})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var getSubsystemsCmd = &cobra.Command{
	Use: "subsystems",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).GetSubsystems(ctx, &gatewaypb.GetSubsystemsRequest{})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var logLevelCmd = &cobra.Command{
	Use:  "log-level",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).LogLevel(ctx, &gatewaypb.LogLevelRequest{Level: args[0]})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use: "health",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		resp, err := gatewaypb.NewGatewayServiceClient(conn).GatewayHealth(ctx, &gatewaypb.GatewayHealthRequest{})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}
