package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/prometheus/client_golang/prometheus"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/config"
	"github.com/agusx1211/waverun/internal/hub"
	"github.com/agusx1211/waverun/internal/hubserver"
	"github.com/agusx1211/waverun/internal/sessionstore"
)

const mdnsServiceType = "_waverun._tcp"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the event hub",
	Long: `Run a standalone hub server: supervisors push events to POST /api/events,
consumers replay and follow them over /ws/events, and Prometheus scrapes
/metrics. Session state is read from the project's .waverun directory.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("dir", "d", ".", "Project directory")
	serveCmd.Flags().IntP("port", "p", 8417, "Port to listen on")
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Bool("expose", false, "Bind to 0.0.0.0 for LAN access (enables TLS and an auth token)")
	serveCmd.Flags().String("tls", "", "TLS mode: 'self-signed' or 'custom' (requires --cert and --key)")
	serveCmd.Flags().String("cert", "", "Path to TLS certificate file (for --tls=custom)")
	serveCmd.Flags().String("key", "", "Path to TLS key file (for --tls=custom)")
	serveCmd.Flags().String("auth-token", "", "Require Bearer token for API access")
	serveCmd.Flags().Float64("rate-limit", 0, "Max requests per second per IP (0 = unlimited)")
	serveCmd.Flags().Bool("mdns", false, "Advertise the hub on the local network via mDNS/Bonjour")
	serveCmd.Flags().Bool("qr", false, "Print a QR code for the hub URL")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	expose, _ := cmd.Flags().GetBool("expose")
	tlsMode, _ := cmd.Flags().GetString("tls")
	certFile, _ := cmd.Flags().GetString("cert")
	keyFile, _ := cmd.Flags().GetString("key")
	authToken, _ := cmd.Flags().GetString("auth-token")
	rateLimit, _ := cmd.Flags().GetFloat64("rate-limit")
	enableMDNS, _ := cmd.Flags().GetBool("mdns")
	printQR, _ := cmd.Flags().GetBool("qr")

	if expose {
		if !cmd.Flags().Changed("host") {
			host = "0.0.0.0"
		}
		if tlsMode == "" {
			tlsMode = "self-signed"
		}
		if authToken == "" {
			authToken = generateToken()
			fmt.Printf("Generated auth token: %s%s%s\n", styleBoldWhite, authToken, colorReset)
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	store := sessionstore.New(dir)
	reg := prometheus.NewRegistry()
	h := hub.New(hub.Options{
		HistorySize:       cfg.HistorySize,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Metrics:           hub.NewMetrics(reg),
	})
	defer h.Close()

	srv, err := hubserver.New(hubserver.Options{
		Host:      host,
		Port:      port,
		TLSMode:   tlsMode,
		CertFile:  certFile,
		KeyFile:   keyFile,
		AuthToken: authToken,
		RateLimit: rateLimit,
		Hub:       h,
		Store:     store,
		Registry:  reg,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	url := hubURL(srv, host)
	fmt.Printf("%sHub server running%s\n", styleBoldGreen, colorReset)
	fmt.Printf("URL: %s%s%s\n", styleBoldCyan, url, colorReset)
	if authToken != "" {
		fmt.Println("Auth token required for API access.")
	}
	if printQR {
		if err := printHubQRCode(url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
		}
	}

	if expose || enableMDNS {
		server, err := startMDNSService("waverun", srvPort(srv), url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer server.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down hub server: %w", err)
	}
	return nil
}

func generateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// hubURL builds the URL to print and advertise. A wildcard bind is rewritten
// to a routable interface address so the QR code works off-host.
func hubURL(srv *hubserver.Server, bindHost string) string {
	addr := srv.Addr()
	if bindHost == "0.0.0.0" || bindHost == "::" {
		if ip := localIPv4(); ip != "" {
			_, port, err := net.SplitHostPort(addr)
			if err == nil {
				addr = net.JoinHostPort(ip, port)
			}
		}
	}
	return srv.Scheme() + "://" + addr
}

func srvPort(srv *hubserver.Server) int {
	_, rawPort, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		return 0
	}
	port := 0
	fmt.Sscanf(rawPort, "%d", &port)
	return port
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

func startMDNSService(name string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "waverun"
	}
	txtRecords := []string{
		fmt.Sprintf("hub=%s", name),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}

func printHubQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}
