// Command scanwithweb is the companion CLI: it probes a running daemon over
// the same WebSocket protocol the browser SDK uses.
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/version"
)

var port int

func main() {
	rootCmd := &cobra.Command{
		Use:           "scanwithweb",
		Short:         "ScanWithWeb companion CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.PersistentFlags().IntVar(&port, "port", 8180, "daemon plaintext WebSocket port")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Authenticate against the daemon and measure a ping round-trip",
		RunE:  runStatus,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "scanners",
		Short: "List the scanners the daemon can see",
		RunE:  runScanners,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dial() (*websocket.Conn, error) {
	endpoint := url.URL{Scheme: "ws", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable on port %d: %w", port, err)
	}
	return conn, nil
}

// roundTrip sends one request and reads one response.
func roundTrip(conn *websocket.Conn, req protocol.Request) (*protocol.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var resp protocol.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, err
	}
	if resp.Status == protocol.StatusError {
		return &resp, fmt.Errorf("%s: %s", resp.ErrorCode, resp.Message)
	}
	return &resp, nil
}

func authenticate(conn *websocket.Conn) (string, error) {
	resp, err := roundTrip(conn, protocol.Request{
		Action:    protocol.ActionAuthenticate,
		RequestID: uuid.NewString(),
		ClientID:  "scanwithweb-cli",
	})
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	token, err := authenticate(conn)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := roundTrip(conn, protocol.Request{
		Action:    protocol.ActionPing,
		RequestID: uuid.NewString(),
		Token:     token,
	})
	if err != nil {
		return err
	}

	fmt.Printf("daemon answering on port %d (%s, %s round-trip)\n",
		port, resp.Message, time.Since(start).Round(time.Microsecond))
	return nil
}

func runScanners(cmd *cobra.Command, args []string) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	token, err := authenticate(conn)
	if err != nil {
		return err
	}

	resp, err := roundTrip(conn, protocol.Request{
		Action:    protocol.ActionListScanners,
		RequestID: uuid.NewString(),
		Token:     token,
	})
	if err != nil {
		return err
	}

	for _, dev := range resp.Scanners {
		marker := " "
		if dev.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %-30s %s\n", marker, dev.ID, dev.Name)
	}
	return nil
}
