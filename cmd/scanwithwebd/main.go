package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/WangShayne/ScanWithWeb/internal/config"
	"github.com/WangShayne/ScanWithWeb/internal/daemon"
	"github.com/WangShayne/ScanWithWeb/internal/version"
)

var dataDir string

func main() {
	rootCmd := &cobra.Command{
		Use:           "scanwithwebd",
		Short:         "ScanWithWeb daemon - bridges browser pages to local scanners",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "override the product data directory")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	if dataDir != "" {
		paths = config.PathsIn(dataDir)
	}

	if err := config.EnsureDirs(paths); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	// Last-resort sink: anything that escapes the handlers lands in the
	// log with a stack before the process dies.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Daemon] FATAL unhandled panic: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	if daemon.IsRunning(paths) {
		return fmt.Errorf("daemon is already running")
	}

	settings, err := config.Load(paths)
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{Paths: paths, Settings: settings})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := d.Start(); err != nil {
			errChan <- err
		}
	}()

	log.Printf("ScanWithWeb daemon started (PID: %d)", os.Getpid())
	log.Printf("Endpoints: ws://127.0.0.1:%d wss://127.0.0.1:%d",
		settings.WebSocket.WsPort, settings.WebSocket.WssPort)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Printf("Daemon error: %v", err)
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging(paths config.Paths) error {
	logFile, err := os.OpenFile(paths.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== ScanWithWeb Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", paths.Log)
	return nil
}
