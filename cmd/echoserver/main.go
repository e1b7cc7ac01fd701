// Command echoserver is a minimal managed server. It registers one ORB with
// the daemon that started it and answers every object request with the
// object key it was addressed by.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tomyedwab/orbd/client"
	"github.com/tomyedwab/orbd/objref"
	"github.com/tomyedwab/orbd/processes"
	"github.com/tomyedwab/orbd/types"
)

const orbID types.ORBID = "echo"

type echoResponse struct {
	ServerID types.ServerID `json:"server_id"`
	ORBID    types.ORBID    `json:"orb_id"`
	Payload  string         `json:"payload"`
	Path     string         `json:"path,omitempty"`
	Method   string         `json:"method"`
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	key, err := objref.ParseKey(r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(echoResponse{
		ServerID: key.ServerID,
		ORBID:    key.ORBID,
		Payload:  string(key.Payload),
		Path:     r.PathValue("rest"),
		Method:   r.Method,
	})
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// The activation arguments use single-dash names
	fs := flag.NewFlagSet("echoserver", flag.ContinueOnError)
	initialPort := fs.Int("ORBInitialPort", 1049, "Port of the activation daemon")
	serverID := fs.Int("ORBServerId", 0, "Server id assigned by the daemon")
	activated := fs.Bool("ORBActivated", false, "Started by the activation daemon")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Warn("Ignoring malformed arguments", "error", err)
	}
	if !*activated || *serverID == 0 {
		logger.Error("echoserver must be started by the activation daemon")
		os.Exit(1)
	}
	id := types.ServerID(*serverID)
	token := os.Getenv(processes.EnvActivationToken)
	host := os.Getenv(processes.EnvInitialHost)
	if host == "" {
		host = "localhost"
	}
	logger = logger.With("serverID", id)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		logger.Error("Failed to listen", "error", err)
		os.Exit(1)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/objects/{key}", echoHandler)
	mux.HandleFunc("/objects/{key}/{rest...}", echoHandler)
	callbacks := client.NewCallbackServer(token, client.CallbackHandlers{
		OnShutdown: func(context.Context) error {
			stop()
			return nil
		},
	}, logger)
	callbacks.Register(mux, "/callback")

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	daemon := client.NewClient("http://"+net.JoinHostPort(host, strconv.Itoa(*initialPort)), client.WithActivationToken(token))
	callbackURL := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/callback"
	if err := daemon.Active(ctx, id, callbackURL); err != nil {
		logger.Error("Failed to register with daemon", "error", err)
		os.Exit(1)
	}
	endpoints := []types.EndPointInfo{{EndpointType: types.EndpointIIOPClearText, Port: port}}
	if err := daemon.RegisterEndpoints(ctx, id, orbID, endpoints); err != nil {
		logger.Error("Failed to register endpoints", "error", err)
		os.Exit(1)
	}
	logger.Info("Echo server ready", "port", port)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("Echo server stopped")
}
