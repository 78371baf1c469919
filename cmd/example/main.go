// Package main provides a basic example of serving HTTP/2 with velox.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgarridom/velox/pkg/velox"
)

func main() {
	logger := log.New(os.Stderr, "velox: ", log.LstdFlags)

	config := velox.DefaultConfig()
	config.Logger = logger
	config.SendErrorDetails = os.Getenv("VELOX_DEBUG") == "1"
	if addr := os.Getenv("VELOX_ADDR"); addr != "" {
		config.Addr = addr
	}

	server, err := velox.New(velox.HandlerFunc(serve), config)
	if err != nil {
		logger.Fatalf("configuration: %v", err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("serving h2c on %s (try: curl --http2-prior-knowledge http://localhost%s/)", config.Addr, config.Addr)
	if err := server.ListenAndServe(); err != nil {
		logger.Fatalf("server: %v", err)
	}
}

func serve(ctx context.Context, req *velox.Request, w velox.ResponseWriter) error {
	switch {
	case req.Method == "GET" && req.Path == "/":
		if err := w.WriteHeaders(200, [][2]string{{"content-type", "text/plain"}}); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "hello from velox over %s\n", req.Scheme)
		return err

	case req.Method == "POST" && req.Path == "/echo":
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		if err := w.WriteHeaders(200, [][2]string{{"content-type", "application/octet-stream"}}); err != nil {
			return err
		}
		_, err = w.Write(body)
		return err

	default:
		if err := w.WriteHeaders(404, [][2]string{{"content-type", "text/plain"}}); err != nil {
			return err
		}
		_, err := io.WriteString(w, "not found\n")
		return err
	}
}
