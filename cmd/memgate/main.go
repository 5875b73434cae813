// cmd/memgate is the entry point for the memgate MCP (Model Context Protocol)
// server.  It is a thin stdio adapter: every tool call is forwarded to either
// the hosted memory API (cloud mode) or an in-process embedder + vector store
// (local mode), selected once at startup from the credentials present in the
// environment.
//
// Startup sequence:
//  1. Load configuration from environment variables (plus optional YAML).
//  2. Select the backend mode: MEM0_API_KEY wins, OPENAI_API_KEY is the
//     fallback, neither is fatal.
//  3. Create the MCP server and start answering the protocol handshake.
//  4. Construct the backend and attach it (cloud construction is immediate;
//     local mode may need to reach a vector database first).
//  5. Serve JSON-RPC 2.0 requests from stdin, writing responses to stdout.
//
// CRITICAL: ALL logging MUST go to stderr.  Any bytes written to stdout that
// are not valid JSON-RPC 2.0 response frames will corrupt the protocol.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/memgate/internal/api/mcp"
	"github.com/scrypster/memgate/internal/backend"
	"github.com/scrypster/memgate/internal/backend/cloud"
	"github.com/scrypster/memgate/internal/backend/local"
	"github.com/scrypster/memgate/internal/config"
	"github.com/scrypster/memgate/internal/embed"
	"github.com/scrypster/memgate/internal/journal"
	"github.com/scrypster/memgate/internal/sidelog"
	"github.com/scrypster/memgate/internal/vectorstore"
)

func main() {
	// Redirect the default logger to stderr so that any incidental log calls
	// (e.g. from imported packages) never pollute the stdout JSON-RPC stream.
	restore := sidelog.Redirect()
	defer restore()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	mode, err := cfg.Mode()
	if err != nil {
		if errors.Is(err, config.ErrNoCredentials) {
			log.Fatalf("no backend available: %v", err)
		}
		log.Fatalf("failed to select backend: %v", err)
	}
	log.Printf("backend mode: %s", mode)

	// Optional write journal. A missing or broken journal is a warning, not
	// a startup failure.
	var j *journal.Journal
	if cfg.Journal.Path != "" {
		j, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Printf("warning: journal disabled: %v", err)
			j = nil
		} else {
			defer j.Close()
		}
	}

	// Set up a root context that is cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	srvOpts := []mcp.ServerOption{
		mcp.WithDefaults(cfg.Defaults.UserID, cfg.Defaults.SessionID),
	}
	if j != nil {
		srvOpts = append(srvOpts, mcp.WithJournal(j))
	}
	srv := mcp.NewServer(srvOpts...)

	// Queued writes keep running after the transport stops; let them land
	// before the process exits.
	defer srv.Drain()

	switch mode {
	case config.ModeCloud:
		// The hosted client needs no upfront connection, but attaching off
		// the main goroutine keeps the protocol handshake independent of
		// backend construction in both modes.
		go func() {
			srv.Attach(newCloudBackend(cfg))
			log.Println("cloud backend attached")
		}()
	case config.ModeLocal:
		b, err := newLocalBackend(cfg)
		if err != nil {
			log.Fatalf("failed to initialize local backend: %v", err)
		}
		defer b.Close()
		srv.Attach(b)
		log.Println("local backend attached")
	}

	// Wrap the server in a StdioTransport that reads line-delimited JSON-RPC
	// from stdin and writes responses to stdout.  All logging inside the
	// transport is directed to stderr.
	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)

	log.Println("ready, serving JSON-RPC 2.0 on stdin/stdout")

	if err := transport.Serve(ctx); err != nil {
		// A non-nil error here is normal (context cancellation) or indicates a
		// fatal stdin/stdout problem.  Either way it is informational only.
		log.Printf("transport stopped: %v", err)
	}
}

// newCloudBackend constructs the hosted memory API client.
func newCloudBackend(cfg *config.Config) backend.Backend {
	return cloud.New(cloud.Config{
		APIKey:    cfg.Cloud.APIKey,
		BaseURL:   cfg.Cloud.BaseURL,
		OrgID:     cfg.Cloud.OrgID,
		ProjectID: cfg.Cloud.ProjectID,
	})
}

// newLocalBackend constructs the embedder + vector store pipeline. This may
// reach out to the configured vector database (qdrant, pgvector) and fail,
// which is fatal: there is no degraded local mode.
func newLocalBackend(cfg *config.Config) (backend.Backend, error) {
	embedder := embed.NewOpenAIClient(embed.OpenAIConfig{
		APIKey:  cfg.Local.OpenAIAPIKey,
		Model:   cfg.Local.Embedding.Model,
		Dims:    cfg.Local.Embedding.Dims,
		BaseURL: cfg.Local.OpenAIBaseURL,
	})
	store, err := vectorstore.New(cfg.Local.VectorDB, embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	return local.New(embedder, store), nil
}
