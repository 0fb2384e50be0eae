// Command bleepstore runs the S3-compatible object storage server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bleepstore/bleepstore/internal/cluster"
	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/logging"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/server"
	"github.com/bleepstore/bleepstore/internal/storage"
)

// uploadTTLSeconds is how long an unfinished multipart upload survives
// before the startup reaper discards it.
const uploadTTLSeconds = 7 * 24 * 3600

func main() {
	configPath := flag.String("config", "bleepstore.yaml", "path to configuration file")
	host := flag.String("host", "", "override listen host")
	port := flag.Int("port", 0, "override listen port")
	logLevel := flag.String("log-level", "", "override log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "override log format: text, json")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "override graceful shutdown timeout in seconds")
	maxObjectSize := flag.Int64("max-object-size", 0, "override maximum object size in bytes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("loading config: %v", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxObjectSize != 0 {
		cfg.Server.MaxObjectSize = *maxObjectSize
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx := context.Background()

	meta, err := openMetadataStore(ctx, cfg)
	if err != nil {
		fatal("opening metadata store: %v", err)
	}
	defer meta.Close()

	if err := seedDefaultCredentials(ctx, meta, cfg); err != nil {
		fatal("seeding credentials: %v", err)
	}

	store, err := openStorageBackend(ctx, cfg)
	if err != nil {
		fatal("opening storage backend: %v", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	// Every boot doubles as recovery: clear orphaned temp files and reap
	// multipart uploads that outlived their TTL.
	if local, ok := store.(*storage.LocalBackend); ok {
		if err := local.CleanTempFiles(); err != nil {
			slog.Warn("temp file cleanup failed", "error", err)
		}
	}
	reapExpiredUploads(meta, store)

	var node *cluster.Node
	if cfg.Cluster.Enabled {
		node = cluster.NewNode(cfg.Cluster.NodeID, cfg.Cluster.BindAddr, cfg.Cluster.Peers)
		if err := node.Start(); err != nil {
			fatal("starting cluster node: %v", err)
		}
		defer node.Stop()
	}

	srv := server.New(cfg, meta, store)
	addr := cfg.ListenAddr()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bleepstore listening", "addr", addr,
			"metadata", cfg.Metadata.Engine, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			fatal("server error: %v", err)
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "bleepstore: "+format+"\n", args...)
	os.Exit(1)
}

func openMetadataStore(ctx context.Context, cfg *config.Config) (metadata.MetadataStore, error) {
	switch cfg.Metadata.Engine {
	case "sqlite":
		path := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return metadata.NewSQLiteStore(path)
	case "memory":
		return metadata.NewMemoryStore(), nil
	case "local":
		return metadata.NewLocalStore(cfg.Metadata.Local.RootDir, cfg.Metadata.Local.CompactOnStartup)
	case "dynamodb":
		d := cfg.Metadata.DynamoDB
		return metadata.NewDynamoDBStore(ctx, d.Region, d.EndpointURL, d.TablePrefix)
	case "firestore":
		f := cfg.Metadata.Firestore
		return metadata.NewFirestoreStore(ctx, f.Project, f.CredentialsFile, f.CollectionPrefix)
	case "cosmos":
		c := cfg.Metadata.Cosmos
		return metadata.NewCosmosStore(ctx, c.Endpoint, c.Database, c.ContainerPrefix)
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Metadata.Engine)
	}
}

func openStorageBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "local":
		if err := os.MkdirAll(cfg.Storage.Local.RootDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewLocalBackend(cfg.Storage.Local.RootDir)
	case "memory":
		m := cfg.Storage.Memory
		snapshotPath := ""
		if m.Persistence == "snapshot" {
			snapshotPath = m.SnapshotPath
		}
		return storage.NewMemoryBackend(m.MaxSizeBytes, snapshotPath,
			time.Duration(m.SnapshotIntervalSeconds)*time.Second)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
		return storage.NewSQLiteBackend(cfg.Storage.SQLite.Path)
	case "aws":
		a := cfg.Storage.AWS
		if a.Bucket == "" {
			return nil, fmt.Errorf("storage.aws.bucket is required")
		}
		return storage.NewS3Gateway(ctx, storage.S3GatewayOptions{
			Bucket:      a.Bucket,
			Region:      a.Region,
			Prefix:      a.Prefix,
			EndpointURL: a.EndpointURL,
			PathStyle:   a.PathStyle,
			AccessKey:   a.AccessKey,
			SecretKey:   a.SecretKey,
		})
	case "gcp":
		g := cfg.Storage.GCP
		if g.Bucket == "" {
			return nil, fmt.Errorf("storage.gcp.bucket is required")
		}
		return storage.NewGCSGateway(ctx, g.Bucket, g.Prefix, g.CredentialsFile)
	case "azure":
		a := cfg.Storage.Azure
		if a.Container == "" {
			return nil, fmt.Errorf("storage.azure.container is required")
		}
		accountURL := a.AccountURL
		if accountURL == "" {
			if a.Account == "" {
				return nil, fmt.Errorf("storage.azure.account or account_url is required")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", a.Account)
		}
		return storage.NewAzureGateway(ctx, a.Container, a.Account, accountURL, a.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// seedDefaultCredentials inserts the configured credential pair if it is
// not already present. Runs on every boot.
func seedDefaultCredentials(ctx context.Context, meta metadata.MetadataStore, cfg *config.Config) error {
	existing, err := meta.GetCredential(ctx, cfg.Auth.AccessKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if err := meta.PutCredential(ctx, &metadata.CredentialRecord{
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		OwnerID:     cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	slog.Info("seeded default credential", "access_key", cfg.Auth.AccessKey)
	return nil
}

// reapExpiredUploads drops multipart uploads past their TTL, together with
// their staged part payloads when the backend can find them by upload ID.
func reapExpiredUploads(meta metadata.MetadataStore, store storage.Backend) {
	reaper, ok := meta.(metadata.UploadReaper)
	if !ok {
		return
	}
	expired, err := reaper.ReapExpiredUploads(uploadTTLSeconds)
	if err != nil {
		slog.Warn("upload reap failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	partReaper, _ := store.(storage.PartReaper)
	for _, upload := range expired {
		if partReaper != nil {
			if err := partReaper.ReapUploadParts(upload.UploadID); err != nil {
				slog.Warn("part cleanup failed", "upload_id", upload.UploadID, "error", err)
			}
		}
	}
	slog.Info("reaped expired multipart uploads", "count", len(expired))
}
