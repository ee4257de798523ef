package cmd

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmcleod/fidogate/api"
	"github.com/jmcleod/fidogate/fido"
	"github.com/jmcleod/fidogate/internal/util"
	"github.com/jmcleod/fidogate/keyhandle"
	"github.com/jmcleod/fidogate/policy"
	"github.com/jmcleod/fidogate/session"
	bboltstorage "github.com/jmcleod/fidogate/storage/bbolt"
	"github.com/jmcleod/fidogate/token"
	"github.com/jmcleod/fidogate/verifier"
)

var (
	port       int
	dataDir    string
	tlsCert    string
	tlsKey     string
	policyFile string
	domainID   string
	serverID   string
	rpOrigins  []string
	redisURL   string
	entropy    int
	jwtIssuer  string
)

const sessionSweepInterval = time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the FIDO relying-party server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := bboltstorage.NewStore(dataDir + "/credentials.db")
		if err != nil {
			return fmt.Errorf("failed to open credential storage: %w", err)
		}
		defer store.Close()

		pol, err := loadPolicy(policyFile, domainID, serverID)
		if err != nil {
			return err
		}
		policies := policy.NewCache()
		policies.Register(pol)

		cipher, err := keyhandle.New(keyHandleSecret(logger))
		if err != nil {
			return fmt.Errorf("failed to initialize key handle cipher: %w", err)
		}

		var sessions session.Store = session.NewMemoryStore()
		if redisURL != "" {
			sessions, err = replicatedSessions(sessions, logger)
			if err != nil {
				return err
			}
		}

		origins := rpOrigins
		if len(origins) == 0 {
			origins = []string{"https://" + pol.RP.ID}
		}
		fido2, err := verifier.NewWebAuthn(pol.RP.ID, pol.RP.Name, origins)
		if err != nil {
			return fmt.Errorf("failed to configure FIDO2 verifier: %w", err)
		}

		signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate token signing key: %w", err)
		}

		engine := fido.NewEngine(store, sessions, cipher,
			verifier.NewMux(verifier.NewU2F(), fido2), policies,
			fido.WithLogger(logger),
			fido.WithServerID(serverID),
			fido.WithChallengeEntropy(entropy),
			fido.WithTokenIssuer(token.NewIssuer(signingKey, jwtIssuer)),
		)

		a := api.New(engine, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Abandoned sessions expire lazily on access; the sweeper just
		// reclaims their memory.
		sweepDone := make(chan struct{})
		if ms, ok := sessions.(*session.MemoryStore); ok {
			go sweepSessions(ms, pol.UserPresenceTimeout(), sweepDone)
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s, domain: %s)...\n", port, dataDir, domainID)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			close(sweepDone)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			close(sweepDone)
			return err
		}
	},
}

// loadPolicy reads the policy document from disk. The file may hold either
// the base64url envelope or the raw JSON.
func loadPolicy(path, domainID, serverID string) (*policy.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	encoded := strings.TrimSpace(string(raw))
	if json.Valid(raw) {
		encoded = base64.RawURLEncoding.EncodeToString(raw)
	}
	pol, err := policy.Parse(encoded, domainID, serverID, "1")
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return pol, nil
}

// keyHandleSecret reads the key handle encryption secret from the
// environment. Without one, a random per-process secret is used and stored
// key handles do not survive a restart.
func keyHandleSecret(logger *slog.Logger) []byte {
	if s := os.Getenv("FIDOGATE_KEYHANDLE_SECRET"); s != "" {
		return []byte(s)
	}
	secret, err := util.RandomBytes(32)
	if err == nil {
		logger.Warn("FIDOGATE_KEYHANDLE_SECRET not set, using ephemeral secret; credentials will not survive restart")
		return secret
	}
	return nil
}

func replicatedSessions(inner session.Store, logger *slog.Logger) (session.Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redis.NewClient(opts),
		},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session publisher: %w", err)
	}
	return session.NewReplicated(inner, publisher, "fido.sessions", logger), nil
}

func sweepSessions(store *session.MemoryStore, maxAge time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			store.Sweep(maxAge)
		case <-done:
			return
		}
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&policyFile, "policy-file", "./policy.json", "Path to the domain policy document")
	serverCmd.Flags().StringVar(&domainID, "domain-id", "1", "Relying-party domain identifier")
	serverCmd.Flags().StringVar(&serverID, "server-id", "1", "This node's server identifier")
	serverCmd.Flags().StringSliceVar(&rpOrigins, "rp-origin", nil, "Allowed WebAuthn origins (defaults to https://<rp id>)")
	serverCmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL for session replication (disabled when empty)")
	serverCmd.Flags().IntVar(&entropy, "challenge-entropy", fido.DefaultEntropyLength, "Challenge nonce length in bytes")
	serverCmd.Flags().StringVar(&jwtIssuer, "jwt-issuer", "fidogate", "Issuer claim for minted tokens")
}
