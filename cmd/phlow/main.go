// Command phlow runs an agent-to-agent authentication sidecar and
// ships the operational tooling around it: key generation, token
// minting and inspection, and the serve loop exposing the discovery
// and role-request endpoints.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/pkg/phlow"
	"github.com/phlow-auth/phlow-go/pkg/phlowgin"
	"github.com/phlow-auth/phlow-go/pkg/roleexchange"
	"github.com/phlow-auth/phlow-go/pkg/token"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "phlow",
	Short: "Agent-to-agent authentication sidecar",
	Long: `phlow authenticates agent-to-agent requests: bearer tokens,
registry-backed agent cards, circuit-broken dependencies, sliding-window
rate limits and verifiable role credentials.

Configuration comes from PHLOW_* environment variables or --config.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)

	tokenCmd.AddCommand(tokenSignCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("PHLOW_DEV_LOG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// ── serve ────────────────────────────────────────────────────────────────────

var (
	servePort  int
	serveRPS   int
	corsOrigin []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication sidecar HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		cfg, err := phlow.LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		p, err := phlow.New(ctx, cfg, logger)
		if err != nil {
			return err
		}

		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())
		router.Use(cors.New(cors.Config{
			AllowOrigins:  corsOrigin,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept", phlowgin.AgentIDHeader},
			ExposeHeaders: []string{"Content-Length", "X-Request-Id"},
			MaxAge:        12 * time.Hour,
		}))
		router.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
		if serveRPS > 0 {
			edge := phlowgin.NewEdgeLimiter(serveRPS, serveRPS*2)
			defer edge.Stop()
			router.Use(edge.Handler())
		}
		router.Use(requestLogger(logger))

		router.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		router.GET(phlowgin.WellKnownPath, phlowgin.WellKnown(p))
		router.POST(roleexchange.RoleRequestPath, phlowgin.RoleRequestHandler(p.Responder(), logger))

		// Authenticated surface: peers prove themselves here and the
		// sidecar reports what it verified.
		authed := router.Group("/phlow")
		authed.Use(phlowgin.Middleware(p, phlow.AuthOptions{}, logger))
		authed.GET("/whoami", func(c *gin.Context) {
			authCtx := phlowgin.AuthContext(c)
			c.JSON(http.StatusOK, gin.H{
				"agentId":       authCtx.Agent.AgentID,
				"permissions":   authCtx.Claims.Permissions,
				"verifiedRoles": authCtx.VerifiedRoles,
				"requestId":     authCtx.RequestID,
			})
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", servePort),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			logger.Info("phlow sidecar listening",
				zap.Int("port", servePort),
				zap.String("agent_id", cfg.AgentID),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("listen error", zap.Error(err))
			}
		}()

		<-quit
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8088, "HTTP listen port")
	serveCmd.Flags().IntVar(&serveRPS, "rate-limit-rps", 20, "per-IP edge rate limit (0 disables)")
	serveCmd.Flags().StringSliceVar(&corsOrigin, "cors-origin", []string{"*"}, "allowed CORS origins")
}

// ── keygen ───────────────────────────────────────────────────────────────────

var (
	keygenBits int
	keygenDir  string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA keypair for the local agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := rsa.GenerateKey(rand.Reader, keygenBits)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}

		privPEM := pem.EncodeToMemory(&pem.Block{
			Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return fmt.Errorf("encode public key: %w", err)
		}
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

		if err := os.MkdirAll(keygenDir, 0o700); err != nil {
			return err
		}
		privPath := filepath.Join(keygenDir, "phlow.key")
		pubPath := filepath.Join(keygenDir, "phlow.pub")
		if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
			return err
		}
		if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
			return err
		}

		fmt.Printf("wrote %s and %s\n", privPath, pubPath)
		return nil
	},
}

func init() {
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 2048, "RSA key size")
	keygenCmd.Flags().StringVar(&keygenDir, "out", "keys", "output directory")
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint and inspect bearer tokens",
}

var (
	signKeyPath  string
	signAgentID  string
	signAudience string
	signTTL      string
	signPerms    []string
)

var tokenSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a bearer token addressed to a peer agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPEM, err := os.ReadFile(signKeyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		ttl, err := token.ParseTTL(signTTL)
		if err != nil {
			return err
		}

		codec, err := token.NewCodec("RS256")
		if err != nil {
			return err
		}
		claims := &token.Claims{Permissions: signPerms}
		claims.Subject = signAgentID
		claims.Issuer = signAgentID
		claims.Audience = jwt.ClaimStrings{signAudience}

		signed, err := codec.Sign(claims, string(keyPEM), ttl)
		if err != nil {
			return err
		}
		fmt.Println(signed)
		return nil
	},
}

var (
	verifyPubPath  string
	verifyAudience string
	verifyIssuer   string
)

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify a bearer token against a public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pubPEM, err := os.ReadFile(verifyPubPath)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}

		codec, err := token.NewCodec("RS256")
		if err != nil {
			return err
		}
		claims, err := codec.Verify(args[0], string(pubPEM), token.VerifyOptions{
			Audience: verifyAudience,
			Issuer:   verifyIssuer,
		})
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(claims, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	tokenSignCmd.Flags().StringVar(&signKeyPath, "key", "keys/phlow.key", "private key file")
	tokenSignCmd.Flags().StringVar(&signAgentID, "agent-id", "", "local agent id (sub and iss)")
	tokenSignCmd.Flags().StringVar(&signAudience, "audience", "", "target agent id")
	tokenSignCmd.Flags().StringVar(&signTTL, "ttl", "1h", "token lifetime (s|m|h|d suffix)")
	tokenSignCmd.Flags().StringSliceVar(&signPerms, "permission", nil, "permission to include (repeatable)")
	_ = tokenSignCmd.MarkFlagRequired("agent-id")
	_ = tokenSignCmd.MarkFlagRequired("audience")

	tokenVerifyCmd.Flags().StringVar(&verifyPubPath, "pub", "keys/phlow.pub", "public key file")
	tokenVerifyCmd.Flags().StringVar(&verifyAudience, "audience", "", "required audience")
	tokenVerifyCmd.Flags().StringVar(&verifyIssuer, "issuer", "", "required issuer")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the phlow version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("phlow", version)
	},
}

// requestLogger logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
