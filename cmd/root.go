package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"destigo/client"
	"destigo/internal"
	"destigo/manifest"
	"destigo/utils"
)

var (
	apiKey      string
	manifestDir string
	language    string
	quiet       bool
	debug       bool
	logLevel    string
	logFile     string
	timeout     time.Duration
	config      *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "destigo",
	Short:   "Client tooling for the Bungie.net API content manifest",
	Version: "v1.0.0",
	Long: `destigo is a client for the Bungie.net API with rate-limit aware
request handling, OAuth support and a local content-database manifest store.

Examples:
  destigo manifest --lang en
  destigo decode 1234567890 DestinyInventoryItemDefinition
  destigo auth-link

Environment Variables:
  DESTIGO_API_KEY        API key (required)
  DESTIGO_CLIENT_ID      OAuth client id
  DESTIGO_CLIENT_SECRET  OAuth client secret
  DESTIGO_REDIRECT_URL   OAuth redirect URL
  DESTIGO_MANIFEST_DIR   Directory for content databases
  DESTIGO_MAX_RETRIES    Transient-failure retry budget
  DESTIGO_PROXY          Proxy URL (http, https or socks5)

A .env file in the working directory is loaded before the environment.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfiguration()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Download or refresh the content database for a language",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := utils.NewFileOperations().EnsureDir(config.ManifestDir); err != nil {
			return fmt.Errorf("cannot create manifest directory: %w", err)
		}

		c, err := client.New(config)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := c.UpdateManifest(ctx, language); err != nil {
			return err
		}
		internal.LogInfo("Content database for %s ready", language)
		fmt.Printf("Manifest for %s is current: %s\n", language, c.Manifest.ContentPath(language))
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <hash> <definition>",
	Short: "Resolve a definition hash against the content database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid hash %q: must be an unsigned 32-bit integer", args[0])
		}

		c, err := client.New(config)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		doc, err := c.DecodeHash(ctx, uint32(hash), args[1], language)
		if err != nil {
			return err
		}

		var pretty json.RawMessage = doc
		indented, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			doc = indented
		}
		fmt.Println(string(doc))
		return nil
	},
}

var authLinkCmd = &cobra.Command{
	Use:   "auth-link",
	Short: "Generate an OAuth authorization link",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(config)
		if err != nil {
			return err
		}

		link, state := c.OAuth.GenAuthLink()
		fmt.Printf("Visit:\n  %s\n\nState (verify on callback): %s\n", link, state)
		return nil
	},
}

func loadConfiguration() error {
	// A missing .env file is fine; explicit environment always wins.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		internal.LogWarn("Could not load .env file: %v", err)
	}

	config = internal.DefaultConfig()
	config.LoadFromEnv()

	if apiKey != "" {
		config.APIKey = apiKey
	}
	if manifestDir != "" {
		config.ManifestDir = manifestDir
	}
	if timeout > 0 {
		config.HTTPTimeout = timeout
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFile != "" {
		config.LogFile = logFile
	}
	config.EnableDebug = config.EnableDebug || debug
	config.QuietMode = config.QuietMode || quiet

	if !manifest.SupportedLanguage(language) {
		return fmt.Errorf("unsupported language: %s", language)
	}

	internal.LogDebug("Configuration loaded: manifest dir %s, language %s, timeout %s",
		config.ManifestDir, language, config.HTTPTimeout)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "API key (or DESTIGO_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&manifestDir, "dir", "d", "", "Directory for content databases")
	rootCmd.PersistentFlags().StringVarP(&language, "lang", "l", "en", "Content language")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log to a file instead of stderr")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "HTTP timeout")

	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(authLinkCmd)
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		internal.LogError("%v", err)
	}
	return err
}
