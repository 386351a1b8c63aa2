// Command enginectl starts the scientific loop engine's control surface
// and, optionally, creates and runs a single session against it from the
// command line.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/spf13/cobra"

	"github.com/BetterCallFirewall/Hackerecon/internal/browser"
	"github.com/BetterCallFirewall/Hackerecon/internal/config"
	"github.com/BetterCallFirewall/Hackerecon/internal/guardrail"
	"github.com/BetterCallFirewall/Hackerecon/internal/llmprovider"
	"github.com/BetterCallFirewall/Hackerecon/internal/session"
	"github.com/BetterCallFirewall/Hackerecon/internal/store"
)

var (
	targetURL string
	autoStart bool
)

var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "Control surface for the scientific loop API reverse-engineering engine",
	Long: `enginectl starts the HTTP+WebSocket control surface that creates,
drives, and exports sessions of the scientific loop engine: a browser-driven
agent that explores a web application, infers its API surface, and verifies
its own hypotheses against the live target.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control surface HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&targetURL, "target", "", "if set, create and start a session against this URL on boot")
	serveCmd.Flags().BoolVar(&autoStart, "auto-start", false, "start exploring the --target session immediately")
	rootCmd.AddCommand(serveCmd)
}

func buildLLMProvider(ctx context.Context, cfg config.LLMConfig) (llmprovider.Provider, error) {
	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.ApiKey}),
		genkit.WithDefaultModel(cfg.LLMModelSmart),
	)
	return llmprovider.New(g, cfg.LLMModelSmart), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("enginectl: load config: %w", err)
	}

	llm, err := buildLLMProvider(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("enginectl: init llm provider: %w", err)
	}

	persist, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("enginectl: open store: %w", err)
	}
	defer persist.Close()

	mgr := session.NewManager(llm, persist, guardrail.Config{
		AuthorizedDomains:    cfg.AuthorizedDomains,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		MaxLoopIterations:    cfg.MaxLoopIterations,
		EnableProbing:        cfg.EnableProbing,
		EnableFuzzing:        cfg.EnableFuzzing,
	}, browser.Config{
		Headless: cfg.Headless,
		Timeout:  cfg.BrowserTimeout,
	})

	if targetURL != "" {
		rec, err := mgr.CreateSession(session.CreateSessionRequest{TargetURL: targetURL})
		if err != nil {
			return fmt.Errorf("enginectl: create boot session: %w", err)
		}
		log.Printf("enginectl: created session %s for %s", rec.ID, rec.TargetURL)
		if autoStart {
			if err := mgr.StartExploration(rec.ID); err != nil {
				return fmt.Errorf("enginectl: start boot session: %w", err)
			}
			log.Printf("enginectl: started exploration on session %s", rec.ID)
		}
	}

	addr := cfg.APIHost + ":" + cfg.APIPort
	srv := &http.Server{
		Addr:              addr,
		Handler:           mgr.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("enginectl: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("enginectl: serve: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
