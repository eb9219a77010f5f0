package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeguard/internal/abort"
	"github.com/JakeFAU/scrapeguard/internal/app"
	"github.com/JakeFAU/scrapeguard/internal/config"
	"github.com/JakeFAU/scrapeguard/internal/crawler"
	"github.com/JakeFAU/scrapeguard/internal/egress"
)

type fetchOptions struct {
	engine        string
	timeout       time.Duration
	skipTLSVerify bool
	allowPrivate  bool
	respectRobots bool
}

func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch one URL through the egress guard and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return runFetch(cmd, rt, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.engine, "engine", "http", "engine to fetch with (http or colly)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "external deadline for the whole fetch")
	cmd.Flags().BoolVar(&opts.skipTLSVerify, "skip-tls-verify", false, "skip TLS certificate verification")
	cmd.Flags().BoolVar(&opts.allowPrivate, "allow-private", false, "permit private and loopback destinations")
	cmd.Flags().BoolVar(&opts.respectRobots, "respect-robots", false, "honor robots.txt (colly engine)")
	return cmd
}

func runFetch(cmd *cobra.Command, rt *runtime, opts *fetchOptions, rawURL string) error {
	target, err := crawler.NormalizeTarget(rawURL)
	if err != nil {
		return err
	}

	cfg := rt.cfg
	if opts.allowPrivate {
		cfg.Egress.AllowPrivateTargets = true
	}
	engine, guard, err := fetchEngine(cfg, opts.engine, rt.logger)
	if err != nil {
		return err
	}
	defer guard.Close()

	external := abort.FromContext(cmd.Context(), abort.TierExternal, nil)
	deadline := abort.AfterTimeout(abort.TierExternal, opts.timeout, nil)
	budget := abort.AfterTimeout(abort.TierEngine, cfg.Scrape.EngineTimeout, nil)
	aborts := abort.New(external, deadline, budget)
	defer func() {
		aborts.Dispose()
		external.Stop()
		deadline.Stop()
		budget.Stop()
	}()
	ctx, cancel := aborts.Context(cmd.Context())
	defer cancel()

	start := time.Now()
	resp, err := engine.Fetch(ctx, crawler.FetchRequest{
		URL:           target,
		SkipTLSVerify: opts.skipTLSVerify,
		RespectRobots: opts.respectRobots,
	})
	if err != nil {
		if abortErr := aborts.Err(); abortErr != nil {
			return fmt.Errorf("fetch %s: %w", target, abortErr)
		}
		return fmt.Errorf("fetch %s: %w", target, err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s bytes=%d duration=%s\n",
		resp.StatusCode, resp.Engine, resp.URL, len(resp.Body), time.Since(start).Round(time.Millisecond))
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func fetchEngine(cfg config.Config, name string, logger *zap.Logger) (crawler.Engine, *egress.Dispatcher, error) {
	guard, err := egress.New(cfg.EgressPolicy(), logger.Named("egress"))
	if err != nil {
		return nil, nil, fmt.Errorf("egress init failed: %w", err)
	}
	cfg.Scrape.Engines = []string{name}
	engines, err := app.NewEngines(cfg, guard)
	if err != nil {
		guard.Close()
		return nil, nil, err
	}
	return engines[0], guard, nil
}
