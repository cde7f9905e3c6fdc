// cmd/storyloom/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Corphon/StoryLoom/internal/app"
	"github.com/Corphon/StoryLoom/internal/config"
	"github.com/Corphon/StoryLoom/internal/di"
	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/utils"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config

	language string
	prefetch bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "storyloom",
	Short:   "Adaptive educational storytelling server",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			os.Setenv("STORYLOOM_CONFIG", configPath)
		}

		base, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := config.InitConfig(base.DataDir); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}
		cfg = config.GetCurrentConfig()

		if err := utils.InitLogger(filepath.Join(cfg.LogDir, "storyloom.log")); err != nil {
			return err
		}
		if verbose || cfg.DebugMode {
			utils.GetLogger().SetLogLevel(utils.DEBUG)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		utils.GetLogger().Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	generateCmd.Flags().StringVarP(&language, "language", "l", "", "Story language (defaults to the configured language)")
	generateCmd.Flags().BoolVar(&prefetch, "prefetch", false, "Fetch media for every scene before exiting")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(storiesCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and affect sampler",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		utils.GetLogger().Info("starting storyloom", map[string]interface{}{"version": version, "port": cfg.Port})
		return a.Run(ctx)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <topic>",
	Short: "Generate a story into the local cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		topic := args[0]
		for _, word := range args[1:] {
			topic += " " + word
		}

		orch := a.Orchestrator()
		story, err := orch.Generate(ctx, topic, language)
		if err != nil {
			return err
		}
		if story == nil {
			fmt.Println("Nothing to generate.")
			return nil
		}

		if prefetch {
			if err := orch.PrefetchMedia(ctx); err != nil {
				return fmt.Errorf("prefetching media: %w", err)
			}
		}
		orch.Wait()

		snap := orch.Snapshot()
		fmt.Printf("%s  %s (%d scenes)\n", story.ID, story.Title, len(story.Scenes))
		for i, scene := range snap.Story.Scenes {
			fmt.Printf("  %d. media: %-8s %s\n", i+1, snap.Media[scene.ID], scene.Text)
		}
		return nil
	},
}

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "List cached stories, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		cache, err := di.Resolve[*services.StoryCache](a.Container(), di.StoryCache)
		if err != nil {
			return err
		}

		stories := cache.List()
		if len(stories) == 0 {
			fmt.Println("No cached stories.")
			return nil
		}
		for _, story := range stories {
			fmt.Printf("%s  %s  [%s, %d scenes]  %s\n",
				story.ID, story.Title, story.Language, len(story.Scenes), story.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}
