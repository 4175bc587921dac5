// installctl creates installer jobs from the command line. Without --wait the
// job is only persisted: a running server picks it up through its recovery
// scan on the next start, or immediately if it is watching the queue. With
// --wait the job is processed in-process and the exit code reflects the
// outcome.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/shotline/server/internal/client"
	"github.com/shotline/server/internal/config"
	"github.com/shotline/server/internal/installer"
	"github.com/shotline/server/internal/jobstore"
	"github.com/shotline/server/internal/model"
	"github.com/shotline/server/internal/service"
	"github.com/shotline/server/internal/version"
)

type cliEnv struct {
	cfg     *config.Config
	store   jobstore.Store
	core    *installer.Core
	service *service.InstallService
}

func newEnv() (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis not available: %w", err)
	}

	gate, err := installer.NewVersionGate(version.Version)
	if err != nil {
		return nil, err
	}

	store := jobstore.NewRedisStore(redisClient)
	fetcher := client.NewFetcher(time.Duration(cfg.Installer.HTTPTimeoutSeconds) * time.Second)
	deployer := installer.NewDeployer(cfg.Installer.AddonsDir, cfg.Installer.UnpackWorkers)
	core := installer.NewCore(store, fetcher, gate, deployer, nil,
		cfg.Installer.DependencyPackagesDir, cfg.Installer.InstallersDir)

	return &cliEnv{
		cfg:     cfg,
		store:   store,
		core:    core,
		service: service.NewInstallService(store, core, gate, nil, cfg.Installer.AddonsDir),
	}, nil
}

// finish optionally runs the bypass-queue path and maps the job outcome to
// the process exit status.
func (env *cliEnv) finish(ctx context.Context, job *model.Job, wait bool) error {
	fmt.Printf("Job created: %s\n", job.ID)
	if !wait {
		return nil
	}

	if err := env.core.ProcessEvent(ctx, job.ID); err != nil {
		if errors.Is(err, installer.ErrTooManyRetries) {
			return fmt.Errorf("job %s failed too many times", job.ID)
		}
		return err
	}

	final, err := env.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if final.Status != model.JobStatusFinished {
		return fmt.Errorf("job %s ended in status %s: %s", final.ID, final.Status, final.Description)
	}

	fmt.Println(final.Description)
	return nil
}

func addonCmd() *cobra.Command {
	var (
		url     string
		zipPath string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "addon",
		Short: "Install an addon from a zip file or a URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (url == "") == (zipPath == "") {
				return fmt.Errorf("exactly one of --url or --zip is required")
			}

			env, err := newEnv()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var job *model.Job
			if zipPath != "" {
				job, err = env.service.InstallFromZip(ctx, zipPath, "installctl")
			} else {
				job, err = env.service.InstallFromURL(ctx, url, "installctl")
			}
			if err != nil {
				return err
			}

			return env.finish(ctx, job, wait)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "URL of the addon zip")
	cmd.Flags().StringVar(&zipPath, "zip", "", "path to a local addon zip")
	cmd.Flags().BoolVar(&wait, "wait", false, "process the job now and wait for it")
	return cmd
}

func urlCmd(use, short, topic string) *cobra.Command {
	var (
		url  string
		wait bool
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url is required")
			}

			env, err := newEnv()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var job *model.Job
			switch topic {
			case model.TopicDependencyPackageFromURL:
				job, err = env.service.InstallDependencyPackage(ctx, url, "installctl")
			case model.TopicInstallerFromURL:
				job, err = env.service.InstallInstaller(ctx, url, "installctl")
			}
			if err != nil {
				return err
			}

			return env.finish(ctx, job, wait)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "download URL")
	cmd.Flags().BoolVar(&wait, "wait", false, "process the job now and wait for it")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of an installer job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}

			job, err := env.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s  %s  %d%%  retries=%d  %s\n",
				job.Topic, job.Status, job.Progress, job.Retries, job.Description)
			return nil
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "installctl",
		Short: "Manage addon and package installation jobs",
	}

	rootCmd.AddCommand(addonCmd())
	rootCmd.AddCommand(urlCmd("dependency-package", "Download a dependency package", model.TopicDependencyPackageFromURL))
	rootCmd.AddCommand(urlCmd("installer", "Download a desktop installer", model.TopicInstallerFromURL))
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}
