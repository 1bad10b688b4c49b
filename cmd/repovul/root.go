// Copyright 2024 Repovul Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timothee-chauvin/repovul/internal/cache"
	"github.com/timothee-chauvin/repovul/internal/config"
	"github.com/timothee-chauvin/repovul/internal/driver"
	"github.com/timothee-chauvin/repovul/internal/log"
	"github.com/timothee-chauvin/repovul/internal/osv"
	"github.com/timothee-chauvin/repovul/internal/store"
)

var configPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repovul",
		Short: "Convert OSV vulnerability data into commit-addressed vulnerability and revision records",
		Long: "repovul groups OSV vulnerability entries by upstream repository, resolves affected " +
			"versions to git commits, and persists the minimum set of revisions needed to cover " +
			"every vulnerability into a relational store.",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "repovul.toml", "path to the TOML configuration file")

	cmd.AddCommand(newConvertCmd())
	cmd.AddCommand(newCacheCmd())
	return cmd
}

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert OSV entries into vulnerability and revision records",
	}
	cmd.AddCommand(newConvertAllCmd())
	cmd.AddCommand(newConvertRangeCmd())
	cmd.AddCommand(newConvertRepoCmd())
	return cmd
}

func newConvertAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Convert every repository found in the OSV input",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(func(ctx context.Context, d *driver.Driver, byRepo map[string][]*osv.Entry) error {
				stats, err := d.ConvertAll(ctx, byRepo)
				if err != nil {
					return err
				}
				printStats(stats)
				return nil
			})
		},
	}
}

func newConvertRangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "range <start> <end>",
		Short: "Convert the [start, end) slice of sorted repository URLs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid start %q: %w", args[0], err)
			}
			end, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid end %q: %w", args[1], err)
			}
			return withDriver(func(ctx context.Context, d *driver.Driver, byRepo map[string][]*osv.Entry) error {
				stats, err := d.ConvertRange(ctx, byRepo, start, end)
				if err != nil {
					return err
				}
				printStats(stats)
				return nil
			})
		},
	}
}

func newConvertRepoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repo <repo_url>",
		Short: "Convert a single repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoURL := args[0]
			return withDriver(func(ctx context.Context, d *driver.Driver, byRepo map[string][]*osv.Entry) error {
				if _, ok := byRepo[repoURL]; !ok {
					return fmt.Errorf("no OSV entries found for repo_url %q", repoURL)
				}
				stats, err := d.ConvertRepo(ctx, byRepo, repoURL)
				if err != nil {
					return err
				}
				printStats(stats)
				return nil
			})
		},
	}
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Operate on the version-resolution and hitting-set cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the cache file if it does not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config.Load: %w", err)
			}
			c, err := cache.Read(cfg.CachePath)
			if err != nil {
				return fmt.Errorf("cache.Read: %w", err)
			}
			return c.Write()
		},
	})
	return cmd
}

// withDriver loads configuration, wires up the cache store, record store,
// OSV loader, and driver, runs fn, and ensures resources are released
// regardless of outcome.
func withDriver(fn func(ctx context.Context, d *driver.Driver, byRepo map[string][]*osv.Entry) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config.Load: %w", err)
	}

	logger := log.NewBatchLogger(log.DefaultLevel)

	loader := osv.NewLoader(cfg.OSVRoot, cfg.Ecosystems, cfg.SupportedDomains, *logger.Logger)
	byRepo, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading OSV entries: %w", err)
	}

	cacheStore, err := cache.Read(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("cache.Read: %w", err)
	}

	recordStore, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("store.Open: %w", err)
	}
	defer recordStore.Close()

	d := &driver.Driver{Store: recordStore, Cache: cacheStore, Log: *logger.Logger}
	return fn(context.Background(), d, byRepo)
}

func printStats(stats driver.Stats) {
	fmt.Printf("Processed %d repositories.\n", stats.Total)
	for status, repos := range stats.ByStatus {
		fmt.Printf("  %s: %d (%s)\n", status, len(repos), strings.Join(repos, ", "))
	}
}
