// Package main provides the cachebox CLI, a small inspector and maintenance
// tool for a cachebox cache directory.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/driftapp/cachebox/internal/cache"
	"github.com/driftapp/cachebox/utils"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	cacheDir   string
	verbose    bool
	asJSON     bool
	setTTL     time.Duration

	rootCmd = &cobra.Command{
		Use:          "cachebox",
		Short:        "Inspect and maintain a cachebox cache directory",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose || viper.GetBool("verbose") {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
)

// openManager builds a Manager from the environment, the config file, and
// flags, in increasing order of precedence.
func openManager() (*cache.Manager, error) {
	cfg, err := cache.ConfigFromEnv()
	if err != nil {
		return nil, err
	}

	if v := viper.GetInt64("max_memory"); v > 0 {
		cfg.MaxMemory = v
	}
	if v := viper.GetInt64("max_disk"); v > 0 {
		cfg.MaxDisk = v
	}
	if v := viper.GetDuration("default_ttl"); v > 0 {
		cfg.DefaultTTL = v
	}
	if v := viper.GetInt("compression_level"); v > 0 {
		cfg.CompressionLevel = v
	}
	if v := viper.GetString("dir"); v != "" && cfg.Dir == "" {
		cfg.Dir = v
	}
	if cacheDir != "" {
		cfg.Dir = cacheDir
	}
	cfg.Dir = utils.ExpandPath(cfg.Dir)

	// The CLI runs one command and exits; no background sweep.
	cfg.CleanupInterval = 0

	return cache.New(cfg, log.Default())
}

func parseNamespaceArg(s string) (cache.Namespace, error) {
	if s == "" {
		return cache.NamespaceGeneral, nil
	}
	return cache.ParseNamespace(s)
}

var getCmd = &cobra.Command{
	Use:   "get <namespace> <key>",
	Short: "Print a cached value",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		ns, err := parseNamespaceArg(args[0])
		if err != nil {
			return err
		}

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close() //nolint:errcheck

		data, ok := m.GetBytes(args[1], ns)
		if !ok {
			return fmt.Errorf("cache miss: %s:%s", ns, args[1])
		}
		fmt.Println(string(data))
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <namespace> <key> <value>",
	Short: "Store a value",
	Long:  "Store a value. Values that parse as JSON are stored verbatim; anything else is stored as a JSON string.",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		ns, err := parseNamespaceArg(args[0])
		if err != nil {
			return err
		}

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close() //nolint:errcheck

		if raw := []byte(args[2]); json.Valid(raw) {
			m.SetBytes(args[1], raw, ns, setTTL)
		} else {
			m.Set(args[1], args[2], ns, setTTL)
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <namespace> <key>",
	Short: "Remove a cached entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		ns, err := parseNamespaceArg(args[0])
		if err != nil {
			return err
		}

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close() //nolint:errcheck

		m.Remove(args[1], ns)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear [namespace]",
	Short: "Clear one namespace, or the whole cache",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close() //nolint:errcheck

		if len(args) == 0 {
			return m.ClearAll()
		}

		ns, err := cache.ParseNamespace(args[0])
		if err != nil {
			return err
		}
		return m.Clear(ns)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Purge expired entries and evict back under budget",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close() //nolint:errcheck

		m.Sweep()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache usage, limits and per-namespace breakdown",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close() //nolint:errcheck

		stats := m.Statistics()

		if asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return fmt.Errorf("unable to encode statistics: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		printStats(stats)
		return nil
	},
}

func printStats(stats cache.Statistics) {
	fmt.Printf("memory  %s of %s  (%d entries, %.0f%% hit rate)\n",
		humanize.IBytes(uint64(stats.Memory.Size)),
		humanize.IBytes(uint64(stats.Memory.Capacity)),
		stats.Memory.Entries,
		stats.Memory.HitRate*100)
	fmt.Printf("disk    %s of %s  (%d entries, %.0f%% hit rate)\n",
		humanize.IBytes(uint64(stats.Disk.Size)),
		humanize.IBytes(uint64(stats.Disk.Capacity)),
		stats.Disk.Entries,
		stats.Disk.HitRate*100)
	fmt.Printf("promotions %d, cleanup runs %d\n", stats.Promotions, stats.CleanupRuns)

	fmt.Println("\nnamespaces:")
	for _, ns := range cache.Namespaces() {
		s := stats.Namespaces[ns]
		if s.Entries == 0 {
			continue
		}
		fmt.Printf("  %-16s %6d entries  %s\n", ns, s.Entries, humanize.IBytes(uint64(s.Size)))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().StringVarP(&cacheDir, "dir", "d", "", "cache directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	statsCmd.Flags().BoolVar(&asJSON, "json", false, "emit statistics as JSON")
	setCmd.Flags().DurationVar(&setTTL, "ttl", 0, "entry time-to-live (default from config)")

	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	viper.SetDefault("max_memory", 0)
	viper.SetDefault("max_disk", 0)
	viper.SetDefault("default_ttl", time.Duration(0))
	viper.SetDefault("compression_level", 3)

	rootCmd.AddCommand(getCmd, setCmd, rmCmd, clearCmd, sweepCmd, statsCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "cachebox")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "cachebox")}, dirs...)
	}

	if c := os.Getenv("CACHEBOX_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("cachebox")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("cachebox")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "cachebox.yml")
	}
}
